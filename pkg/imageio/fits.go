package imageio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/AdishDaniLab/storm-analysis/pkg/findpeaks"
)

// FitsFrame is one parsed FITS image plus its header cards.
type FitsFrame struct {
	Image   findpeaks.Image
	Headers map[string]string
}

// GetDouble looks up a numeric header card.
func (f *FitsFrame) GetDouble(key string) (float64, bool) {
	v, ok := f.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

// ReadFits reads the first image HDU of a FITS file. Pixel values are
// returned on their physical scale (BSCALE and BZERO applied), still in
// raw camera units.
func ReadFits(filePath string) (*FitsFrame, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return readFits(f)
}

// ReadFitsFromBytes reads a FITS image from memory.
func ReadFitsFromBytes(data []byte) (*FitsFrame, error) {
	return readFits(bytes.NewReader(data))
}

func readFits(r io.Reader) (*FitsFrame, error) {
	var bitpix, naxis, width, height int
	bzero := 0.0
	bscale := 1.0
	headers := make(map[string]string)

	recordBuf := make([]byte, 80)
	headerDone := false
	for !headerDone {
		for i := 0; i < 36; i++ {
			if _, err := io.ReadFull(r, recordBuf); err != nil {
				return nil, fmt.Errorf("reading FITS header record: %w", err)
			}
			record := string(recordBuf)
			keyword := strings.TrimSpace(record[:8])

			if keyword == "END" {
				headerDone = true
				if remaining := 35 - i; remaining > 0 {
					skip := make([]byte, remaining*80)
					io.ReadFull(r, skip)
				}
				break
			}

			if len(record) > 10 && record[8] == '=' && record[9] == ' ' {
				rawValue := strings.TrimSpace(strings.SplitN(record[10:], "/", 2)[0])
				if keyword != "" && rawValue != "" {
					headers[strings.ToUpper(keyword)] = unquoteFitsValue(rawValue)
				}
				switch keyword {
				case "BITPIX":
					bitpix, _ = strconv.Atoi(rawValue)
				case "NAXIS":
					naxis, _ = strconv.Atoi(rawValue)
				case "NAXIS1":
					width, _ = strconv.Atoi(rawValue)
				case "NAXIS2":
					height, _ = strconv.Atoi(rawValue)
				case "BZERO":
					bzero, _ = strconv.ParseFloat(rawValue, 64)
				case "BSCALE":
					bscale, _ = strconv.ParseFloat(rawValue, 64)
				}
			}
		}
	}

	if naxis < 2 || width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid FITS: NAXIS=%d, NAXIS1=%d, NAXIS2=%d", naxis, width, height)
	}

	numPixels := width * height
	im := findpeaks.NewImage(width, height)

	switch bitpix {
	case 8:
		raw := make([]byte, numPixels)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("reading 8-bit pixel data: %w", err)
		}
		for i := 0; i < numPixels; i++ {
			im.Data[i] = float64(raw[i])*bscale + bzero
		}
	case 16:
		raw := make([]byte, numPixels*2)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("reading 16-bit pixel data: %w", err)
		}
		for i := 0; i < numPixels; i++ {
			v := int16(binary.BigEndian.Uint16(raw[i*2:]))
			im.Data[i] = float64(v)*bscale + bzero
		}
	case 32:
		raw := make([]byte, numPixels*4)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("reading 32-bit pixel data: %w", err)
		}
		for i := 0; i < numPixels; i++ {
			v := int32(binary.BigEndian.Uint32(raw[i*4:]))
			im.Data[i] = float64(v)*bscale + bzero
		}
	case -32:
		raw := make([]byte, numPixels*4)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("reading float pixel data: %w", err)
		}
		for i := 0; i < numPixels; i++ {
			bits := binary.BigEndian.Uint32(raw[i*4:])
			im.Data[i] = float64(math.Float32frombits(bits))*bscale + bzero
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}

	return &FitsFrame{Image: im, Headers: headers}, nil
}

func unquoteFitsValue(rawValue string) string {
	if rawValue == "T" {
		return "True"
	}
	if rawValue == "F" {
		return "False"
	}
	if strings.HasPrefix(rawValue, "'") {
		if endQuote := strings.LastIndex(rawValue, "'"); endQuote > 0 {
			return strings.TrimRight(rawValue[1:endQuote], " ")
		}
		return strings.Trim(rawValue, "' ")
	}
	return rawValue
}

// WriteFits writes a frame as a 32-bit float FITS image, for residual
// and model image inspection.
func WriteFits(filePath string, im findpeaks.Image) error {
	f, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("creating FITS file: %w", err)
	}
	defer f.Close()

	var header bytes.Buffer
	card := func(s string) {
		header.WriteString(s)
		header.WriteString(strings.Repeat(" ", 80-len(s)))
	}
	card("SIMPLE  =                    T")
	card("BITPIX  =                  -32")
	card("NAXIS   =                    2")
	card(fmt.Sprintf("NAXIS1  = %20d", im.Width))
	card(fmt.Sprintf("NAXIS2  = %20d", im.Height))
	card("END")
	for header.Len()%2880 != 0 {
		header.WriteByte(' ')
	}
	if _, err := f.Write(header.Bytes()); err != nil {
		return err
	}

	data := make([]byte, len(im.Data)*4)
	for i, v := range im.Data {
		binary.BigEndian.PutUint32(data[i*4:], math.Float32bits(float32(v)))
	}
	for len(data)%2880 != 0 {
		data = append(data, 0)
	}
	_, err = f.Write(data)
	return err
}
