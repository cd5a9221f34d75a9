package analysis

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/AdishDaniLab/storm-analysis/pkg/findpeaks"
	"github.com/AdishDaniLab/storm-analysis/pkg/multifit"
)

// RenderOverlay draws the localizations on top of the frame and writes
// the result as a JPEG file.
func RenderOverlay(frame findpeaks.Image, peaks []multifit.Result, outputPath string) error {
	img := renderOverlayImage(frame, peaks)

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create overlay file: %w", err)
	}
	defer f.Close()

	return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
}

// RenderOverlayBytes draws the localizations on top of the frame and
// returns JPEG bytes.
func RenderOverlayBytes(frame findpeaks.Image, peaks []multifit.Result) ([]byte, error) {
	img := renderOverlayImage(frame, peaks)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderOverlayImage(frame findpeaks.Image, peaks []multifit.Result) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))

	// Stretch the frame into 8 bits.
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range frame.Data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	scale := 0.0
	if hi > lo {
		scale = 255.0 / (hi - lo)
	}
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			g := uint8((frame.At(x, y) - lo) * scale)
			img.Set(x, y, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}

	marker := color.RGBA{R: 64, G: 220, B: 64, A: 255}
	errMarker := color.RGBA{R: 230, G: 80, B: 80, A: 255}
	converged := 0
	for _, p := range peaks {
		c := marker
		if p.Status == multifit.StatusConverged {
			converged++
		} else {
			c = errMarker
		}
		drawCircle(img, p.XCenter, p.YCenter, 4, c)
	}

	drawLabel(img, 4, 12, fmt.Sprintf("%d localizations (%d converged)", len(peaks), converged))
	return img
}

func drawCircle(img *image.RGBA, cx, cy float64, r int, c color.RGBA) {
	b := img.Bounds()
	steps := 8 * r
	for i := 0; i < steps; i++ {
		a := 2.0 * math.Pi * float64(i) / float64(steps)
		x := int(math.Round(cx + float64(r)*math.Cos(a)))
		y := int(math.Round(cy + float64(r)*math.Sin(a)))
		if image.Pt(x, y).In(b) {
			img.Set(x, y, c)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 0, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(label)
}
