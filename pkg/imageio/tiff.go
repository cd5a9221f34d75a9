package imageio

import (
	"fmt"
	"image"
	"os"

	"golang.org/x/image/tiff"

	"github.com/AdishDaniLab/storm-analysis/pkg/findpeaks"
)

// ReadTiff reads a single-plane TIFF frame into raw camera units.
// 16-bit grayscale is the expected movie format; other formats are
// converted through their 16-bit luminance.
func ReadTiff(filePath string) (findpeaks.Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return findpeaks.Image{}, fmt.Errorf("opening TIFF file: %w", err)
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return findpeaks.Image{}, fmt.Errorf("decoding TIFF: %w", err)
	}
	return FromImage(img), nil
}

// FromImage converts a decoded image to a raw-count frame.
func FromImage(img image.Image) findpeaks.Image {
	bounds := img.Bounds()
	out := findpeaks.NewImage(bounds.Dx(), bounds.Dy())

	if gray, ok := img.(*image.Gray16); ok {
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Set(x, y, float64(gray.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
		return out
	}

	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			lum := (19595*r + 38470*g + 7471*b + 1<<15) >> 16
			out.Set(x, y, float64(lum))
		}
	}
	return out
}
