//go:build purego || js

package main

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/AdishDaniLab/storm-analysis/pkg/findpeaks"
	"github.com/AdishDaniLab/storm-analysis/pkg/imageio"
)

func loadNonFitsImage(path string) (findpeaks.Image, error) {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".tif") || strings.HasSuffix(lower, ".tiff") {
		return imageio.ReadTiff(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return findpeaks.Image{}, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return findpeaks.Image{}, fmt.Errorf("decoding image: %w", err)
	}
	return imageio.FromImage(img), nil
}
