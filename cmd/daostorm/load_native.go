//go:build !purego && !js

package main

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/AdishDaniLab/storm-analysis/pkg/findpeaks"
)

func loadNonFitsImage(path string) (findpeaks.Image, error) {
	src := gocv.IMRead(path, gocv.IMReadUnchanged)
	if src.Empty() {
		return findpeaks.Image{}, fmt.Errorf("could not load image: %s", path)
	}
	defer src.Close()

	floatMat := gocv.NewMat()
	defer floatMat.Close()
	src.ConvertTo(&floatMat, gocv.MatTypeCV64F)

	w, h := src.Cols(), src.Rows()
	out := findpeaks.NewImage(w, h)
	data, err := floatMat.DataPtrFloat64()
	if err != nil {
		return findpeaks.Image{}, fmt.Errorf("reading pixel data: %w", err)
	}
	copy(out.Data, data[:w*h])
	return out, nil
}
