// Package imageio loads microscope frames from FITS and TIFF files and
// converts raw camera counts into the photo-electron scale the fitter
// works in.
package imageio

import (
	"fmt"

	"github.com/AdishDaniLab/storm-analysis/pkg/findpeaks"
)

// CameraCalibration converts raw camera counts to photo-electrons. For
// sCMOS cameras Offset, Gain and Variance are per-pixel frames; for
// EMCCD cameras the frames are constant.
type CameraCalibration struct {
	Offset   findpeaks.Image
	Gain     findpeaks.Image
	Variance findpeaks.Image
}

// UniformCalibration builds a calibration with the same offset and gain
// everywhere and zero read variance.
func UniformCalibration(width, height int, offset, gain float64) CameraCalibration {
	c := CameraCalibration{
		Offset:   findpeaks.NewImage(width, height),
		Gain:     findpeaks.NewImage(width, height),
		Variance: findpeaks.NewImage(width, height),
	}
	for i := range c.Offset.Data {
		c.Offset.Data[i] = offset
		c.Gain.Data[i] = gain
	}
	return c
}

// ToPhotoElectrons converts a raw frame to photo-electrons,
// (raw - offset) / gain, clamped at zero. The Poisson noise model needs
// non-negative counts.
func (c CameraCalibration) ToPhotoElectrons(raw findpeaks.Image) (findpeaks.Image, error) {
	if raw.Width != c.Offset.Width || raw.Height != c.Offset.Height {
		return findpeaks.Image{}, fmt.Errorf("imageio: frame is %dx%d, calibration is %dx%d",
			raw.Width, raw.Height, c.Offset.Width, c.Offset.Height)
	}
	out := findpeaks.NewImage(raw.Width, raw.Height)
	for i, v := range raw.Data {
		e := (v - c.Offset.Data[i]) / c.Gain.Data[i]
		if e < 0.0 {
			e = 0.0
		}
		out.Data[i] = e
	}
	return out, nil
}

// ScmosTerm returns the additive variance/gain^2 frame for the Poisson
// plus Gaussian read noise model.
func (c CameraCalibration) ScmosTerm() findpeaks.Image {
	out := findpeaks.NewImage(c.Variance.Width, c.Variance.Height)
	for i, v := range c.Variance.Data {
		g := c.Gain.Data[i]
		out.Data[i] = v / (g * g)
	}
	return out
}
