// Package analysis drives peak finding and fitting over single frames:
// find candidate emitters, fit them, drop the rejects, and repeat with a
// descending detection threshold until no new emitters turn up.
package analysis

import (
	"fmt"

	"github.com/AdishDaniLab/storm-analysis/pkg/findpeaks"
	"github.com/AdishDaniLab/storm-analysis/pkg/multifit"
)

// Config collects the analysis parameters for one movie.
type Config struct {
	// Sigma is the starting peak sigma in pixels.
	Sigma float64

	// Threshold is the minimum height in photons above background for a
	// new candidate peak.
	Threshold float64

	// Iterations caps the find / fit / subtract cycles per frame.
	Iterations int

	// MaxFitIterations caps fitting sweeps within one fit call.
	MaxFitIterations int

	// FindMaxRadius is the radius in pixels over which a candidate must
	// be the maximum.
	FindMaxRadius int

	Strategy  multifit.Strategy
	Tolerance float64
	Clamp     [multifit.NFitting]float64

	Verbose bool
}

// NewConfig returns the standard analysis configuration.
func NewConfig() Config {
	return Config{
		Sigma:            1.5,
		Threshold:        6.0,
		Iterations:       20,
		MaxFitIterations: 200,
		FindMaxRadius:    5,
		Strategy:         multifit.StrategyLM,
		Tolerance:        1.0e-6,
		Clamp:            multifit.DefaultClampStart(),
	}
}

const (
	// Distances for peak list maintenance, in units of sigma.
	unconvergedDist = 5.0
	newPeakRadius   = 1.0
)

// Analyzer runs the find / fit loop on frames of one size.
type Analyzer struct {
	cfg   Config
	model multifit.Model

	width, height int
	scmos         findpeaks.Image
}

// New creates an analyzer for frames of the given size. scmosCalibration
// is the per pixel variance/gain^2 frame; pass a zeroed frame for EMCCD
// data.
func New(model multifit.Model, scmosCalibration findpeaks.Image, cfg Config) (*Analyzer, error) {
	if cfg.Sigma <= 0.0 {
		return nil, fmt.Errorf("analysis: sigma must be positive, got %g", cfg.Sigma)
	}
	return &Analyzer{
		cfg:    cfg,
		model:  model,
		width:  scmosCalibration.Width,
		height: scmosCalibration.Height,
		scmos:  scmosCalibration,
	}, nil
}

// AnalyzeFrame locates and fits all emitters in one frame of photo
// electron counts. Returned coordinates are in frame pixels; the
// internal fitting margin has been subtracted back out.
func (a *Analyzer) AnalyzeFrame(frame findpeaks.Image) ([]multifit.Result, error) {
	if frame.Width != a.width || frame.Height != a.height {
		return nil, fmt.Errorf("analysis: frame is %dx%d, analyzer expects %dx%d",
			frame.Width, frame.Height, a.width, a.height)
	}

	// Pad the frame so emitters near the edge are fittable.
	padded := findpeaks.MirrorPad(frame, multifit.Margin)
	scmos := findpeaks.MirrorPad(a.scmos, multifit.Margin)

	fd, err := multifit.NewFitData(a.model, scmos.Data, multifit.Config{
		Tolerance:  a.cfg.Tolerance,
		ClampStart: a.cfg.Clamp,
		Verbose:    a.cfg.Verbose,
	}, padded.Width, padded.Height)
	if err != nil {
		return nil, err
	}

	neighborhood := unconvergedDist * a.cfg.Sigma
	taken := make([]int32, padded.Width*padded.Height)

	curThreshold := a.cfg.Threshold * float64(min(a.cfg.Iterations, 4))
	fitImage := findpeaks.NewImage(padded.Width, padded.Height)

	var peaks []multifit.Result
	for i := 0; i < a.cfg.Iterations; i++ {
		residual := findpeaks.NewImage(padded.Width, padded.Height)
		for j := range residual.Data {
			residual.Data[j] = padded.Data[j] - fitImage.Data[j]
		}
		background := findpeaks.EstimateBackground(residual)
		cutoff := findpeaks.Mean(residual) + curThreshold

		points := findpeaks.FindLocalMaxima(residual, taken, cutoff, a.cfg.FindMaxRadius, multifit.Margin)
		newPeaks := findpeaks.InitializePeaks(points, padded, background, a.cfg.Sigma, 0.0)

		notDone := false
		if curThreshold > a.cfg.Threshold {
			curThreshold -= a.cfg.Threshold
			notDone = true
		}

		before := len(peaks)
		peaks = findpeaks.MergeNewPeaks(peaks, newPeaks, newPeakRadius, neighborhood)
		if len(peaks) == before && !notDone {
			break
		}
		if len(peaks) == 0 {
			if !notDone {
				break
			}
			continue
		}

		peaks, fitImage, err = a.fitPeaks(fd, padded, peaks)
		if err != nil {
			return nil, err
		}
		if a.cfg.Verbose {
			fmt.Printf("analysis: cycle %d, %d peaks\n", i, len(peaks))
		}
	}

	// Report in frame coordinates.
	for i := range peaks {
		peaks[i].XCenter -= float64(multifit.Margin)
		peaks[i].YCenter -= float64(multifit.Margin)
	}
	return peaks, nil
}

// fitPeaks fits the current peak list, drops rejects, removes close
// pairs and refits the survivors.
func (a *Analyzer) fitPeaks(fd *multifit.FitData, padded findpeaks.Image, peaks []multifit.Result) ([]multifit.Result, findpeaks.Image, error) {
	neighborhood := unconvergedDist * a.cfg.Sigma

	fit, err := a.runFit(fd, padded, peaks)
	if err != nil {
		return nil, findpeaks.Image{}, err
	}
	fit = findpeaks.GetGoodPeaks(fit, 0.9*a.cfg.Threshold, 0.5*a.cfg.Sigma)

	fit = findpeaks.RemoveClosePeaks(fit, a.cfg.Sigma, neighborhood)
	fit, err = a.runFit(fd, padded, fit)
	if err != nil {
		return nil, findpeaks.Image{}, err
	}
	fit = findpeaks.GetGoodPeaks(fit, 0.9*a.cfg.Threshold, 0.5*a.cfg.Sigma)

	fitImage := findpeaks.Image{Data: fd.FitImage(), Width: padded.Width, Height: padded.Height}
	return fit, fitImage, nil
}

func (a *Analyzer) runFit(fd *multifit.FitData, padded findpeaks.Image, peaks []multifit.Result) ([]multifit.Result, error) {
	if err := fd.SetImage(padded.Data); err != nil {
		return nil, err
	}
	fd.NewPeaks(peaks)
	fd.Fit(a.cfg.Strategy, a.cfg.MaxFitIterations)
	return fd.GetResults(), nil
}

// ConvergedPeaks filters a result list down to the converged peaks.
func ConvergedPeaks(peaks []multifit.Result) []multifit.Result {
	out := make([]multifit.Result, 0, len(peaks))
	for _, p := range peaks {
		if p.Status == multifit.StatusConverged {
			out = append(out, p)
		}
	}
	return out
}
