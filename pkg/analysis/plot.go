package analysis

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/AdishDaniLab/storm-analysis/pkg/multifit"
)

// PlotErrorHistogram writes a histogram of the per-peak fit errors for
// the converged localizations, a quick visual check on fit quality.
func PlotErrorHistogram(peaks []multifit.Result, outputPath string) error {
	vals := make(plotter.Values, 0, len(peaks))
	for _, pk := range peaks {
		if pk.Status == multifit.StatusConverged {
			vals = append(vals, pk.Error)
		}
	}
	if len(vals) == 0 {
		return fmt.Errorf("analysis: no converged peaks to plot")
	}

	p := plot.New()
	p.Title.Text = "Fit error"
	p.X.Label.Text = "summed deviance"
	p.Y.Label.Text = "count"

	h, err := plotter.NewHist(vals, 32)
	if err != nil {
		return err
	}
	p.Add(h)

	return p.Save(6*vg.Inch, 4*vg.Inch, outputPath)
}
