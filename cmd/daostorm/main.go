// Command daostorm locates and fits emitters in a single microscope
// frame and writes the localizations as CSV.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AdishDaniLab/storm-analysis/pkg/analysis"
	"github.com/AdishDaniLab/storm-analysis/pkg/findpeaks"
	"github.com/AdishDaniLab/storm-analysis/pkg/imageio"
	"github.com/AdishDaniLab/storm-analysis/pkg/multifit"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("daostorm", flag.ContinueOnError)
	model := fs.String("model", "2d", "fitting model: 2dfixed, 2d or 3d")
	sigma := fs.Float64("sigma", 1.5, "starting peak sigma in pixels")
	threshold := fs.Float64("threshold", 6.0, "detection threshold in photons above background")
	iterations := fs.Int("iterations", 20, "maximum find/fit cycles")
	offset := fs.Float64("offset", 100.0, "camera offset in counts")
	gain := fs.Float64("gain", 1.0, "camera gain in counts per photo-electron")
	original := fs.Bool("original", false, "use the single step iteration instead of Levenberg-Marquardt")
	out := fs.String("out", "localizations.csv", "output CSV path")
	overlay := fs.String("overlay", "", "optional localization overlay JPEG path")
	hist := fs.String("hist", "", "optional fit error histogram PNG path")
	verbose := fs.Bool("verbose", false, "per cycle progress output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: daostorm [flags] <frame.fits|frame.tif>")
	}
	inputPath := fs.Arg(0)

	raw, err := loadFrame(inputPath)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %s: %dx%d\n", inputPath, raw.Width, raw.Height)

	calib := imageio.UniformCalibration(raw.Width, raw.Height, *offset, *gain)
	frame, err := calib.ToPhotoElectrons(raw)
	if err != nil {
		return err
	}

	var psf multifit.Model
	switch *model {
	case "2dfixed":
		psf = multifit.NewGaussian(multifit.Gaussian2DFixed)
	case "2d":
		psf = multifit.NewGaussian(multifit.Gaussian2D)
	case "3d":
		psf = multifit.NewGaussian(multifit.Gaussian3D)
	default:
		return fmt.Errorf("unknown model %q", *model)
	}

	cfg := analysis.NewConfig()
	cfg.Sigma = *sigma
	cfg.Threshold = *threshold
	cfg.Iterations = *iterations
	cfg.Verbose = *verbose
	if *original {
		cfg.Strategy = multifit.StrategyOriginal
	}

	analyzer, err := analysis.New(psf, calib.ScmosTerm(), cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	peaks, err := analyzer.AnalyzeFrame(frame)
	if err != nil {
		return err
	}
	converged := analysis.ConvergedPeaks(peaks)
	fmt.Printf("Found %d localizations (%d converged) in %.1fs\n",
		len(peaks), len(converged), time.Since(start).Seconds())

	if err := writeCSV(*out, converged); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", *out)

	if *overlay != "" {
		if err := analysis.RenderOverlay(frame, peaks, *overlay); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", *overlay)
	}
	if *hist != "" {
		if err := analysis.PlotErrorHistogram(peaks, *hist); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", *hist)
	}
	return nil
}

func loadFrame(path string) (findpeaks.Image, error) {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".fits") || strings.HasSuffix(lower, ".fit") {
		frame, err := imageio.ReadFits(path)
		if err != nil {
			return findpeaks.Image{}, err
		}
		return frame.Image, nil
	}
	return loadNonFitsImage(path)
}

func writeCSV(path string, peaks []multifit.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"x", "y", "height", "background", "sigma_x", "sigma_y", "error"}); err != nil {
		return err
	}
	for _, p := range peaks {
		rec := []string{
			formatF(p.XCenter),
			formatF(p.YCenter),
			formatF(p.Height),
			formatF(p.Background),
			formatF(p.SigmaX()),
			formatF(p.SigmaY()),
			formatF(p.Error),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func formatF(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
