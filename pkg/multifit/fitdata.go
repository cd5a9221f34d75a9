package multifit

import (
	"errors"
	"fmt"
	"math"
)

// ErrNegativeIntensity is reported when the model intensity is not
// positive somewhere inside a peak's window, which makes the Poisson
// deviance undefined.
var ErrNegativeIntensity = errors.New("multifit: model intensity not positive")

// FitMetrics counts the reasons peaks were dropped or retried during
// fitting. Counters reset when a new set of peaks is loaded.
type FitMetrics struct {
	NDposv      int // linear solver failures
	NMargin     int // peaks that moved too close to the image edge
	NNegFi      int // error calculations on non-positive model intensity
	NNegHeight  int // negative fitted heights
	NNegWidth   int // negative fitted widths
	NNonDecr    int // rejected non-decreasing LM steps
	NIterations int // total single peak update cycles
}

// Config carries the fixed fitting configuration.
type Config struct {
	// Tolerance is the relative error change below which a peak is
	// marked converged.
	Tolerance float64

	// ClampStart is the initial per-parameter update ceiling.
	ClampStart [NFitting]float64

	// Verbose enables per-update progress output.
	Verbose bool
}

// DefaultClampStart returns the standard starting clamp values: generous
// for height and background, one pixel for positions, conservative for
// widths and z.
func DefaultClampStart() [NFitting]float64 {
	return [NFitting]float64{1000.0, 1.0, 0.3, 1.0, 0.3, 100.0, 0.1}
}

// FitData owns the shared state for fitting many peaks to one image: the
// observed image, the sCMOS calibration term, the accumulated foreground
// and background sums, and the peak list. All mutation of the buffers
// goes through the subtract / solve / update / validate / add protocol of
// the update functions.
type FitData struct {
	model Model

	sizeX, sizeY int
	tolerance    float64
	verbose      bool

	xData     []float64 // observed image, photo-electrons
	scmosTerm []float64 // per pixel variance/gain^2
	fData     []float64 // summed foreground of all added peaks
	bgData    []float64 // summed background + scmos term of all added peaks
	bgCounts  []int     // number of added peaks covering each pixel

	clampStart [NFitting]float64

	peaks   []*Peak
	working *Peak

	// Coordinate offsets between this channel's fitting frame and the
	// shared mapping frame. Zero for all current models.
	XOff, YOff float64

	Metrics FitMetrics
}

// NewFitData creates fitting state for images of the given size.
// scmosCalibration holds the per pixel variance/gain^2 term and must
// cover the full image; pass a zero slice for EMCCD-style data.
func NewFitData(model Model, scmosCalibration []float64, cfg Config, sizeX, sizeY int) (*FitData, error) {
	if len(scmosCalibration) != sizeX*sizeY {
		return nil, fmt.Errorf("multifit: calibration size %d does not match %dx%d image", len(scmosCalibration), sizeX, sizeY)
	}
	if cfg.Tolerance <= 0.0 {
		return nil, fmt.Errorf("multifit: tolerance must be positive, got %g", cfg.Tolerance)
	}
	fd := &FitData{
		model:      model,
		sizeX:      sizeX,
		sizeY:      sizeY,
		tolerance:  cfg.Tolerance,
		verbose:    cfg.Verbose,
		xData:      make([]float64, sizeX*sizeY),
		scmosTerm:  make([]float64, sizeX*sizeY),
		fData:      make([]float64, sizeX*sizeY),
		bgData:     make([]float64, sizeX*sizeY),
		bgCounts:   make([]int, sizeX*sizeY),
		clampStart: cfg.ClampStart,
		working:    &Peak{},
	}
	copy(fd.scmosTerm, scmosCalibration)
	return fd, nil
}

func (fd *FitData) Model() Model         { return fd.model }
func (fd *FitData) SizeX() int           { return fd.sizeX }
func (fd *FitData) SizeY() int           { return fd.sizeY }
func (fd *FitData) Tolerance() float64   { return fd.tolerance }
func (fd *FitData) Verbose() bool        { return fd.verbose }
func (fd *FitData) NPeaks() int          { return len(fd.peaks) }
func (fd *FitData) Peak(i int) *Peak     { return fd.peaks[i] }
func (fd *FitData) Working() *Peak       { return fd.working }
func (fd *FitData) ScmosTerm() []float64 { return fd.scmosTerm }

// SetImage stores a new observed image and resets all fit buffers and
// peaks. It must be called before peaks are loaded.
func (fd *FitData) SetImage(image []float64) error {
	if len(image) != fd.sizeX*fd.sizeY {
		return fmt.Errorf("multifit: image size %d does not match %dx%d", len(image), fd.sizeX, fd.sizeY)
	}
	copy(fd.xData, image)
	for i := range fd.fData {
		fd.fData[i] = 0.0
		fd.bgData[i] = 0.0
		fd.bgCounts[i] = 0
	}
	fd.peaks = nil
	return nil
}

// NewPeaks replaces the current peak list with peaks initialized from the
// seed records and adds them to the fit buffers. Seeds whose integer
// anchor lies within Margin of the image edge are set to ERROR without
// touching the buffers.
func (fd *FitData) NewPeaks(seeds []Result) {
	fd.Metrics = FitMetrics{}
	for i := range fd.fData {
		fd.fData[i] = 0.0
		fd.bgData[i] = 0.0
		fd.bgCounts[i] = 0
	}

	fd.peaks = make([]*Peak, len(seeds))
	for i, s := range seeds {
		p := &Peak{Index: i, Lambda: lambdaStart}
		p.Status = s.Status
		if p.Status == StatusRunning {
			p.Error = 0.0
			p.ErrorOld = 0.0
		} else {
			p.Error = s.Error
			p.ErrorOld = s.Error
		}
		p.Params[Height] = s.Height
		p.Params[XCenter] = s.XCenter
		p.Params[XWidth] = s.XWidth
		p.Params[YCenter] = s.YCenter
		p.Params[YWidth] = s.YWidth
		p.Params[Background] = s.Background
		p.Params[ZCenter] = s.ZCenter
		p.Xi = int(p.Params[XCenter])
		p.Yi = int(p.Params[YCenter])
		for j := 0; j < NFitting; j++ {
			p.Clamp[j] = fd.clampStart[j]
			p.Sign[j] = 0
		}
		fd.peaks[i] = p

		fd.model.InitShape(fd, p)

		if !fd.insideMargins(p) {
			p.Status = StatusError
			fd.Metrics.NMargin++
			continue
		}
		if p.Status == StatusError || p.Status == StatusBadPeak {
			continue
		}
		fd.AddPeak(p)
	}

	// Initial error for each added peak.
	for _, p := range fd.peaks {
		if err := fd.CalcError(p); err != nil {
			p.Status = StatusError
			fd.SubtractPeak(p)
		}
	}
}

// AddPeak adds a peak's contribution to the foreground, background and
// coverage buffers over its window.
func (fd *FitData) AddPeak(p *Peak) {
	fd.model.AddPeak(fd, p)
	bg := p.Params[Background]
	for j := -p.Wy; j <= p.Wy; j++ {
		for k := -p.Wx; k <= p.Wx; k++ {
			m := (p.Yi+j)*fd.sizeX + p.Xi + k
			fd.bgCounts[m]++
			fd.bgData[m] += bg + fd.scmosTerm[m]
		}
	}
	p.Added++
}

// SubtractPeak removes exactly what AddPeak added.
func (fd *FitData) SubtractPeak(p *Peak) {
	if p.Added == 0 {
		return
	}
	fd.model.SubtractPeak(fd, p)
	bg := p.Params[Background]
	for j := -p.Wy; j <= p.Wy; j++ {
		for k := -p.Wx; k <= p.Wx; k++ {
			m := (p.Yi+j)*fd.sizeX + p.Xi + k
			fd.bgCounts[m]--
			fd.bgData[m] -= bg + fd.scmosTerm[m]
		}
	}
	p.Added--
}

// CalcError computes the summed Poisson deviance over the peak's window
// and updates the peak's error history, marking the peak converged when
// the relative change drops below the tolerance. The peak must currently
// be present in the fit buffers.
func (fd *FitData) CalcError(p *Peak) error {
	if p.Status != StatusRunning {
		return nil
	}
	sum, err := fd.errorSum(p)
	if err != nil {
		return err
	}
	p.ErrorOld = p.Error
	p.Error = sum
	if math.Abs(sum-p.ErrorOld)/sum < fd.tolerance {
		p.Status = StatusConverged
	}
	return nil
}

// RefreshError recomputes a peak's deviance after an out-of-band
// parameter change, without touching the convergence bookkeeping.
func (fd *FitData) RefreshError(p *Peak) error {
	sum, err := fd.errorSum(p)
	if err != nil {
		return err
	}
	p.Error = sum
	return nil
}

func (fd *FitData) errorSum(p *Peak) (float64, error) {
	sum := 0.0
	for j := -p.Wy; j <= p.Wy; j++ {
		for k := -p.Wx; k <= p.Wx; k++ {
			m := (p.Yi+j)*fd.sizeX + p.Xi + k
			fi := fd.fData[m] + fd.bgData[m]/float64(fd.bgCounts[m])
			if fi <= 0.0 {
				fd.Metrics.NNegFi++
				if fd.verbose {
					fmt.Printf("multifit: non-positive intensity %.3e at peak %d\n", fi, p.Index)
				}
				return 0.0, ErrNegativeIntensity
			}
			xi := fd.xData[m]
			if xi > 0.0 {
				sum += 2.0*(fi-xi) - 2.0*xi*math.Log(fi/xi)
			} else {
				sum += 2.0 * fi
			}
		}
	}
	return sum, nil
}

// CheckPeak validates the working parameters after an update: window
// inside the margins, non-negative height and widths. On failure the
// peak is flagged ERROR and the matching counter incremented.
func (fd *FitData) CheckPeak(p *Peak) bool {
	ok := true
	if !fd.insideMargins(p) {
		p.Status = StatusError
		fd.Metrics.NMargin++
		ok = false
	}
	if p.Params[Height] < 0.0 {
		p.Status = StatusError
		fd.Metrics.NNegHeight++
		ok = false
	}
	if p.Params[XWidth] < 0.0 || p.Params[YWidth] < 0.0 {
		p.Status = StatusError
		fd.Metrics.NNegWidth++
		ok = false
	}
	return ok
}

func (fd *FitData) insideMargins(p *Peak) bool {
	if p.Xi <= Margin || p.Xi >= fd.sizeX-Margin-1 {
		return false
	}
	if p.Yi <= Margin || p.Yi >= fd.sizeY-Margin-1 {
		return false
	}
	return true
}

// CopyToWorking loads peak i into the scratch working slot.
func (fd *FitData) CopyToWorking(i int) {
	fd.peaks[i].copyTo(fd.working)
}

// CommitWorking stores the working peak back into slot i with the given
// status.
func (fd *FitData) CommitWorking(i int, status Status) {
	fd.working.Status = status
	fd.working.copyTo(fd.peaks[i])
}

// CalcShape delegates to the model.
func (fd *FitData) CalcShape(p *Peak) { fd.model.CalcShape(fd, p) }

// CalcJacobianHessian delegates to the model.
func (fd *FitData) CalcJacobianHessian(p *Peak, jac, hess []float64) {
	fd.model.CalcJacobianHessian(fd, p, jac, hess)
}

// ZRangeCheck delegates to the model.
func (fd *FitData) ZRangeCheck(p *Peak) { fd.model.CheckZRange(p) }

// FitImage returns a copy of the summed foreground model image.
func (fd *FitData) FitImage() []float64 {
	out := make([]float64, len(fd.fData))
	copy(out, fd.fData)
	return out
}

// NumRunning returns the count of peaks still iterating. The outer fit
// loop terminates when this reaches zero.
func (fd *FitData) NumRunning() int {
	n := 0
	for _, p := range fd.peaks {
		if p.Status == StatusRunning {
			n++
		}
	}
	return n
}

// GetResults returns the committed peak parameters, status and last
// error, in seed order.
func (fd *FitData) GetResults() []Result {
	out := make([]Result, len(fd.peaks))
	for i, p := range fd.peaks {
		out[i] = Result{
			Height:     p.Params[Height],
			XCenter:    p.Params[XCenter],
			XWidth:     p.Params[XWidth],
			YCenter:    p.Params[YCenter],
			YWidth:     p.Params[YWidth],
			Background: p.Params[Background],
			ZCenter:    p.Params[ZCenter],
			Status:     p.Status,
			Error:      p.Error,
		}
	}
	return out
}

// Flatten packs results into the flat NPeakPar-per-peak layout.
func Flatten(results []Result) []float64 {
	out := make([]float64, 0, len(results)*NPeakPar)
	for _, r := range results {
		out = append(out, r.Height, r.XCenter, r.XWidth, r.YCenter, r.YWidth,
			r.Background, r.ZCenter, float64(r.Status), r.Error)
	}
	return out
}
