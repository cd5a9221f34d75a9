package multifit

import "math"

// Peak parameter indexes. The first NFitting entries are the fit
// parameters, Status and IError are appended in flattened results.
const (
	Height = iota
	XCenter
	XWidth
	YCenter
	YWidth
	Background
	ZCenter

	NFitting = 7
	NPeakPar = 9
)

// Status of a single peak (or of a channel group in multi-plane fitting).
type Status int

const (
	StatusRunning Status = iota
	StatusConverged
	StatusError
	StatusBadPeak
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusConverged:
		return "CONVERGED"
	case StatusError:
		return "ERROR"
	case StatusBadPeak:
		return "BADPEAK"
	default:
		return "UNKNOWN"
	}
}

const (
	// Margin is the unanalyzed edge around the image. It also caps the
	// per-peak fitting window half-size.
	Margin = 10

	// Hysteresis is the minimum change required before an integer anchor
	// or window size is updated.
	Hysteresis = 0.6

	// LambdaUp and LambdaDown scale the Levenberg-Marquardt damping term
	// on rejected and accepted steps respectively.
	LambdaUp   = 4.0
	LambdaDown = 0.75

	lambdaStart = 1.0

	// LambdaMax is the damping blow-up limit; a peak whose lambda
	// exceeds it is abandoned as ERROR.
	LambdaMax = 1e12
)

// peakShape is the model specific precomputed shape data carried by a peak.
type peakShape interface {
	clone() peakShape
}

// Peak is a single emitter being fit.
type Peak struct {
	Params [NFitting]float64
	Clamp  [NFitting]float64
	Sign   [NFitting]int

	Status   Status
	Error    float64
	ErrorOld float64
	Lambda   float64

	// Integer anchor and half-size of the fitting window. The peak
	// contributes to the (2*Wx+1)x(2*Wy+1) pixels centered at (Xi, Yi).
	Xi, Yi int
	Wx, Wy int

	Index int

	// Added counts how many times this peak is currently present in the
	// shared fit buffers. It is 1 while the peak participates in fitting
	// and 0 after removal.
	Added int

	shape peakShape
}

// UpdateParam moves parameter i by a clamped fraction of delta. The clamp
// is halved whenever the update direction reverses, which damps parameter
// oscillation between iterations. The solved delta points up the error
// gradient, so it is subtracted.
func (p *Peak) UpdateParam(delta float64, i int) {
	if delta == 0.0 {
		return
	}
	if p.Sign[i] != 0 {
		if (p.Sign[i] == 1 && delta < 0.0) || (p.Sign[i] == -1 && delta > 0.0) {
			p.Clamp[i] *= 0.5
		}
	}
	if delta > 0.0 {
		p.Sign[i] = 1
	} else {
		p.Sign[i] = -1
	}
	p.Params[i] -= delta / (1.0 + math.Abs(delta)/p.Clamp[i])
}

// UpdateAnchor moves the integer window center to follow the floating
// point center, with hysteresis to avoid add/subtract chatter.
func (p *Peak) UpdateAnchor() {
	if math.Abs(p.Params[XCenter]-float64(p.Xi)) > Hysteresis {
		p.Xi = int(math.Round(p.Params[XCenter]))
	}
	if math.Abs(p.Params[YCenter]-float64(p.Yi)) > Hysteresis {
		p.Yi = int(math.Round(p.Params[YCenter]))
	}
}

// copyTo overwrites dst with a deep copy of p.
func (p *Peak) copyTo(dst *Peak) {
	shape := dst.shape
	*dst = *p
	if p.shape != nil {
		dst.shape = p.shape.clone()
	} else {
		dst.shape = shape
	}
}

// Result is one row of fitting output. Widths are in the inverse Gaussian
// exponent convention, w = 1/(2*sigma^2). This is also the record format
// for seeding new peaks.
type Result struct {
	Height     float64
	XCenter    float64
	XWidth     float64
	YCenter    float64
	YWidth     float64
	Background float64
	ZCenter    float64
	Status     Status
	Error      float64
}

// SigmaX returns the x width as a Gaussian sigma in pixels.
func (r Result) SigmaX() float64 { return invWidthToSigma(r.XWidth) }

// SigmaY returns the y width as a Gaussian sigma in pixels.
func (r Result) SigmaY() float64 { return invWidthToSigma(r.YWidth) }

// WidthFromSigma converts a Gaussian sigma in pixels to the inverse
// exponent convention used by the fitter.
func WidthFromSigma(sigma float64) float64 {
	return 1.0 / (2.0 * sigma * sigma)
}

func invWidthToSigma(w float64) float64 {
	if w <= 0.0 {
		return 0.0
	}
	return math.Sqrt(1.0 / (2.0 * w))
}
