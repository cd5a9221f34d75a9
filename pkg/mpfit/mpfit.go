// Package mpfit fits groups of peaks across multiple image planes. Each
// group is one emitter seen through C affine-mapped views; x, y, z and
// optionally height are shared across the group while background floats
// per channel. The C peaks of a group advance in lockstep and share one
// status.
package mpfit

import (
	"fmt"
	"math"

	"github.com/AdishDaniLab/storm-analysis/pkg/multifit"
)

// jacSize is the parameter layout every channel model must use:
// height, x, y, z, background.
const jacSize = 5

// Config carries coordinator configuration.
type Config struct {
	Tolerance float64

	// IndependentHeights lets each channel fit its own height; otherwise
	// heights are locked together through a weighted average delta.
	IndependentHeights bool

	Verbose bool
}

// MPFit coordinates C single-plane fit states.
type MPFit struct {
	channels []*multifit.FitData

	nChannels          int
	nFit               int
	independentHeights bool
	tolerance          float64
	verbose            bool

	// Per channel 3-coefficient affine transforms between channel 0 and
	// channel i, in (constant, y, x) coefficient order.
	xt0toN, yt0toN []float64
	xtNto0, ytNto0 []float64

	// Z dependent per channel parameter weights, z slow axis.
	nWeights            int
	wZOffset, wZScale   float64
	wBg, wH, wX, wY, wZ []float64

	// Per channel height weighting factors. All 1.0 in fixed heights
	// mode; tracking the fitted heights in independent mode.
	heights []float64

	jac, wJac   [][]float64
	hess, wHess [][]float64
}

// New creates a coordinator over the given per-channel fit states. Every
// channel model must expose the height, x, y, z, background parameter
// layout.
func New(channels []*multifit.FitData, cfg Config) (*MPFit, error) {
	if len(channels) < 1 {
		return nil, fmt.Errorf("mpfit: need at least one channel")
	}
	for i, ch := range channels {
		if ch.Model().JacSize() != jacSize {
			return nil, fmt.Errorf("mpfit: channel %d model has %d parameters, want %d", i, ch.Model().JacSize(), jacSize)
		}
	}
	if cfg.Tolerance <= 0.0 {
		return nil, fmt.Errorf("mpfit: tolerance must be positive, got %g", cfg.Tolerance)
	}
	m := &MPFit{
		channels:           channels,
		nChannels:          len(channels),
		independentHeights: cfg.IndependentHeights,
		tolerance:          cfg.Tolerance,
		verbose:            cfg.Verbose,
		heights:            make([]float64, len(channels)),
	}
	for i := range m.heights {
		m.heights[i] = 1.0
	}
	m.jac = make([][]float64, m.nChannels)
	m.wJac = make([][]float64, m.nChannels)
	m.hess = make([][]float64, m.nChannels)
	m.wHess = make([][]float64, m.nChannels)
	for i := 0; i < m.nChannels; i++ {
		m.jac[i] = make([]float64, jacSize)
		m.wJac[i] = make([]float64, jacSize)
		m.hess[i] = make([]float64, jacSize*jacSize)
		m.wHess[i] = make([]float64, jacSize*jacSize)
	}
	return m, nil
}

// Channel returns the fit state for one plane.
func (m *MPFit) Channel(i int) *multifit.FitData { return m.channels[i] }

// NChannels returns the number of planes.
func (m *MPFit) NChannels() int { return m.nChannels }

// SetTransforms installs the affine transforms between channel 0 and
// every other channel, 3 coefficients per channel in each direction.
// The identity transform in this convention is xt = (0, 1, 0),
// yt = (0, 0, 1).
func (m *MPFit) SetTransforms(xt0toN, yt0toN, xtNto0, ytNto0 []float64) error {
	want := 3 * m.nChannels
	for _, v := range [][]float64{xt0toN, yt0toN, xtNto0, ytNto0} {
		if len(v) != want {
			return fmt.Errorf("mpfit: transform length %d, want %d", len(v), want)
		}
	}
	m.xt0toN = append([]float64(nil), xt0toN...)
	m.yt0toN = append([]float64(nil), yt0toN...)
	m.xtNto0 = append([]float64(nil), xtNto0...)
	m.ytNto0 = append([]float64(nil), ytNto0...)
	return nil
}

// SetWeights installs the z dependent per channel weights used when
// averaging the channel update vectors. Each table has zSize rows of
// nChannels values. Backgrounds float independently but their weights
// are kept for symmetry.
func (m *MPFit) SetWeights(wBg, wH, wX, wY, wZ []float64, zSize int) error {
	want := zSize * m.nChannels
	for _, v := range [][]float64{wBg, wH, wX, wY, wZ} {
		if len(v) != want {
			return fmt.Errorf("mpfit: weight table length %d, want %d", len(v), want)
		}
	}
	m.nWeights = zSize
	m.wBg = append([]float64(nil), wBg...)
	m.wH = append([]float64(nil), wH...)
	m.wX = append([]float64(nil), wX...)
	m.wY = append([]float64(nil), wY...)
	m.wZ = append([]float64(nil), wZ...)
	for i := range m.heights {
		m.heights[i] = 1.0
	}
	return nil
}

// SetWeightsIndexing sets the scale and offset that map a peak z value
// to a row of the weight tables.
func (m *MPFit) SetWeightsIndexing(zOffset, zScale float64) {
	m.wZOffset = zOffset
	m.wZScale = zScale
}

// weightIndex converts a z value to a clamped weight table row.
func (m *MPFit) weightIndex(z float64) int {
	zi := int(math.Round(m.wZScale * (z - m.wZOffset)))
	if zi < 0 {
		zi = 0
	}
	if zi >= m.nWeights {
		zi = m.nWeights - 1
	}
	return zi
}

// NewPeaks loads one group seed per emitter, in channel 0 coordinates.
// Positions are mapped into every other channel before seeding that
// channel's fitter. In fixed heights mode the per-channel heights of
// each group are reset to their mean. A group with any bad channel is
// wholly dropped, with surviving members subtracted back out.
func (m *MPFit) NewPeaks(seeds []multifit.Result) {
	m.nFit = len(seeds)

	for i, ch := range m.channels {
		if i == 0 {
			ch.NewPeaks(seeds)
			continue
		}
		mapped := make([]multifit.Result, len(seeds))
		for j, s := range seeds {
			tx := s.XCenter
			ty := s.YCenter
			s.XCenter = m.yt0toN[i*3] + ty*m.yt0toN[i*3+1] + tx*m.yt0toN[i*3+2]
			s.YCenter = m.xt0toN[i*3] + ty*m.xt0toN[i*3+1] + tx*m.xt0toN[i*3+2]
			mapped[j] = s
		}
		ch.NewPeaks(mapped)
	}

	if !m.independentHeights {
		for i := 0; i < m.nFit; i++ {
			height := 0.0
			for _, ch := range m.channels {
				ch.CopyToWorking(i)
				height += ch.Working().Params[multifit.Height]
			}
			height /= float64(m.nChannels)

			for _, ch := range m.channels {
				if ch.Working().Status != multifit.StatusError {
					ch.SubtractPeak(ch.Working())
				}
			}
			for _, ch := range m.channels {
				w := ch.Working()
				w.Params[multifit.Height] = height
				if w.Status != multifit.StatusError {
					ch.CalcShape(w)
					ch.AddPeak(w)
					// Refresh the stored error to the averaged height;
					// convergence bookkeeping is left to the iteration.
					ch.RefreshError(w)
				}
				ch.CommitWorking(i, w.Status)
			}
		}
	}

	// Synchronize group status: one bad channel fails the whole group.
	for i := 0; i < m.nFit; i++ {
		bad := false
		for _, ch := range m.channels {
			if ch.Peak(i).Status == multifit.StatusError {
				bad = true
				break
			}
		}
		if !bad {
			continue
		}
		for _, ch := range m.channels {
			p := ch.Peak(i)
			if p.Status != multifit.StatusError {
				ch.SubtractPeak(p)
				p.Status = multifit.StatusError
			}
		}
	}
}

// NumRunning returns the number of groups still iterating.
func (m *MPFit) NumRunning() int { return m.channels[0].NumRunning() }

// Results returns the committed results for one channel.
func (m *MPFit) Results(channel int) []multifit.Result {
	return m.channels[channel].GetResults()
}

// Fit runs Levenberg-Marquardt sweeps until every group has converged or
// errored, or until maxIterations sweeps have run.
func (m *MPFit) Fit(maxIterations int) int {
	i := 0
	for ; i < maxIterations && m.NumRunning() > 0; i++ {
		m.IterateLM()
	}
	return i
}
