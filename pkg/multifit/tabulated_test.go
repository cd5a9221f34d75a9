package multifit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// analyticTable is a PSF table backed by a symmetric Gaussian whose
// sigma grows linearly with z, with exact analytic derivatives.
type analyticTable struct {
	s0, s1     float64
	zmin, zmax float64
}

func (a analyticTable) sigma(z float64) float64 { return a.s0 + a.s1*z }

func (a analyticTable) Evaluate(dx, dy, z float64) (f, dfdx, dfdy, dfdz float64) {
	s := a.sigma(z)
	r2 := dx*dx + dy*dy
	f = math.Exp(-r2 / (2.0 * s * s))
	dfdx = -dx / (s * s) * f
	dfdy = -dy / (s * s) * f
	dfdz = f * r2 / (s * s * s) * a.s1
	return f, dfdx, dfdy, dfdz
}

func (a analyticTable) ZRange() (float64, float64) { return a.zmin, a.zmax }
func (a analyticTable) HalfSize() int              { return 10 }

func TestTabulatedModelFitsTableShapedPeak(t *testing.T) {
	t.Parallel()

	table := analyticTable{s0: 0.8, s1: 0.01, zmin: 0.0, zmax: 100.0}
	model := NewTabulated(table)
	require.Equal(t, 5, model.JacSize())

	const size = 44
	const trueZ = 30.0
	trueSigma := table.sigma(trueZ)
	truth := gaussTruth{h: 200.0, x: 22.3, y: 21.6, sx: trueSigma, sy: trueSigma}
	img := makeImage(size, size, 15.0, []gaussTruth{truth})

	cfg := testConfig()
	cfg.ClampStart[ZCenter] = 20.0
	fd, err := NewFitData(model, zeroCalib(size, size), cfg, size, size)
	require.NoError(t, err)
	require.NoError(t, fd.SetImage(img))

	seed := seedFor(180.0, 22.0, 22.0, 1.0, 1.0, 15.0)
	seed.ZCenter = 50.0
	fd.NewPeaks([]Result{seed})

	fd.Fit(StrategyLM, 500)

	r := fd.GetResults()[0]
	assert.Equal(t, StatusConverged, r.Status)
	assert.InDelta(t, truth.x, r.XCenter, 0.01)
	assert.InDelta(t, truth.y, r.YCenter, 0.01)
	assert.InDelta(t, truth.h, r.Height, 0.02*truth.h)
	assert.InDelta(t, trueZ, r.ZCenter, 2.0)
}

func TestTabulatedZClamp(t *testing.T) {
	t.Parallel()

	table := analyticTable{s0: 0.8, s1: 0.01, zmin: 0.0, zmax: 100.0}
	model := NewTabulated(table)

	p := &Peak{}
	p.Params[ZCenter] = 140.0
	model.CheckZRange(p)
	assert.Equal(t, 100.0, p.Params[ZCenter])

	p.Params[ZCenter] = -5.0
	model.CheckZRange(p)
	assert.Equal(t, 0.0, p.Params[ZCenter])
}

func TestTabulatedWindowCappedAtMargin(t *testing.T) {
	t.Parallel()

	table := analyticTable{s0: 0.8, s1: 0.01, zmin: 0.0, zmax: 100.0}
	model := NewTabulated(table)

	const size = 44
	fd, err := NewFitData(model, zeroCalib(size, size), testConfig(), size, size)
	require.NoError(t, err)
	require.NoError(t, fd.SetImage(makeImage(size, size, 10.0, nil)))

	seed := seedFor(100.0, 22.0, 22.0, 1.0, 1.0, 10.0)
	seed.ZCenter = 10.0
	fd.NewPeaks([]Result{seed})

	p := fd.Peak(0)
	assert.LessOrEqual(t, p.Wx, Margin)
	assert.LessOrEqual(t, p.Wy, Margin)
}
