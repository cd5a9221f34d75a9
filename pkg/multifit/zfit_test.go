package multifit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Astigmatism calibration used across the z fitting tests: the two axes
// defocus in opposite directions, z in nanometers.
var (
	testWxCal = ZCalibration{W0: 1.6, C: -250.0, D: 400.0}
	testWyCal = ZCalibration{W0: 1.6, C: 250.0, D: 400.0}
)

// sigmaFromCal returns the calibration curve sigma at z.
func sigmaFromCal(c ZCalibration, z float64) float64 {
	u := (z - c.C) / c.D
	tmp := 1.0 + u*u + c.A*u*u*u + c.B*u*u*u*u
	return 0.5 * c.W0 * math.Sqrt(tmp)
}

func zfitConfig() Config {
	cfg := testConfig()
	cfg.ClampStart[ZCenter] = 100.0
	return cfg
}

// Scenario: a defocused emitter at z = +200nm, seeded at focus,
// recovered through the width-versus-z calibration.
func TestZFitRecoversDefocus(t *testing.T) {
	t.Parallel()

	const size = 40
	const trueZ = 200.0
	truth := gaussTruth{
		h: 100.0, x: 20.4, y: 19.7,
		sx: sigmaFromCal(testWxCal, trueZ),
		sy: sigmaFromCal(testWyCal, trueZ),
	}
	img := makeImage(size, size, 10.0, []gaussTruth{truth})

	model := NewGaussianZ(testWxCal, testWyCal, -500.0, 500.0)
	fd, err := NewFitData(model, zeroCalib(size, size), zfitConfig(), size, size)
	require.NoError(t, err)
	require.NoError(t, fd.SetImage(img))

	seed := seedFor(100.0, 20.0, 20.0, 1.0, 1.0, 10.0)
	seed.ZCenter = 0.0
	fd.NewPeaks([]Result{seed})

	fd.Fit(StrategyLM, 500)

	r := fd.GetResults()[0]
	assert.Equal(t, StatusConverged, r.Status)
	assert.InDelta(t, trueZ, r.ZCenter, 10.0, "z within 10nm")
	assert.InDelta(t, truth.x, r.XCenter, 0.01)
	assert.InDelta(t, truth.y, r.YCenter, 0.01)
	assert.InDelta(t, truth.h, r.Height, 2.0)

	// Widths are slaved to z.
	assert.InDelta(t, sigmaFromCal(testWxCal, r.ZCenter), r.SigmaX(), 1e-9)
	assert.InDelta(t, sigmaFromCal(testWyCal, r.ZCenter), r.SigmaY(), 1e-9)
}

// A seed outside the z range is clamped at initialization and the fit
// converges to an in-range z.
func TestZFitSeedOutsideRangeConvergesInRange(t *testing.T) {
	t.Parallel()

	const size = 40
	const trueZ = 100.0
	truth := gaussTruth{
		h: 100.0, x: 20.0, y: 20.0,
		sx: sigmaFromCal(testWxCal, trueZ),
		sy: sigmaFromCal(testWyCal, trueZ),
	}
	img := makeImage(size, size, 10.0, []gaussTruth{truth})

	model := NewGaussianZ(testWxCal, testWyCal, -500.0, 500.0)
	fd, err := NewFitData(model, zeroCalib(size, size), zfitConfig(), size, size)
	require.NoError(t, err)
	require.NoError(t, fd.SetImage(img))

	seed := seedFor(100.0, 20.0, 20.0, 1.0, 1.0, 10.0)
	seed.ZCenter = 2000.0
	fd.NewPeaks([]Result{seed})

	// The clamp applies immediately.
	assert.LessOrEqual(t, fd.Peak(0).Params[ZCenter], 500.0)

	fd.Fit(StrategyLM, 500)
	r := fd.GetResults()[0]
	assert.GreaterOrEqual(t, r.ZCenter, -500.0)
	assert.LessOrEqual(t, r.ZCenter, 500.0)
	assert.InDelta(t, trueZ, r.ZCenter, 25.0)
}
