package multifit

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recomputeBuffers rebuilds the expected buffer state from scratch for
// every peak currently present in the fit.
func recomputeBuffers(fd *FitData) (fData, bgData []float64, bgCounts []int) {
	fData = make([]float64, fd.sizeX*fd.sizeY)
	bgData = make([]float64, fd.sizeX*fd.sizeY)
	bgCounts = make([]int, fd.sizeX*fd.sizeY)

	for _, p := range fd.peaks {
		if p.Added == 0 {
			continue
		}
		s := p.shape.(*gaussScratch)
		for j := -p.Wy; j <= p.Wy; j++ {
			for k := -p.Wx; k <= p.Wx; k++ {
				m := (p.Yi+j)*fd.sizeX + p.Xi + k
				fData[m] += p.Params[Height] * s.eyt[j+p.Wy] * s.ext[k+p.Wx]
				bgData[m] += p.Params[Background] + fd.scmosTerm[m]
				bgCounts[m]++
			}
		}
	}
	return fData, bgData, bgCounts
}

func assertBuffersConsistent(t *testing.T, fd *FitData) {
	t.Helper()
	fData, bgData, bgCounts := recomputeBuffers(fd)
	assert.Equal(t, bgCounts, fd.bgCounts, "coverage counters must be exact")
	if diff := cmp.Diff(fData, fd.fData, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("foreground buffer mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(bgData, fd.bgData, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("background buffer mismatch (-want +got):\n%s", diff)
	}
}

func TestAddSubtractRestoresBuffers(t *testing.T) {
	t.Parallel()

	const size = 40
	img := makeImage(size, size, 10.0, []gaussTruth{{h: 100, x: 20.3, y: 19.6, sx: 1.0, sy: 1.0}})

	fd, err := NewFitData(NewGaussian(Gaussian3D), zeroCalib(size, size), testConfig(), size, size)
	require.NoError(t, err)
	require.NoError(t, fd.SetImage(img))
	fd.NewPeaks([]Result{seedFor(100, 20.3, 19.6, 1.0, 1.0, 10.0)})

	p := fd.Peak(0)
	fd.SubtractPeak(p)
	for i := range fd.fData {
		assert.Zero(t, fd.fData[i], "pixel %d", i)
		assert.Zero(t, fd.bgData[i])
		assert.Zero(t, fd.bgCounts[i])
	}

	// Re-adding restores the exact pre-subtraction state.
	fd.AddPeak(p)
	assertBuffersConsistent(t, fd)
	assert.Equal(t, 1, p.Added)
}

func TestBuffersMatchRecomputationWithOverlap(t *testing.T) {
	t.Parallel()

	const size = 40
	peaks := []gaussTruth{
		{h: 50, x: 15.0, y: 15.0, sx: 1.0, sy: 1.0},
		{h: 50, x: 17.0, y: 15.0, sx: 1.0, sy: 1.0},
		{h: 80, x: 25.0, y: 24.0, sx: 1.2, sy: 0.9},
	}
	img := makeImage(size, size, 10.0, peaks)

	fd, err := NewFitData(NewGaussian(Gaussian3D), zeroCalib(size, size), testConfig(), size, size)
	require.NoError(t, err)
	require.NoError(t, fd.SetImage(img))

	seeds := make([]Result, len(peaks))
	for i, p := range peaks {
		seeds[i] = seedFor(p.h, p.x, p.y, p.sx, p.sy, 10.0)
	}
	fd.NewPeaks(seeds)
	assertBuffersConsistent(t, fd)

	// Buffers must stay consistent through fitting sweeps.
	for i := 0; i < 5; i++ {
		fd.Iterate(StrategyLM)
		assertBuffersConsistent(t, fd)
	}
}

func TestErrorPeakFullyRemovedFromBuffers(t *testing.T) {
	t.Parallel()

	const size = 40
	img := makeImage(size, size, 10.0, []gaussTruth{{h: 100, x: 20, y: 20, sx: 1.0, sy: 1.0}})

	fd, err := NewFitData(NewGaussian(Gaussian3D), zeroCalib(size, size), testConfig(), size, size)
	require.NoError(t, err)
	require.NoError(t, fd.SetImage(img))
	fd.NewPeaks([]Result{seedFor(100, 20, 20, 1.0, 1.0, 10.0)})

	p := fd.Peak(0)
	fd.SubtractPeak(p)
	p.Status = StatusError

	assertBuffersConsistent(t, fd)
	for i := range fd.fData {
		assert.Zero(t, fd.fData[i])
	}
}

func TestSeedNearEdgeErrorsWithoutTouchingBuffers(t *testing.T) {
	t.Parallel()

	const size = 20
	img := makeImage(size, size, 10.0, nil)

	fd, err := NewFitData(NewGaussian(Gaussian2D), zeroCalib(size, size), testConfig(), size, size)
	require.NoError(t, err)
	require.NoError(t, fd.SetImage(img))

	fd.NewPeaks([]Result{seedFor(100, 2.0, 5.0, 1.0, 1.0, 10.0)})

	p := fd.Peak(0)
	assert.Equal(t, StatusError, p.Status)
	assert.Equal(t, 0, p.Added)
	assert.Equal(t, 1, fd.Metrics.NMargin)
	for i := range fd.fData {
		assert.Zero(t, fd.fData[i])
		assert.Zero(t, fd.bgData[i])
		assert.Zero(t, fd.bgCounts[i])
	}
	assert.Equal(t, 0, fd.NumRunning())
}

func TestNewPeaksInitialization(t *testing.T) {
	t.Parallel()

	const size = 40
	img := makeImage(size, size, 10.0, []gaussTruth{{h: 100, x: 20.3, y: 19.6, sx: 1.5, sy: 1.5}})

	fd, err := NewFitData(NewGaussian(Gaussian2D), zeroCalib(size, size), testConfig(), size, size)
	require.NoError(t, err)
	require.NoError(t, fd.SetImage(img))
	fd.NewPeaks([]Result{seedFor(100, 20.3, 19.6, 1.5, 1.5, 10.0)})

	p := fd.Peak(0)
	assert.Equal(t, StatusRunning, p.Status)
	assert.Equal(t, 20, p.Xi)
	assert.Equal(t, 19, p.Yi)
	assert.Equal(t, 6, p.Wx, "sigma 1.5 gives a half-size of 6")
	assert.Equal(t, lambdaStart, p.Lambda)
	assert.Greater(t, p.Error, 0.0, "initial error must be computed")
	for i := 0; i < NFitting; i++ {
		assert.Equal(t, DefaultClampStart()[i], p.Clamp[i])
		assert.Zero(t, p.Sign[i])
	}

	results := fd.GetResults()
	require.Len(t, results, 1)
	assert.Equal(t, 100.0, results[0].Height)
	assert.Equal(t, StatusRunning, results[0].Status)
}

func TestSetImageValidation(t *testing.T) {
	t.Parallel()

	fd, err := NewFitData(NewGaussian(Gaussian2D), zeroCalib(20, 20), testConfig(), 20, 20)
	require.NoError(t, err)
	assert.Error(t, fd.SetImage(make([]float64, 10)))
	assert.NoError(t, fd.SetImage(make([]float64, 400)))
}

func TestNewFitDataValidation(t *testing.T) {
	t.Parallel()

	_, err := NewFitData(NewGaussian(Gaussian2D), make([]float64, 3), testConfig(), 20, 20)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Tolerance = 0.0
	_, err = NewFitData(NewGaussian(Gaussian2D), zeroCalib(20, 20), cfg, 20, 20)
	assert.Error(t, err)
}

func TestCalcErrorScmosTerm(t *testing.T) {
	t.Parallel()

	const size = 40
	img := makeImage(size, size, 10.0, []gaussTruth{{h: 100, x: 20, y: 20, sx: 1.0, sy: 1.0}})

	calib := make([]float64, size*size)
	for i := range calib {
		calib[i] = 2.5
	}
	fd, err := NewFitData(NewGaussian(Gaussian3D), calib, testConfig(), size, size)
	require.NoError(t, err)
	require.NoError(t, fd.SetImage(img))
	fd.NewPeaks([]Result{seedFor(100, 20, 20, 1.0, 1.0, 10.0)})

	// The model intensity includes the per pixel variance term, and the
	// deviance is still a number with it included.
	p := fd.Peak(0)
	m := p.Yi*size + p.Xi
	fi := fd.fData[m] + fd.bgData[m]/float64(fd.bgCounts[m])
	assert.InDelta(t, 100.0+10.0+2.5, fi, 1e-9)
	assert.False(t, math.IsNaN(p.Error))
}
