package mpfit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdishDaniLab/storm-analysis/pkg/multifit"
)

var (
	testWxCal = multifit.ZCalibration{W0: 1.6, C: -250.0, D: 400.0}
	testWyCal = multifit.ZCalibration{W0: 1.6, C: 250.0, D: 400.0}
)

func sigmaFromCal(c multifit.ZCalibration, z float64) float64 {
	u := (z - c.C) / c.D
	return 0.5 * c.W0 * math.Sqrt(1.0+u*u)
}

func makeImage(size int, bg, h, x, y, sx, sy float64) []float64 {
	img := make([]float64, size*size)
	for py := 0; py < size; py++ {
		for px := 0; px < size; px++ {
			dx := float64(px) - x
			dy := float64(py) - y
			img[py*size+px] = bg + h*math.Exp(-dx*dx/(2*sx*sx)-dy*dy/(2*sy*sy))
		}
	}
	return img
}

func newChannel(t *testing.T, size int, img []float64) *multifit.FitData {
	t.Helper()
	cfg := multifit.Config{Tolerance: 1.0e-6, ClampStart: multifit.DefaultClampStart()}
	cfg.ClampStart[multifit.ZCenter] = 100.0
	fd, err := multifit.NewFitData(
		multifit.NewGaussianZ(testWxCal, testWyCal, -500.0, 500.0),
		make([]float64, size*size), cfg, size, size)
	require.NoError(t, err)
	require.NoError(t, fd.SetImage(img))
	return fd
}

func identityTransforms(nc int) (xt0, yt0, xtN, ytN []float64) {
	xt0 = make([]float64, 3*nc)
	yt0 = make([]float64, 3*nc)
	for i := 0; i < nc; i++ {
		xt0[i*3+1] = 1.0
		yt0[i*3+2] = 1.0
	}
	xtN = append([]float64(nil), xt0...)
	ytN = append([]float64(nil), yt0...)
	return xt0, yt0, xtN, ytN
}

func uniformWeights(m *MPFit, nc int) {
	ones := make([]float64, nc)
	for i := range ones {
		ones[i] = 1.0
	}
	m.SetWeights(ones, ones, ones, ones, ones, 1)
	m.SetWeightsIndexing(0.0, 0.0)
}

func testSeed(h, x, y, bg float64) multifit.Result {
	return multifit.Result{
		Height:     h,
		XCenter:    x,
		YCenter:    y,
		XWidth:     multifit.WidthFromSigma(1.0),
		YWidth:     multifit.WidthFromSigma(1.0),
		Background: bg,
		ZCenter:    0.0,
		Status:     multifit.StatusRunning,
	}
}

// With identity transforms and identical planes, the coupled fit must
// reproduce the single channel fit exactly.
func TestIdenticalPlanesMatchSingleChannel(t *testing.T) {
	t.Parallel()

	const size = 40
	const trueZ = 120.0
	sx := sigmaFromCal(testWxCal, trueZ)
	sy := sigmaFromCal(testWyCal, trueZ)
	img := makeImage(size, 10.0, 100.0, 20.4, 19.7, sx, sy)

	seed := testSeed(100.0, 20.0, 20.0, 10.0)

	// Single channel reference.
	single := newChannel(t, size, img)
	single.NewPeaks([]multifit.Result{seed})
	singleSweeps := single.Fit(multifit.StrategyLM, 200)

	// Two identical coupled channels.
	ch0 := newChannel(t, size, img)
	ch1 := newChannel(t, size, img)
	mp, err := New([]*multifit.FitData{ch0, ch1}, Config{Tolerance: 1.0e-6})
	require.NoError(t, err)
	require.NoError(t, mp.SetTransforms(identityTransforms(2)))
	uniformWeights(mp, 2)

	mp.NewPeaks([]multifit.Result{seed})
	mpSweeps := mp.Fit(200)

	assert.Equal(t, singleSweeps, mpSweeps)
	want := single.GetResults()
	assert.Equal(t, want, mp.Results(0), "channel 0 must match single channel bit for bit")
	assert.Equal(t, want, mp.Results(1), "channel 1 must match single channel bit for bit")
	assert.Equal(t, multifit.StatusConverged, want[0].Status)
	assert.InDelta(t, trueZ, want[0].ZCenter, 10.0)
}

// With a 90 degree rotation between the channels, channel 1 positions
// must be the affine image of channel 0 after every sweep.
func TestRotatedChannelTracksAffineImage(t *testing.T) {
	t.Parallel()

	const size = 32
	// At z = 0 the calibration is symmetric, so the rotated plane has
	// the same shape.
	s0 := sigmaFromCal(testWxCal, 0.0)
	img0 := makeImage(size, 10.0, 100.0, 15.2, 17.5, s0, s0)
	img1 := makeImage(size, 10.0, 100.0, 17.5, 15.2, s0, s0)

	ch0 := newChannel(t, size, img0)
	ch1 := newChannel(t, size, img1)
	mp, err := New([]*multifit.FitData{ch0, ch1}, Config{Tolerance: 1.0e-6})
	require.NoError(t, err)

	// Channel 0 identity; channel 1 swaps x and y. The swap is its own
	// inverse.
	xt0 := []float64{0, 1, 0, 0, 0, 1}
	yt0 := []float64{0, 0, 1, 0, 1, 0}
	require.NoError(t, mp.SetTransforms(xt0, yt0, xt0, yt0))
	uniformWeights(mp, 2)

	mp.NewPeaks([]multifit.Result{testSeed(100.0, 15.2, 17.5, 10.0)})

	// Seeding already maps the position.
	assert.Equal(t, 17.5, ch1.Peak(0).Params[multifit.XCenter])
	assert.Equal(t, 15.2, ch1.Peak(0).Params[multifit.YCenter])

	for i := 0; i < 20; i++ {
		mp.IterateLM()
		p0 := ch0.Peak(0)
		p1 := ch1.Peak(0)
		if p0.Status == multifit.StatusError {
			break
		}
		assert.Equal(t, p0.Params[multifit.YCenter], p1.Params[multifit.XCenter],
			"sweep %d: channel 1 x must equal channel 0 y", i)
		assert.Equal(t, p0.Params[multifit.XCenter], p1.Params[multifit.YCenter],
			"sweep %d: channel 1 y must equal channel 0 x", i)
	}

	r0 := mp.Results(0)[0]
	assert.Equal(t, multifit.StatusConverged, r0.Status)
	assert.InDelta(t, 15.2, r0.XCenter, 0.01)
	assert.InDelta(t, 17.5, r0.YCenter, 0.01)
}

// A channel whose mapped seed lands outside its image fails the whole
// group, and surviving members are subtracted back out.
func TestBadChannelFailsWholeGroup(t *testing.T) {
	t.Parallel()

	const size = 32
	s0 := sigmaFromCal(testWxCal, 0.0)
	img := makeImage(size, 10.0, 100.0, 15.0, 15.0, s0, s0)

	ch0 := newChannel(t, size, img)
	ch1 := newChannel(t, size, img)
	mp, err := New([]*multifit.FitData{ch0, ch1}, Config{Tolerance: 1.0e-6})
	require.NoError(t, err)

	// Channel 1 is channel 0 shifted by +40 pixels in y, far outside
	// the image.
	xt0 := []float64{0, 1, 0, 40, 1, 0}
	yt0 := []float64{0, 0, 1, 0, 0, 1}
	xtN := []float64{0, 1, 0, -40, 1, 0}
	ytN := []float64{0, 0, 1, 0, 0, 1}
	require.NoError(t, mp.SetTransforms(xt0, yt0, xtN, ytN))
	uniformWeights(mp, 2)

	mp.NewPeaks([]multifit.Result{testSeed(100.0, 15.0, 15.0, 10.0)})

	assert.Equal(t, multifit.StatusError, ch0.Peak(0).Status)
	assert.Equal(t, multifit.StatusError, ch1.Peak(0).Status)
	assert.Equal(t, 0, mp.NumRunning())

	// Channel 0's contribution was subtracted when the group failed.
	for i, v := range ch0.FitImage() {
		assert.Zero(t, v, "pixel %d", i)
	}
}

func TestWeightIndexClamping(t *testing.T) {
	t.Parallel()

	const size = 32
	ch0 := newChannel(t, size, makeImage(size, 10.0, 100.0, 15.0, 15.0, 1.0, 1.0))
	mp, err := New([]*multifit.FitData{ch0}, Config{Tolerance: 1.0e-6})
	require.NoError(t, err)

	w := []float64{1, 1, 1}
	require.NoError(t, mp.SetWeights(w, w, w, w, w, 3))
	mp.SetWeightsIndexing(-500.0, 3.0/1000.0)

	assert.Equal(t, 0, mp.weightIndex(-500.0))
	assert.Equal(t, 0, mp.weightIndex(-900.0), "below range clamps to 0")
	assert.Equal(t, 2, mp.weightIndex(500.0), "above range clamps to last row")
	assert.Equal(t, 2, mp.weightIndex(200.0))
	assert.Equal(t, 1, mp.weightIndex(-200.0))
}

func TestNewRejectsWrongModelLayout(t *testing.T) {
	t.Parallel()

	const size = 32
	cfg := multifit.Config{Tolerance: 1.0e-6, ClampStart: multifit.DefaultClampStart()}
	fd, err := multifit.NewFitData(multifit.NewGaussian(multifit.Gaussian3D),
		make([]float64, size*size), cfg, size, size)
	require.NoError(t, err)

	_, err = New([]*multifit.FitData{fd}, Config{Tolerance: 1.0e-6})
	assert.Error(t, err, "a 6 parameter model cannot be coupled")
}
