package multifit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateParamClamp(t *testing.T) {
	t.Parallel()

	t.Run("soft clamp limits the step", func(t *testing.T) {
		t.Parallel()
		p := &Peak{}
		p.Clamp[XCenter] = 1.0
		p.Params[XCenter] = 5.0

		p.UpdateParam(10.0, XCenter)
		// 10/(1+10/1) = 0.909..., subtracted.
		assert.InDelta(t, 5.0-10.0/11.0, p.Params[XCenter], 1e-12)
		assert.Equal(t, 1, p.Sign[XCenter])
		assert.Equal(t, 1.0, p.Clamp[XCenter])
	})

	t.Run("sign reversal halves the clamp", func(t *testing.T) {
		t.Parallel()
		p := &Peak{}
		p.Clamp[Height] = 100.0

		p.UpdateParam(10.0, Height)
		assert.Equal(t, 100.0, p.Clamp[Height])
		p.UpdateParam(-10.0, Height)
		assert.Equal(t, 50.0, p.Clamp[Height])
		assert.Equal(t, -1, p.Sign[Height])
		p.UpdateParam(-10.0, Height)
		assert.Equal(t, 50.0, p.Clamp[Height])
	})

	t.Run("zero delta is a no-op", func(t *testing.T) {
		t.Parallel()
		p := &Peak{}
		p.Clamp[Height] = 100.0
		p.Sign[Height] = 1
		p.Params[Height] = 42.0

		p.UpdateParam(0.0, Height)
		assert.Equal(t, 42.0, p.Params[Height])
		assert.Equal(t, 1, p.Sign[Height])
	})
}

func TestUpdateAnchorHysteresis(t *testing.T) {
	t.Parallel()

	p := &Peak{Xi: 15, Yi: 20}
	p.Params[XCenter] = 15.55
	p.Params[YCenter] = 20.0
	p.UpdateAnchor()
	assert.Equal(t, 15, p.Xi, "0.55 offset is inside hysteresis")

	p.Params[XCenter] = 15.65
	p.UpdateAnchor()
	assert.Equal(t, 16, p.Xi, "0.65 offset moves the anchor")

	p.Params[YCenter] = 19.3
	p.UpdateAnchor()
	assert.Equal(t, 19, p.Yi)
}

func TestWidthConversions(t *testing.T) {
	t.Parallel()

	w := WidthFromSigma(1.5)
	assert.InDelta(t, 1.0/4.5, w, 1e-15)

	r := Result{XWidth: w, YWidth: WidthFromSigma(0.8)}
	assert.InDelta(t, 1.5, r.SigmaX(), 1e-12)
	assert.InDelta(t, 0.8, r.SigmaY(), 1e-12)
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "RUNNING", StatusRunning.String())
	assert.Equal(t, "CONVERGED", StatusConverged.String())
	assert.Equal(t, "ERROR", StatusError.String())
	assert.Equal(t, "BADPEAK", StatusBadPeak.String())
}

func TestFlattenLayout(t *testing.T) {
	t.Parallel()

	rs := []Result{{
		Height: 1, XCenter: 2, XWidth: 3, YCenter: 4, YWidth: 5,
		Background: 6, ZCenter: 7, Status: StatusConverged, Error: 8,
	}}
	flat := Flatten(rs)
	assert.Len(t, flat, NPeakPar)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 1, 8}, flat)
}
