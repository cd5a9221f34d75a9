package multifit

import "math"

// gaussTruth is a ground truth emitter for synthetic images.
type gaussTruth struct {
	h, x, y float64
	sx, sy  float64
}

// makeImage renders emitters plus a flat background, noiseless.
func makeImage(sizeX, sizeY int, bg float64, peaks []gaussTruth) []float64 {
	img := make([]float64, sizeX*sizeY)
	for y := 0; y < sizeY; y++ {
		for x := 0; x < sizeX; x++ {
			v := bg
			for _, p := range peaks {
				dx := float64(x) - p.x
				dy := float64(y) - p.y
				v += p.h * math.Exp(-dx*dx/(2.0*p.sx*p.sx)-dy*dy/(2.0*p.sy*p.sy))
			}
			img[y*sizeX+x] = v
		}
	}
	return img
}

func testConfig() Config {
	return Config{Tolerance: 1.0e-6, ClampStart: DefaultClampStart()}
}

func zeroCalib(sizeX, sizeY int) []float64 {
	return make([]float64, sizeX*sizeY)
}

// seedFor builds a running seed record from truth values.
func seedFor(h, x, y, sx, sy, bg float64) Result {
	return Result{
		Height:     h,
		XCenter:    x,
		YCenter:    y,
		XWidth:     WidthFromSigma(sx),
		YWidth:     WidthFromSigma(sy),
		Background: bg,
		Status:     StatusRunning,
	}
}
