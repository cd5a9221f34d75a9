// Package findpeaks identifies candidate emitters in an image and
// maintains the peak list between fitting sweeps: merging newly found
// peaks into the current list, removing close pairs and filtering out
// peaks the fitter rejected.
package findpeaks

import (
	"math"

	"github.com/AdishDaniLab/storm-analysis/pkg/multifit"
)

// Image is a single 2D frame of gain-corrected photo-electron counts.
type Image struct {
	Data   []float64
	Width  int
	Height int
}

// NewImage allocates a zeroed frame.
func NewImage(width, height int) Image {
	return Image{Data: make([]float64, width*height), Width: width, Height: height}
}

// At returns the pixel at (x, y).
func (im Image) At(x, y int) float64 { return im.Data[y*im.Width+x] }

// Set stores the pixel at (x, y).
func (im Image) Set(x, y int, v float64) { im.Data[y*im.Width+x] = v }

// MirrorPad pads a frame on all sides by reflecting the edge rows and
// columns, so peaks near the frame edge can be fit without special
// casing the window loops.
func MirrorPad(im Image, pad int) Image {
	if pad <= 0 {
		return im
	}
	out := NewImage(im.Width+2*pad, im.Height+2*pad)
	for y := 0; y < out.Height; y++ {
		sy := reflectIndex(y-pad, im.Height)
		for x := 0; x < out.Width; x++ {
			sx := reflectIndex(x-pad, im.Width)
			out.Set(x, y, im.At(sx, sy))
		}
	}
	return out
}

func reflectIndex(i, size int) int {
	for i < 0 || i >= size {
		if i < 0 {
			i = -i - 1
		}
		if i >= size {
			i = 2*size - 1 - i
		}
	}
	return i
}

// GaussianSmooth applies a separable Gaussian convolution with reflected
// borders.
func GaussianSmooth(im Image, sigma float64) Image {
	half := int(math.Ceil(4.0 * sigma))
	size := 2*half + 1
	kernel := make([]float64, size)
	sum := 0.0
	for i := range kernel {
		x := float64(i - half)
		kernel[i] = math.Exp(-x * x / (2.0 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := NewImage(im.Width, im.Height)
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			s := 0.0
			for k := 0; k < size; k++ {
				s += im.At(reflectIndex(x+k-half, im.Width), y) * kernel[k]
			}
			tmp.Set(x, y, s)
		}
	}
	out := NewImage(im.Width, im.Height)
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			s := 0.0
			for k := 0; k < size; k++ {
				s += tmp.At(x, reflectIndex(y+k-half, im.Height)) * kernel[k]
			}
			out.Set(x, y, s)
		}
	}
	return out
}

// EstimateBackground low-pass filters a frame on a scale much larger
// than a single emitter.
func EstimateBackground(im Image) Image {
	return GaussianSmooth(im, 8.0)
}

// Mean returns the average pixel value.
func Mean(im Image) float64 {
	sum := 0.0
	for _, v := range im.Data {
		sum += v
	}
	return sum / float64(len(im.Data))
}

// Point is an integer pixel position.
type Point struct {
	X, Y int
}

// FindLocalMaxima scans for pixels above threshold that are maximal over
// the given radius and have not already produced a peak. Found positions
// are marked in taken so repeated scans of the same frame yield each
// maximum once. Pixels within margin of the frame edge are skipped.
func FindLocalMaxima(im Image, taken []int32, threshold float64, radius, margin int) []Point {
	var out []Point
	for y := margin; y < im.Height-margin; y++ {
		for x := margin; x < im.Width-margin; x++ {
			v := im.At(x, y)
			if v <= threshold || taken[y*im.Width+x] != 0 {
				continue
			}
			max := true
			for j := -radius; j <= radius && max; j++ {
				yy := y + j
				if yy < 0 || yy >= im.Height {
					continue
				}
				for k := -radius; k <= radius; k++ {
					xx := x + k
					if xx < 0 || xx >= im.Width {
						continue
					}
					if j == 0 && k == 0 {
						continue
					}
					// Ties go to the later pixel in scan order, so a flat
					// top yields exactly one maximum.
					n := im.At(xx, yy)
					if n > v || (n == v && (j > 0 || (j == 0 && k > 0))) {
						max = false
						break
					}
				}
			}
			if !max {
				continue
			}
			taken[y*im.Width+x]++
			out = append(out, Point{X: x, Y: y})
		}
	}
	return out
}

// InitializePeaks fills in starting fit parameters for candidate
// positions: height from the background subtracted image, the configured
// starting sigma for both widths, and the given starting z.
func InitializePeaks(points []Point, im, background Image, sigma, zValue float64) []multifit.Result {
	width := multifit.WidthFromSigma(sigma)
	seeds := make([]multifit.Result, len(points))
	for i, pt := range points {
		bg := background.At(pt.X, pt.Y)
		height := im.At(pt.X, pt.Y) - bg
		if height < 0.0 {
			height = 0.0
		}
		seeds[i] = multifit.Result{
			Height:     height,
			XCenter:    float64(pt.X),
			YCenter:    float64(pt.Y),
			XWidth:     width,
			YWidth:     width,
			Background: bg,
			ZCenter:    zValue,
			Status:     multifit.StatusRunning,
		}
	}
	return seeds
}

func dist2(a, b multifit.Result) float64 {
	dx := a.XCenter - b.XCenter
	dy := a.YCenter - b.YCenter
	return dx*dx + dy*dy
}

// MergeNewPeaks merges newly found peaks into the current list. New
// peaks closer than radius to a current peak are discarded; current
// peaks within neighborhood of an accepted new peak are marked RUNNING
// again, since the new neighbor will change their residual.
func MergeNewPeaks(cur, found []multifit.Result, radius, neighborhood float64) []multifit.Result {
	r2 := radius * radius
	n2 := neighborhood * neighborhood

	out := make([]multifit.Result, len(cur))
	copy(out, cur)

	for _, np := range found {
		tooClose := false
		for i := range cur {
			if dist2(cur[i], np) < r2 {
				tooClose = true
				break
			}
		}
		if tooClose {
			continue
		}
		for i := range out {
			if out[i].Status == multifit.StatusConverged && dist2(out[i], np) < n2 {
				out[i].Status = multifit.StatusRunning
			}
		}
		out = append(out, np)
	}
	return out
}

// RemoveClosePeaks drops the dimmer peak of any pair closer than radius
// and marks the peaks within neighborhood of a removed peak RUNNING.
func RemoveClosePeaks(peaks []multifit.Result, radius, neighborhood float64) []multifit.Result {
	r2 := radius * radius
	n2 := neighborhood * neighborhood

	remove := make([]bool, len(peaks))
	for i := range peaks {
		for j := range peaks {
			if i == j || remove[j] {
				continue
			}
			if dist2(peaks[i], peaks[j]) < r2 && peaks[j].Height > peaks[i].Height {
				remove[i] = true
				break
			}
		}
	}

	out := make([]multifit.Result, 0, len(peaks))
	for i, p := range peaks {
		if remove[i] {
			continue
		}
		for j := range peaks {
			if remove[j] && dist2(p, peaks[j]) < n2 {
				p.Status = multifit.StatusRunning
				break
			}
		}
		out = append(out, p)
	}
	return out
}

// GetGoodPeaks filters out peaks the fitter rejected and peaks that are
// too dim or too narrow to be real emitters. minWidth is a sigma in
// pixels.
func GetGoodPeaks(peaks []multifit.Result, minHeight, minWidth float64) []multifit.Result {
	out := make([]multifit.Result, 0, len(peaks))
	for _, p := range peaks {
		if p.Status == multifit.StatusError || p.Status == multifit.StatusBadPeak {
			continue
		}
		if p.Height < minHeight {
			continue
		}
		if p.SigmaX() < minWidth || p.SigmaY() < minWidth {
			continue
		}
		out = append(out, p)
	}
	return out
}
