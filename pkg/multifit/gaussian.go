package multifit

import "math"

// GaussianMode selects which Gaussian parameters are free during fitting.
type GaussianMode int

const (
	// Gaussian2DFixed fits height, position and background with both
	// widths held at their starting values.
	Gaussian2DFixed GaussianMode = iota

	// Gaussian2D additionally fits one width shared by x and y.
	Gaussian2D

	// Gaussian3D fits independent x and y widths, the usual choice for
	// astigmatism imaging.
	Gaussian3D

	// GaussianZ fits z directly, with both widths computed from z via a
	// calibration curve.
	GaussianZ
)

// ZCalibration describes one axis of the defocus curve
//
//	w(z) = w0 * sqrt(1 + u^2 + A*u^3 + B*u^4),  u = (z - C) / D
//
// measured from a calibration bead scan. The stored width parameter is
// 2/(w0^2 * (1 + u^2 + A*u^3 + B*u^4)).
type ZCalibration struct {
	W0, C, D, A, B float64
}

// Gaussian is the 2D Gaussian peak model in its four fitting variants.
type Gaussian struct {
	mode GaussianMode

	wxZ, wyZ     ZCalibration
	w0xSq, w0ySq float64
	minZ, maxZ   float64
}

// NewGaussian returns a Gaussian model for the fixed, 2D or 3D variants.
func NewGaussian(mode GaussianMode) *Gaussian {
	if mode == GaussianZ {
		panic("multifit: use NewGaussianZ for z fitting")
	}
	return &Gaussian{mode: mode, minZ: -1.0e-6, maxZ: 1.0e+6}
}

// NewGaussianZ returns a Gaussian model whose widths are functions of z.
func NewGaussianZ(wxZ, wyZ ZCalibration, minZ, maxZ float64) *Gaussian {
	return &Gaussian{
		mode:  GaussianZ,
		wxZ:   wxZ,
		wyZ:   wyZ,
		w0xSq: wxZ.W0 * wxZ.W0,
		w0ySq: wyZ.W0 * wyZ.W0,
		minZ:  minZ,
		maxZ:  maxZ,
	}
}

func (g *Gaussian) Mode() GaussianMode { return g.mode }

func (g *Gaussian) JacSize() int {
	switch g.mode {
	case Gaussian2DFixed:
		return 4
	case Gaussian2D:
		return 5
	case Gaussian3D:
		return 6
	default:
		return 5
	}
}

// gaussScratch holds the precomputed 1D exponentials for one peak. The
// arrays are sized for the largest possible window so the scratch can
// live inline in the peak.
type gaussScratch struct {
	wxTerm, wyTerm float64

	xt, ext [2*Margin + 1]float64
	yt, eyt [2*Margin + 1]float64
}

func (s *gaussScratch) clone() peakShape {
	c := *s
	return &c
}

func (g *Gaussian) InitShape(fd *FitData, p *Peak) {
	p.shape = &gaussScratch{}
	if g.mode == GaussianZ {
		g.CheckZRange(p)
		g.calcWidthsFromZ(p)
	}
	p.Wx = calcWindow(p.Params[XWidth], -10)
	p.Wy = calcWindow(p.Params[YWidth], -10)
	g.fillScratch(p)
}

func (g *Gaussian) CalcShape(fd *FitData, p *Peak) {
	switch g.mode {
	case Gaussian2DFixed:
		// Widths and window are constant.
	case Gaussian2D:
		p.Wx = calcWindow(p.Params[XWidth], p.Wx)
		p.Wy = p.Wx
	case Gaussian3D:
		p.Wx = calcWindow(p.Params[XWidth], p.Wx)
		p.Wy = calcWindow(p.Params[YWidth], p.Wy)
	case GaussianZ:
		g.calcWidthsFromZ(p)
		p.Wx = calcWindow(p.Params[XWidth], p.Wx)
		p.Wy = calcWindow(p.Params[YWidth], p.Wy)
	}
	g.fillScratch(p)
}

// calcWindow returns the window half-size for a peak width, with
// hysteresis against the previous value and a hard cap at the margin.
func calcWindow(width float64, oldW int) int {
	if width < 0.0 {
		return 1
	}
	newW := oldW
	tmp := 4.0 * math.Sqrt(1.0/(2.0*width))
	if math.Abs(tmp-float64(oldW)-0.5) > Hysteresis {
		newW = int(tmp)
	}
	if newW > Margin {
		newW = Margin
	}
	return newW
}

func (g *Gaussian) fillScratch(p *Peak) {
	s := p.shape.(*gaussScratch)
	for j := -p.Wx; j <= p.Wx; j++ {
		xt := float64(p.Xi+j) - p.Params[XCenter]
		s.xt[j+p.Wx] = xt
		s.ext[j+p.Wx] = math.Exp(-xt * xt * p.Params[XWidth])
	}
	for j := -p.Wy; j <= p.Wy; j++ {
		yt := float64(p.Yi+j) - p.Params[YCenter]
		s.yt[j+p.Wy] = yt
		s.eyt[j+p.Wy] = math.Exp(-yt * yt * p.Params[YWidth])
	}
}

// calcWidthsFromZ sets both width parameters from the peak's z position.
func (g *Gaussian) calcWidthsFromZ(p *Peak) {
	s := p.shape.(*gaussScratch)

	z0 := (p.Params[ZCenter] - g.wxZ.C) / g.wxZ.D
	z1 := z0 * z0
	z2 := z1 * z0
	z3 := z2 * z0
	tmp := 1.0 + z1 + g.wxZ.A*z2 + g.wxZ.B*z3
	s.wxTerm = tmp * tmp
	p.Params[XWidth] = 2.0 / (g.w0xSq * tmp)

	z0 = (p.Params[ZCenter] - g.wyZ.C) / g.wyZ.D
	z1 = z0 * z0
	z2 = z1 * z0
	z3 = z2 * z0
	tmp = 1.0 + z1 + g.wyZ.A*z2 + g.wyZ.B*z3
	s.wyTerm = tmp * tmp
	p.Params[YWidth] = 2.0 / (g.w0ySq * tmp)
}

// widthGradients returns d(width)/dz for both axes at the peak's current
// z position.
func (g *Gaussian) widthGradients(p *Peak) (gx, gy float64) {
	s := p.shape.(*gaussScratch)

	z0 := (p.Params[ZCenter] - g.wxZ.C) / g.wxZ.D
	z1 := z0 * z0
	z2 := z1 * z0
	zt := (2.0*z0 + 3.0*g.wxZ.A*z1 + 4.0*g.wxZ.B*z2) / g.wxZ.D
	gx = -2.0 * zt / (g.w0xSq * s.wxTerm)

	z0 = (p.Params[ZCenter] - g.wyZ.C) / g.wyZ.D
	z1 = z0 * z0
	z2 = z1 * z0
	zt = (2.0*z0 + 3.0*g.wyZ.A*z1 + 4.0*g.wyZ.B*z2) / g.wyZ.D
	gy = -2.0 * zt / (g.w0ySq * s.wyTerm)
	return gx, gy
}

func (g *Gaussian) AddPeak(fd *FitData, p *Peak) {
	s := p.shape.(*gaussScratch)
	mag := p.Params[Height]
	for j := -p.Wy; j <= p.Wy; j++ {
		tmp := mag * s.eyt[j+p.Wy]
		for k := -p.Wx; k <= p.Wx; k++ {
			m := (p.Yi+j)*fd.sizeX + p.Xi + k
			fd.fData[m] += tmp * s.ext[k+p.Wx]
		}
	}
}

func (g *Gaussian) SubtractPeak(fd *FitData, p *Peak) {
	s := p.shape.(*gaussScratch)
	mag := p.Params[Height]
	for j := -p.Wy; j <= p.Wy; j++ {
		tmp := mag * s.eyt[j+p.Wy]
		for k := -p.Wx; k <= p.Wx; k++ {
			m := (p.Yi+j)*fd.sizeX + p.Xi + k
			fd.fData[m] -= tmp * s.ext[k+p.Wx]
		}
	}
}

func (g *Gaussian) CalcJacobianHessian(fd *FitData, p *Peak, jac, hess []float64) {
	n := g.JacSize()
	for i := 0; i < n; i++ {
		jac[i] = 0.0
	}
	for i := 0; i < n*n; i++ {
		hess[i] = 0.0
	}

	s := p.shape.(*gaussScratch)
	a1 := p.Params[Height]
	a3 := p.Params[XWidth]
	a5 := p.Params[YWidth]

	var gx, gy float64
	if g.mode == GaussianZ {
		gx, gy = g.widthGradients(p)
	}

	jt := make([]float64, n)
	for j := -p.Wy; j <= p.Wy; j++ {
		yt := s.yt[j+p.Wy]
		eyt := s.eyt[j+p.Wy]
		for k := -p.Wx; k <= p.Wx; k++ {
			m := (p.Yi+j)*fd.sizeX + p.Xi + k
			fi := fd.fData[m] + fd.bgData[m]/float64(fd.bgCounts[m])
			xi := fd.xData[m]
			xt := s.xt[k+p.Wx]
			ext := s.ext[k+p.Wx]
			et := ext * eyt

			switch g.mode {
			case Gaussian2DFixed:
				jt[0] = et
				jt[1] = 2.0 * a1 * a3 * xt * et
				jt[2] = 2.0 * a1 * a3 * yt * et
				jt[3] = 1.0
			case Gaussian2D:
				jt[0] = et
				jt[1] = 2.0 * a1 * a3 * xt * et
				jt[2] = 2.0 * a1 * a3 * yt * et
				jt[3] = -a1*xt*xt*et - a1*yt*yt*et
				jt[4] = 1.0
			case Gaussian3D:
				jt[0] = et
				jt[1] = 2.0 * a1 * a3 * xt * et
				jt[2] = -a1 * xt * xt * et
				jt[3] = 2.0 * a1 * a5 * yt * et
				jt[4] = -a1 * yt * yt * et
				jt[5] = 1.0
			case GaussianZ:
				jt[0] = et
				jt[1] = 2.0 * a1 * a3 * xt * et
				jt[2] = 2.0 * a1 * a5 * yt * et
				jt[3] = -a1*xt*xt*gx*et - a1*yt*yt*gy*et
				jt[4] = 1.0
			}

			t1 := 2.0 * (1.0 - xi/fi)
			for l := 0; l < n; l++ {
				jac[l] += t1 * jt[l]
			}

			// Gauss-Newton approximation, upper triangle only.
			t2 := 2.0 * xi / (fi * fi)
			for l := 0; l < n; l++ {
				tt := t2 * jt[l]
				for o := l; o < n; o++ {
					hess[l*n+o] += tt * jt[o]
				}
			}
		}
	}
}

func (g *Gaussian) Update(fd *FitData, p *Peak, delta []float64) {
	switch g.mode {
	case Gaussian2DFixed:
		p.UpdateParam(delta[0], Height)
		p.UpdateParam(delta[1], XCenter)
		p.UpdateParam(delta[2], YCenter)
		p.UpdateParam(delta[3], Background)
	case Gaussian2D:
		p.UpdateParam(delta[0], Height)
		p.UpdateParam(delta[1], XCenter)
		p.UpdateParam(delta[2], YCenter)
		p.UpdateParam(delta[3], XWidth)
		p.Params[YWidth] = p.Params[XWidth]
		p.UpdateParam(delta[4], Background)
	case Gaussian3D:
		p.UpdateParam(delta[0], Height)
		p.UpdateParam(delta[1], XCenter)
		p.UpdateParam(delta[2], XWidth)
		p.UpdateParam(delta[3], YCenter)
		p.UpdateParam(delta[4], YWidth)
		p.UpdateParam(delta[5], Background)
	case GaussianZ:
		p.UpdateParam(delta[0], Height)
		p.UpdateParam(delta[1], XCenter)
		p.UpdateParam(delta[2], YCenter)
		p.UpdateParam(delta[3], ZCenter)
		p.UpdateParam(delta[4], Background)
		g.CheckZRange(p)
	}
	p.UpdateAnchor()
}

func (g *Gaussian) CheckZRange(p *Peak) {
	if g.mode != GaussianZ {
		return
	}
	if p.Params[ZCenter] < g.minZ {
		p.Params[ZCenter] = g.minZ
	}
	if p.Params[ZCenter] > g.maxZ {
		p.Params[ZCenter] = g.maxZ
	}
}
