package multifit

// Table is a sampled PSF queried by the tabulated peak model. Cubic
// spline, pupil function and FFT based PSFs all present this interface;
// how the table was built is not the fitter's concern.
type Table interface {
	// Evaluate returns the unit height PSF value and its partial
	// derivatives at offset (dx, dy) from the peak center and axial
	// position z.
	Evaluate(dx, dy, z float64) (f, dfdx, dfdy, dfdz float64)

	// ZRange returns the valid axial range.
	ZRange() (minZ, maxZ float64)

	// HalfSize returns the window half-size the table supports.
	HalfSize() int
}

// Tabulated fits peaks whose shape comes from a sampled PSF. Height and
// background enter the model linearly; position and z move the sample
// points. The free parameters are height, x, y, z and background.
type Tabulated struct {
	table Table
	w     int
}

// NewTabulated wraps a PSF table as a peak model. The fitting window is
// the table's half-size, capped at the image margin.
func NewTabulated(table Table) *Tabulated {
	w := table.HalfSize()
	if w > Margin {
		w = Margin
	}
	return &Tabulated{table: table, w: w}
}

func (t *Tabulated) JacSize() int { return 5 }

// tabScratch caches the sampled shape and derivatives over the window.
type tabScratch struct {
	values, dx, dy, dz []float64
}

func (s *tabScratch) clone() peakShape {
	c := &tabScratch{
		values: make([]float64, len(s.values)),
		dx:     make([]float64, len(s.dx)),
		dy:     make([]float64, len(s.dy)),
		dz:     make([]float64, len(s.dz)),
	}
	copy(c.values, s.values)
	copy(c.dx, s.dx)
	copy(c.dy, s.dy)
	copy(c.dz, s.dz)
	return c
}

func (t *Tabulated) InitShape(fd *FitData, p *Peak) {
	n := (2*t.w + 1) * (2*t.w + 1)
	p.shape = &tabScratch{
		values: make([]float64, n),
		dx:     make([]float64, n),
		dy:     make([]float64, n),
		dz:     make([]float64, n),
	}
	p.Wx = t.w
	p.Wy = t.w
	t.CheckZRange(p)
	t.CalcShape(fd, p)
}

func (t *Tabulated) CalcShape(fd *FitData, p *Peak) {
	s := p.shape.(*tabScratch)
	z := p.Params[ZCenter]
	i := 0
	for j := -p.Wy; j <= p.Wy; j++ {
		dy := float64(p.Yi+j) - p.Params[YCenter]
		for k := -p.Wx; k <= p.Wx; k++ {
			dx := float64(p.Xi+k) - p.Params[XCenter]
			s.values[i], s.dx[i], s.dy[i], s.dz[i] = t.table.Evaluate(dx, dy, z)
			i++
		}
	}
}

func (t *Tabulated) AddPeak(fd *FitData, p *Peak) {
	s := p.shape.(*tabScratch)
	mag := p.Params[Height]
	i := 0
	for j := -p.Wy; j <= p.Wy; j++ {
		for k := -p.Wx; k <= p.Wx; k++ {
			m := (p.Yi+j)*fd.sizeX + p.Xi + k
			fd.fData[m] += mag * s.values[i]
			i++
		}
	}
}

func (t *Tabulated) SubtractPeak(fd *FitData, p *Peak) {
	s := p.shape.(*tabScratch)
	mag := p.Params[Height]
	i := 0
	for j := -p.Wy; j <= p.Wy; j++ {
		for k := -p.Wx; k <= p.Wx; k++ {
			m := (p.Yi+j)*fd.sizeX + p.Xi + k
			fd.fData[m] -= mag * s.values[i]
			i++
		}
	}
}

func (t *Tabulated) CalcJacobianHessian(fd *FitData, p *Peak, jac, hess []float64) {
	const n = 5
	for i := 0; i < n; i++ {
		jac[i] = 0.0
	}
	for i := 0; i < n*n; i++ {
		hess[i] = 0.0
	}

	s := p.shape.(*tabScratch)
	mag := p.Params[Height]
	var jt [n]float64

	i := 0
	for j := -p.Wy; j <= p.Wy; j++ {
		for k := -p.Wx; k <= p.Wx; k++ {
			m := (p.Yi+j)*fd.sizeX + p.Xi + k
			fi := fd.fData[m] + fd.bgData[m]/float64(fd.bgCounts[m])
			xi := fd.xData[m]

			// The sample offsets move opposite to the peak center.
			jt[0] = s.values[i]
			jt[1] = -mag * s.dx[i]
			jt[2] = -mag * s.dy[i]
			jt[3] = mag * s.dz[i]
			jt[4] = 1.0

			t1 := 2.0 * (1.0 - xi/fi)
			for l := 0; l < n; l++ {
				jac[l] += t1 * jt[l]
			}
			t2 := 2.0 * xi / (fi * fi)
			for l := 0; l < n; l++ {
				tt := t2 * jt[l]
				for o := l; o < n; o++ {
					hess[l*n+o] += tt * jt[o]
				}
			}
			i++
		}
	}
}

func (t *Tabulated) Update(fd *FitData, p *Peak, delta []float64) {
	p.UpdateParam(delta[0], Height)
	p.UpdateParam(delta[1], XCenter)
	p.UpdateParam(delta[2], YCenter)
	p.UpdateParam(delta[3], ZCenter)
	p.UpdateParam(delta[4], Background)
	t.CheckZRange(p)
	p.UpdateAnchor()
}

func (t *Tabulated) CheckZRange(p *Peak) {
	minZ, maxZ := t.table.ZRange()
	if p.Params[ZCenter] < minZ {
		p.Params[ZCenter] = minZ
	}
	if p.Params[ZCenter] > maxZ {
		p.Params[ZCenter] = maxZ
	}
}
