package spline

import "fmt"

// PSFTable adapts a measured PSF spline to the fitter's table interface.
// The spline grid is usually oversampled relative to the camera pixels
// (scale 2 for the standard calibration pipeline) and spans an axial
// range [zmin, zmax] in nanometers.
type PSFTable struct {
	spline *Spline3D

	zmin, zmax float64
	zscale     float64

	scale    float64
	cx, cy   float64
	halfSize int
}

// NewPSFTable wraps a spline. scale is the number of spline grid points
// per camera pixel.
func NewPSFTable(s *Spline3D, zmin, zmax, scale float64) (*PSFTable, error) {
	if zmax <= zmin {
		return nil, fmt.Errorf("spline: bad z range [%g, %g]", zmin, zmax)
	}
	if scale <= 0.0 {
		return nil, fmt.Errorf("spline: bad pixel scale %g", scale)
	}
	half := int((float64(s.SizeX())/scale - 1.0) / 2.0)
	if half < 1 {
		return nil, fmt.Errorf("spline: grid too small for fitting, half size %d", half)
	}
	return &PSFTable{
		spline:   s,
		zmin:     zmin,
		zmax:     zmax,
		zscale:   float64(s.SizeZ()) / (zmax - zmin),
		scale:    scale,
		cx:       float64(s.SizeX()) / 2.0,
		cy:       float64(s.SizeY()) / 2.0,
		halfSize: half,
	}, nil
}

// Evaluate samples the spline at pixel offset (dx, dy) from the PSF
// center and axial position z. Derivatives are returned in pixel and
// nanometer units via the chain rule.
func (t *PSFTable) Evaluate(dx, dy, z float64) (f, dfdx, dfdy, dfdz float64) {
	gx := t.cx + dx*t.scale
	gy := t.cy + dy*t.scale
	gz := t.zscale * (z - t.zmin)

	f = t.spline.F(gz, gy, gx)
	dfdx = t.spline.DxF(gz, gy, gx) * t.scale
	dfdy = t.spline.DyF(gz, gy, gx) * t.scale
	dfdz = t.spline.DzF(gz, gy, gx) * t.zscale
	return f, dfdx, dfdy, dfdz
}

func (t *PSFTable) ZRange() (minZ, maxZ float64) { return t.zmin, t.zmax }

func (t *PSFTable) HalfSize() int { return t.halfSize }
