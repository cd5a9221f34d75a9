// Package spline evaluates tricubic 3D splines describing measured PSFs.
// Spline construction happens upstream; this package only consumes the
// coefficient grid, supplying values and partial derivatives to the
// tabulated peak model.
package spline

import "fmt"

// Spline3D is a tricubic spline over a regular grid. Each grid cell
// (zi, yi, xi) carries 64 polynomial coefficients and the cell value is
//
//	f(dz, dy, dx) = sum_{i,j,k < 4} c[i*16+j*4+k] * dz^i * dy^j * dx^k
//
// with dz, dy, dx the fractional offsets inside the cell.
type Spline3D struct {
	nx, ny, nz int
	coeff      []float64
}

// NewSpline3D wraps a coefficient grid with nx * ny * nz cells. The
// coefficients are indexed cell-major, ((zi*ny+yi)*nx+xi)*64.
func NewSpline3D(nx, ny, nz int, coeff []float64) (*Spline3D, error) {
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("spline: bad grid %dx%dx%d", nx, ny, nz)
	}
	if len(coeff) != nx*ny*nz*64 {
		return nil, fmt.Errorf("spline: got %d coefficients, want %d", len(coeff), nx*ny*nz*64)
	}
	return &Spline3D{nx: nx, ny: ny, nz: nz, coeff: coeff}, nil
}

// SizeX returns the number of cells along x.
func (s *Spline3D) SizeX() int { return s.nx }

// SizeY returns the number of cells along y.
func (s *Spline3D) SizeY() int { return s.ny }

// SizeZ returns the number of cells along z.
func (s *Spline3D) SizeZ() int { return s.nz }

// cell splits a coordinate into cell index and fractional offset,
// clamping coordinates on the grid boundary into the last cell.
func cell(v float64, n int) (int, float64) {
	i := int(v)
	if i < 0 {
		i = 0
	}
	if i > n-1 {
		i = n - 1
	}
	return i, v - float64(i)
}

func (s *Spline3D) cellCoeff(zi, yi, xi int) []float64 {
	off := ((zi*s.ny+yi)*s.nx + xi) * 64
	return s.coeff[off : off+64]
}

// F evaluates the spline at grid coordinates (z, y, x).
func (s *Spline3D) F(z, y, x float64) float64 {
	zi, dz := cell(z, s.nz)
	yi, dy := cell(y, s.ny)
	xi, dx := cell(x, s.nx)
	c := s.cellCoeff(zi, yi, xi)

	sum := 0.0
	zp := 1.0
	for i := 0; i < 4; i++ {
		yp := 1.0
		for j := 0; j < 4; j++ {
			xp := 1.0
			for k := 0; k < 4; k++ {
				sum += c[i*16+j*4+k] * zp * yp * xp
				xp *= dx
			}
			yp *= dy
		}
		zp *= dz
	}
	return sum
}

// DxF evaluates the partial derivative along x.
func (s *Spline3D) DxF(z, y, x float64) float64 {
	zi, dz := cell(z, s.nz)
	yi, dy := cell(y, s.ny)
	xi, dx := cell(x, s.nx)
	c := s.cellCoeff(zi, yi, xi)

	sum := 0.0
	zp := 1.0
	for i := 0; i < 4; i++ {
		yp := 1.0
		for j := 0; j < 4; j++ {
			xp := 1.0
			for k := 1; k < 4; k++ {
				sum += float64(k) * c[i*16+j*4+k] * zp * yp * xp
				xp *= dx
			}
			yp *= dy
		}
		zp *= dz
	}
	return sum
}

// DyF evaluates the partial derivative along y.
func (s *Spline3D) DyF(z, y, x float64) float64 {
	zi, dz := cell(z, s.nz)
	yi, dy := cell(y, s.ny)
	xi, dx := cell(x, s.nx)
	c := s.cellCoeff(zi, yi, xi)

	sum := 0.0
	zp := 1.0
	for i := 0; i < 4; i++ {
		yp := 1.0
		for j := 1; j < 4; j++ {
			xp := 1.0
			for k := 0; k < 4; k++ {
				sum += float64(j) * c[i*16+j*4+k] * zp * yp * xp
				xp *= dx
			}
			yp *= dy
		}
		zp *= dz
	}
	return sum
}

// DzF evaluates the partial derivative along z.
func (s *Spline3D) DzF(z, y, x float64) float64 {
	zi, dz := cell(z, s.nz)
	yi, dy := cell(y, s.ny)
	xi, dx := cell(x, s.nx)
	c := s.cellCoeff(zi, yi, xi)

	sum := 0.0
	zp := 1.0
	for i := 1; i < 4; i++ {
		yp := 1.0
		for j := 0; j < 4; j++ {
			xp := 1.0
			for k := 0; k < 4; k++ {
				sum += float64(i) * c[i*16+j*4+k] * zp * yp * xp
				xp *= dx
			}
			yp *= dy
		}
		zp *= dz
	}
	return sum
}
