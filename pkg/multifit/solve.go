package multifit

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ErrNotPosDef is reported when the Hessian fails the Cholesky
// factorization. Near a minimum the Gauss-Newton Hessian is positive
// definite, so a failure means the step cannot be trusted.
var ErrNotPosDef = errors.New("multifit: hessian not positive definite")

// Solve solves hessian * delta = jac in place: on success jac holds the
// delta vector. Only the upper triangle of the row-major n x n hessian is
// referenced. The systems are tiny (4x4 to 6x6 for Gaussians), so a dense
// Cholesky factorization is used.
func Solve(hessian, jac []float64, n int) error {
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, hessian[i*n+j])
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return ErrNotPosDef
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(n, jac)); err != nil {
		return ErrNotPosDef
	}
	for i := 0; i < n; i++ {
		jac[i] = x.AtVec(i)
	}
	return nil
}
