package multifit

// Model is the peak shape family used by a FitData. Implementations keep
// no per-peak state of their own; everything derived from a peak's
// parameters lives in the peak's shape scratch and is recomputed by
// CalcShape.
type Model interface {
	// JacSize returns the number of active fit parameters, which is the
	// length of the Jacobian and the dimension of the Hessian.
	JacSize() int

	// InitShape attaches fresh shape scratch to a new peak and derives
	// any parameters that are functions of others (for example widths
	// from z).
	InitShape(fd *FitData, p *Peak)

	// CalcShape recomputes the shape scratch, the fitting window size
	// and any derived parameters from p's current parameters. It must be
	// called before AddPeak whenever the parameters have changed.
	CalcShape(fd *FitData, p *Peak)

	// CalcJacobianHessian accumulates the Gauss-Newton Jacobian and
	// Hessian of the Poisson log-likelihood over p's window. The peak
	// must currently be present in the fit buffers.
	CalcJacobianHessian(fd *FitData, p *Peak, jac, hess []float64)

	// AddPeak adds p's shape to the foreground buffer over its window.
	AddPeak(fd *FitData, p *Peak)

	// SubtractPeak removes exactly what AddPeak added. The shape scratch
	// must not have changed in between.
	SubtractPeak(fd *FitData, p *Peak)

	// Update applies the solved delta vector to p's parameters through
	// the clamped update, then moves the integer anchor.
	Update(fd *FitData, p *Peak, delta []float64)

	// CheckZRange clamps p's z position into the model's valid range.
	// A no-op for models without a z parameter.
	CheckZRange(p *Peak)
}
