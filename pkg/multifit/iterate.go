package multifit

// Strategy selects how a sweep refines each running peak.
type Strategy int

const (
	// StrategyOriginal performs one damped Gauss-Newton step per peak
	// per sweep, the classic 3D-DAOSTORM update.
	StrategyOriginal Strategy = iota

	// StrategyLM wraps each peak update in a Levenberg-Marquardt inner
	// loop that rejects non-decreasing steps.
	StrategyLM
)

// Iterate performs one fitting sweep over all running peaks.
func (fd *FitData) Iterate(s Strategy) {
	if s == StrategyLM {
		fd.iterateLM()
	} else {
		fd.iterateOriginal()
	}
}

// Fit sweeps until every peak has converged or errored, or until
// maxIterations sweeps have run. It returns the number of sweeps used.
func (fd *FitData) Fit(s Strategy, maxIterations int) int {
	i := 0
	for ; i < maxIterations && fd.NumRunning() > 0; i++ {
		fd.Iterate(s)
	}
	return i
}

// iterateOriginal updates every running peak once, then recalculates the
// peak errors. The update protocol is fixed: build the Jacobian and
// Hessian with the peak still present in the buffers, subtract the peak,
// solve, apply the clamped update, validate, and re-add. Peaks that fail
// any step stay subtracted with status ERROR.
func (fd *FitData) iterateOriginal() {
	n := fd.model.JacSize()
	jac := make([]float64, n)
	hess := make([]float64, n*n)

	for i, p := range fd.peaks {
		if p.Status != StatusRunning {
			continue
		}
		fd.CopyToWorking(i)
		w := fd.working

		fd.CalcJacobianHessian(w, jac, hess)
		fd.SubtractPeak(w)
		fd.Metrics.NIterations++

		if err := Solve(hess, jac, n); err != nil {
			fd.Metrics.NDposv++
			fd.CommitWorking(i, StatusError)
			continue
		}

		fd.model.Update(fd, w, jac)
		if !fd.CheckPeak(w) {
			fd.CommitWorking(i, StatusError)
			continue
		}
		fd.ZRangeCheck(w)

		fd.CalcShape(w)
		fd.AddPeak(w)
		fd.CommitWorking(i, w.Status)
	}

	for _, p := range fd.peaks {
		if p.Status != StatusRunning {
			continue
		}
		if err := fd.CalcError(p); err != nil {
			p.Status = StatusError
			fd.SubtractPeak(p)
		}
	}
}

// iterateLM refines each running peak with a Levenberg-Marquardt inner
// loop. Any failure inside the loop restores the working peak, raises
// lambda and retries; the loop exits on convergence, on an accepted
// improving step, or when lambda has grown past the blow-up limit.
func (fd *FitData) iterateLM() {
	n := fd.model.JacSize()
	jac := make([]float64, n)
	hess := make([]float64, n*n)
	wJac := make([]float64, n)
	wHess := make([]float64, n*n)

	for i, p := range fd.peaks {
		if p.Status != StatusRunning {
			continue
		}
		fd.CopyToWorking(i)
		w := fd.working

		if err := fd.CalcError(w); err != nil {
			fd.SubtractPeak(w)
			fd.CommitWorking(i, StatusError)
			continue
		}
		startingError := w.Error

		fd.CalcJacobianHessian(w, jac, hess)
		fd.SubtractPeak(w)

		for {
			// Status may carry ERROR from a previous pass through this
			// loop.
			w.Status = StatusRunning
			fd.Metrics.NIterations++

			copy(wJac, jac)
			for l := 0; l < n; l++ {
				for o := 0; o < n; o++ {
					if l == o {
						wHess[l*n+o] = (1.0 + w.Lambda) * hess[l*n+o]
					} else {
						wHess[l*n+o] = hess[l*n+o]
					}
				}
			}

			if err := Solve(wHess, wJac, n); err != nil {
				fd.Metrics.NDposv++
				w.Status = StatusError
				w.Lambda *= LambdaUp
				if w.Lambda > LambdaMax {
					break
				}
				continue
			}

			fd.model.Update(fd, w, wJac)
			if !fd.CheckPeak(w) {
				fd.ResetWorking(i)
				if w.Lambda > LambdaMax {
					break
				}
				continue
			}
			fd.ZRangeCheck(w)

			fd.CalcShape(w)
			fd.AddPeak(w)

			if err := fd.CalcError(w); err != nil {
				fd.SubtractPeak(w)
				fd.ResetWorking(i)
				if w.Lambda > LambdaMax {
					break
				}
				continue
			}
			currentError := w.Error

			if currentError > startingError {
				// Once lambda is large the step barely moves the peak;
				// treat a tiny relative increase as converged.
				if (currentError-startingError)/startingError < fd.tolerance {
					w.Status = StatusConverged
					break
				}
				fd.Metrics.NNonDecr++
				fd.SubtractPeak(w)
				fd.ResetWorking(i)
				if w.Lambda > LambdaMax {
					break
				}
				continue
			}

			if (startingError-currentError)/startingError < fd.tolerance {
				w.Status = StatusConverged
			} else {
				w.Lambda *= LambdaDown
			}
			break
		}

		fd.CommitWorking(i, w.Status)
	}
}

// ResetWorking restores the working peak from its committed copy after a
// rejected step, keeping the buffer membership count and raising lambda.
// Status is left at ERROR in case this was the last attempt.
func (fd *FitData) ResetWorking(i int) {
	w := fd.working
	added := w.Added
	lambda := w.Lambda
	fd.peaks[i].copyTo(w)
	w.Added = added
	w.Lambda = lambda * LambdaUp
	w.Status = StatusError
}
