package mpfit

import "github.com/AdishDaniLab/storm-analysis/pkg/multifit"

// IterateLM performs one Levenberg-Marquardt sweep over all running
// groups. The retry policy is uniform across the group: a failure in any
// channel restores and re-damps all C working peaks.
func (m *MPFit) IterateLM() {
	for i := 0; i < m.nFit; i++ {
		if m.channels[0].Peak(i).Status != multifit.StatusRunning {
			continue
		}

		// Copy each channel's peak into its working slot, calculate the
		// Jacobians and Hessians and subtract the peaks out.
		startingError := 0.0
		for k, ch := range m.channels {
			ch.CopyToWorking(i)
			w := ch.Working()
			ch.CalcError(w)
			startingError += w.Error
			ch.CalcJacobianHessian(w, m.jac[k], m.hess[k])
			ch.SubtractPeak(w)
		}

		for {
			// Status may carry ERROR from a previous pass.
			for _, ch := range m.channels {
				ch.Working().Status = multifit.StatusRunning
			}

			isBad := false
			for k, ch := range m.channels {
				ch.Metrics.NIterations++
				copy(m.wJac[k], m.jac[k])
				for l := 0; l < jacSize; l++ {
					for o := 0; o < jacSize; o++ {
						if l == o {
							m.wHess[k][l*jacSize+o] = (1.0 + ch.Working().Lambda) * m.hess[k][l*jacSize+o]
						} else {
							m.wHess[k][l*jacSize+o] = m.hess[k][l*jacSize+o]
						}
					}
				}
				if err := multifit.Solve(m.wHess[k], m.wJac[k], jacSize); err != nil {
					isBad = true
					ch.Metrics.NDposv++
					break
				}
			}
			if isBad {
				for _, ch := range m.channels {
					w := ch.Working()
					w.Status = multifit.StatusError
					w.Lambda *= multifit.LambdaUp
				}
				if m.lambdaExhausted() {
					break
				}
				continue
			}

			// Apply the coupled parameter update, then validate every
			// channel.
			m.updateGroup()
			for _, ch := range m.channels {
				if !ch.CheckPeak(ch.Working()) {
					isBad = true
				}
			}
			if isBad {
				m.resetWorkingPeaks(i)
				if m.lambdaExhausted() {
					break
				}
				continue
			}

			for _, ch := range m.channels {
				w := ch.Working()
				ch.CalcShape(w)
				ch.AddPeak(w)
			}

			currentError := 0.0
			for _, ch := range m.channels {
				w := ch.Working()
				if err := ch.CalcError(w); err != nil {
					isBad = true
				}
				currentError += w.Error
			}
			if isBad {
				for _, ch := range m.channels {
					ch.SubtractPeak(ch.Working())
				}
				m.resetWorkingPeaks(i)
				if m.lambdaExhausted() {
					break
				}
				continue
			}

			if currentError > startingError {
				// With a large lambda the step barely moves the group;
				// a tiny relative increase counts as converged.
				if (currentError-startingError)/startingError < m.tolerance {
					for _, ch := range m.channels {
						ch.Working().Status = multifit.StatusConverged
					}
					break
				}
				for _, ch := range m.channels {
					ch.Metrics.NNonDecr++
					ch.SubtractPeak(ch.Working())
				}
				m.resetWorkingPeaks(i)
				if m.lambdaExhausted() {
					break
				}
				continue
			}

			if (startingError-currentError)/startingError < m.tolerance {
				for _, ch := range m.channels {
					ch.Working().Status = multifit.StatusConverged
				}
			} else {
				for _, ch := range m.channels {
					ch.Working().Lambda *= multifit.LambdaDown
				}
			}
			break
		}

		// Commit the group with a single shared status.
		status := m.channels[0].Working().Status
		for _, ch := range m.channels {
			ch.CommitWorking(i, status)
		}
	}
}

// IterateOriginal performs one single-step sweep over all running
// groups, then recalculates the group errors. Convergence requires every
// channel of a group to have converged in the same sweep.
func (m *MPFit) IterateOriginal() {
	for i := 0; i < m.nFit; i++ {
		if m.channels[0].Peak(i).Status != multifit.StatusRunning {
			continue
		}

		// Every channel is loaded and subtracted even after a solver
		// failure, so a failed group commits fully removed from the
		// buffers.
		isBad := false
		for k, ch := range m.channels {
			ch.CopyToWorking(i)
			w := ch.Working()
			ch.CalcJacobianHessian(w, m.wJac[k], m.wHess[k])
			ch.SubtractPeak(w)
			ch.Metrics.NIterations++
			if isBad {
				continue
			}
			if err := multifit.Solve(m.wHess[k], m.wJac[k], jacSize); err != nil {
				isBad = true
				ch.Metrics.NDposv++
			}
		}
		if isBad {
			m.commitGroup(i, multifit.StatusError)
			continue
		}

		m.updateGroup()

		for _, ch := range m.channels {
			if !ch.CheckPeak(ch.Working()) {
				isBad = true
			}
		}
		if isBad {
			m.commitGroup(i, multifit.StatusError)
			continue
		}

		for _, ch := range m.channels {
			w := ch.Working()
			ch.CalcShape(w)
			ch.AddPeak(w)
			ch.CommitWorking(i, w.Status)
		}
	}

	// Error recalculation pass.
	for i := 0; i < m.nFit; i++ {
		if m.channels[0].Peak(i).Status != multifit.StatusRunning {
			continue
		}

		isBad := false
		isConverged := true
		for _, ch := range m.channels {
			ch.CopyToWorking(i)
			w := ch.Working()
			if err := ch.CalcError(w); err != nil {
				isBad = true
			}
			if w.Status != multifit.StatusConverged {
				isConverged = false
			}
			ch.CommitWorking(i, w.Status)
		}

		if !isConverged {
			for _, ch := range m.channels {
				ch.Peak(i).Status = multifit.StatusRunning
			}
		}

		if isBad {
			for _, ch := range m.channels {
				p := ch.Peak(i)
				ch.SubtractPeak(p)
				p.Status = multifit.StatusError
			}
		}
	}
}

// commitGroup stores every channel's working peak with a shared status.
func (m *MPFit) commitGroup(i int, status multifit.Status) {
	for _, ch := range m.channels {
		ch.CommitWorking(i, status)
	}
}

// resetWorkingPeaks restores every channel's working peak from its
// committed copy after a rejected step, raising lambda and leaving the
// status at ERROR in case this was the last attempt.
func (m *MPFit) resetWorkingPeaks(i int) {
	for _, ch := range m.channels {
		ch.ResetWorking(i)
	}
}

// lambdaExhausted reports whether the group's damping has grown past the
// blow-up limit. Lambda moves in lockstep, so channel 0 is checked.
func (m *MPFit) lambdaExhausted() bool {
	return m.channels[0].Working().Lambda > multifit.LambdaMax
}

// updateGroup applies the solved update vectors to the group's working
// peaks, with height handling per the configured mode.
func (m *MPFit) updateGroup() {
	if m.independentHeights {
		m.updateIndependent()
	} else {
		m.updateFixed()
	}
}

// updateFixed applies a weighted average height delta to channel 0 and
// copies the resulting height to the other channels. The height
// weighting factors stay at 1.0.
func (m *MPFit) updateFixed() {
	ch0 := m.channels[0].Working()
	nc := m.nChannels
	zi := m.weightIndex(ch0.Params[multifit.ZCenter])

	pAve := 0.0
	pTotal := 0.0
	for i := 0; i < nc; i++ {
		pAve += m.wJac[i][0] * m.wH[zi*nc+i]
		pTotal += m.wH[zi*nc+i]
	}
	ch0.UpdateParam(pAve/pTotal, multifit.Height)
	for i := 1; i < nc; i++ {
		m.channels[i].Working().Params[multifit.Height] = ch0.Params[multifit.Height]
	}

	m.updateShared()
}

// updateIndependent lets each channel apply its own height delta, with a
// floor that keeps heights positive, and tracks the fitted heights as
// weighting factors.
func (m *MPFit) updateIndependent() {
	for i, ch := range m.channels {
		w := ch.Working()
		w.UpdateParam(m.wJac[i][0], multifit.Height)
		if w.Params[multifit.Height] < 0.01 {
			w.Params[multifit.Height] = 0.01
		}
		m.heights[i] = w.Params[multifit.Height]
	}

	m.updateShared()
}

// updateShared applies the coupled x, y and z updates and the per
// channel background updates.
//
// The x and y coefficient roles are transposed relative to the mapping's
// native order; the mapping stores (y, x) coefficients. This matches the
// calibration pipeline that produces the transforms.
func (m *MPFit) updateShared() {
	fd0 := m.channels[0]
	w0 := fd0.Working()
	nc := m.nChannels
	xoff := fd0.XOff
	yoff := fd0.YOff

	zi := m.weightIndex(w0.Params[multifit.ZCenter])

	// X, averaged in channel 0's frame.
	pAve := 0.0
	pTotal := 0.0
	for i := 0; i < nc; i++ {
		delta := m.ytNto0[i*3+1] * m.wJac[i][2]
		delta += m.ytNto0[i*3+2] * m.wJac[i][1]
		pAve += delta * m.wX[zi*nc+i] * m.heights[i]
		pTotal += m.wX[zi*nc+i] * m.heights[i]
	}
	w0.UpdateParam(pAve/pTotal, multifit.XCenter)

	// Y, averaged in channel 0's frame.
	pAve = 0.0
	pTotal = 0.0
	for i := 0; i < nc; i++ {
		delta := m.xtNto0[i*3+1] * m.wJac[i][2]
		delta += m.xtNto0[i*3+2] * m.wJac[i][1]
		pAve += delta * m.wY[zi*nc+i] * m.heights[i]
		pTotal += m.wY[zi*nc+i] * m.heights[i]
	}
	w0.UpdateParam(pAve/pTotal, multifit.YCenter)

	// Project channel 0's new position into the other channels.
	for i := 1; i < nc; i++ {
		w := m.channels[i].Working()

		t := m.yt0toN[i*3]
		t += m.yt0toN[i*3+1] * (w0.Params[multifit.YCenter] + yoff)
		t += m.yt0toN[i*3+2] * (w0.Params[multifit.XCenter] + xoff)
		w.Params[multifit.XCenter] = t - xoff

		t = m.xt0toN[i*3]
		t += m.xt0toN[i*3+1] * (w0.Params[multifit.YCenter] + yoff)
		t += m.xt0toN[i*3+2] * (w0.Params[multifit.XCenter] + xoff)
		w.Params[multifit.YCenter] = t - yoff
	}

	for _, ch := range m.channels {
		ch.Working().UpdateAnchor()
	}

	// Z is a simple weighted average, applied to every channel.
	pAve = 0.0
	pTotal = 0.0
	for i := 0; i < nc; i++ {
		pAve += m.wJac[i][3] * m.wZ[zi*nc+i] * m.heights[i]
		pTotal += m.wZ[zi*nc+i] * m.heights[i]
	}
	delta := pAve / pTotal
	for _, ch := range m.channels {
		w := ch.Working()
		w.UpdateParam(delta, multifit.ZCenter)
		ch.ZRangeCheck(w)
	}

	// Backgrounds float independently.
	for i, ch := range m.channels {
		ch.Working().UpdateParam(m.wJac[i][4], multifit.Background)
	}
}
