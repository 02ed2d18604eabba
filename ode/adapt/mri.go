package adapt

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/trace"
)

// FastErrorSource is the view of the inner stepper the adapter needs.
// inner.Handle satisfies it.
type FastErrorSource interface {
	SupportsAccumulatedError() bool
	SupportsRTol() bool
	AccumulatedError() (float64, error)
	SetRTol(rtol float64) error
}

// MRIAdapter presents a MultirateController to the driver as an ordinary
// ode.Controller. It reads the inner stepper's accumulated error, updates
// the tolerance factor and pushes tolfac·rtol to the inner stepper. When the
// inner stepper cannot report its error or accept a tolerance, every call is
// forwarded to the slow fallback controller.
type MRIAdapter struct {
	mc       MultirateController
	slow     ode.Controller
	fast     FastErrorSource
	rtol     float64
	tolfac   float64
	degraded bool

	trace *trace.StepTrace
	steps int
}

// NewMRIAdapter binds mc to the inner stepper fast. rtol is the slow
// relative tolerance the tolerance factor scales.
func NewMRIAdapter(mc MultirateController, slow ode.Controller, fast FastErrorSource, rtol float64) (*MRIAdapter, error) {
	if mc == nil || slow == nil {
		return nil, fmt.Errorf("%w: adapter needs a multirate and a slow controller", ode.ErrIllegalInput)
	}
	if rtol <= 0 {
		return nil, fmt.Errorf("%w: relative tolerance must be positive, got %g", ode.ErrIllegalInput, rtol)
	}
	a := &MRIAdapter{mc: mc, slow: slow, fast: fast, rtol: rtol, tolfac: 1}
	if fast == nil || !fast.SupportsAccumulatedError() || !fast.SupportsRTol() {
		a.degraded = true
		logrus.Warnf("adapt: inner stepper lacks accumulated-error or rtol support, falling back to slow-only control")
		return a, nil
	}
	if err := fast.SetRTol(a.tolfac * rtol); err != nil {
		return nil, fmt.Errorf("setting inner tolerance: %w", err)
	}
	return a, nil
}

// SetTrace records every tolerance-factor update into st.
func (a *MRIAdapter) SetTrace(st *trace.StepTrace) { a.trace = st }

// Degraded reports whether the adapter is forwarding to the slow controller.
func (a *MRIAdapter) Degraded() bool { return a.degraded }

// TolFactor returns the current tolerance factor.
func (a *MRIAdapter) TolFactor() float64 { return a.tolfac }

// EstimateStep implements ode.Controller.
func (a *MRIAdapter) EstimateStep(h float64, p int, dsm float64) (float64, error) {
	if a.degraded {
		return a.slow.EstimateStep(h, p, dsm)
	}
	fastDSM, err := a.fast.AccumulatedError()
	if err != nil {
		return 0, fmt.Errorf("reading inner error: %w", err)
	}
	hnew, tolfac, err := a.mc.EstimateStepTol(h, a.tolfac, p, dsm, fastDSM)
	if err != nil {
		return 0, err
	}
	a.tolfac = tolfac
	if err := a.fast.SetRTol(tolfac * a.rtol); err != nil {
		return 0, fmt.Errorf("setting inner tolerance: %w", err)
	}
	a.trace.RecordTolerance(trace.ToleranceRecord{Step: a.steps, SlowDSM: dsm, FastDSM: fastDSM, TolFactor: tolfac})
	logrus.Debugf("adapt: H=%.3e -> %.3e, tolfac=%.3e (slow dsm %.3e, fast dsm %.3e)", h, hnew, tolfac, dsm, fastDSM)
	return hnew, nil
}

// UpdateH implements ode.Controller.
func (a *MRIAdapter) UpdateH(h, dsm float64) error {
	a.steps++
	if a.degraded {
		return a.slow.UpdateH(h, dsm)
	}
	fastDSM, err := a.fast.AccumulatedError()
	if err != nil {
		return fmt.Errorf("reading inner error: %w", err)
	}
	return a.mc.UpdateMRIH(h, a.tolfac, dsm, fastDSM)
}

// Reset implements ode.Controller. The tolerance factor returns to 1.
func (a *MRIAdapter) Reset() {
	a.slow.Reset()
	a.mc.Reset()
	a.tolfac = 1
	if !a.degraded {
		if err := a.fast.SetRTol(a.rtol); err != nil {
			logrus.Warnf("adapt: resetting inner tolerance: %v", err)
		}
	}
}
