package inner

import (
	"fmt"

	"github.com/mriode/mriode/ode"
)

// Handle is the outer engine's view of an inner stepper. It owns the
// forcing buffer and records which optional capabilities the stepper has.
type Handle struct {
	stepper Stepper
	acc     ErrorAccumulator
	rtol    RTolSetter
	ckpt    Checkpointer
	forcing *Forcing
	n       int
	closed  bool

	evolves int
	fails   int
}

// NewHandle wraps s for a system of size n.
func NewHandle(s Stepper, n int) (*Handle, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil inner stepper", ode.ErrIllegalInput)
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: inner system size must be positive, got %d", ode.ErrIllegalInput, n)
	}
	h := &Handle{stepper: s, n: n, forcing: NewForcing(0, n)}
	h.acc, _ = s.(ErrorAccumulator)
	h.rtol, _ = s.(RTolSetter)
	h.ckpt, _ = s.(Checkpointer)
	if cr, ok := s.(CapabilityReporter); ok {
		acc, rtol := cr.Capabilities()
		if !acc {
			h.acc = nil
		}
		if !rtol {
			h.rtol = nil
		}
	}
	return h, nil
}

// SupportsAccumulatedError reports whether AccumulatedError is available.
func (h *Handle) SupportsAccumulatedError() bool { return h.acc != nil }

// SupportsRTol reports whether SetRTol is available.
func (h *Handle) SupportsRTol() bool { return h.rtol != nil }

// ResizeForcing sizes the forcing buffer for a table with nmat coupling
// matrices.
func (h *Handle) ResizeForcing(nmat int) { h.forcing.Resize(nmat, h.n) }

// Forcing returns the forcing buffer the outer engine fills.
func (h *Handle) Forcing() *Forcing { return h.forcing }

// Evolves returns the number of Evolve calls and how many failed.
func (h *Handle) Evolves() (total, failed int) { return h.evolves, h.fails }

// Evolve advances y from t0 to tf under the current forcing.
func (h *Handle) Evolve(t0, tf float64, y []float64) error {
	if h.closed {
		return fmt.Errorf("%w: inner stepper handle is closed", ode.ErrIllegalInput)
	}
	h.evolves++
	if err := h.stepper.Evolve(t0, tf, y, h.forcing); err != nil {
		h.fails++
		return fmt.Errorf("inner evolve on [%g, %g]: %w", t0, tf, err)
	}
	return nil
}

// FullRHS evaluates the fast right-hand side.
func (h *Handle) FullRHS(t float64, y, f []float64, mode ode.RHSMode) error {
	if err := h.stepper.FullRHS(t, y, f, mode); err != nil {
		return fmt.Errorf("fast right-hand side at t=%g: %w", t, err)
	}
	return nil
}

// Reset re-seeds the inner stepper.
func (h *Handle) Reset(t float64, y []float64) error {
	return h.stepper.Reset(t, y)
}

// Checkpoint saves the inner stepper's adaptive state ahead of an evolve
// whose result will be discarded.
func (h *Handle) Checkpoint() {
	if h.ckpt != nil {
		h.ckpt.Checkpoint()
	}
}

// Restore returns the inner stepper to the last Checkpoint. A stepper that
// cannot checkpoint is re-seeded at (t, y) instead.
func (h *Handle) Restore(t float64, y []float64) error {
	if h.ckpt != nil {
		h.ckpt.Restore()
		return nil
	}
	return h.stepper.Reset(t, y)
}

// AccumulatedError returns the inner stepper's accumulated error estimate.
func (h *Handle) AccumulatedError() (float64, error) {
	if h.acc == nil {
		return 0, fmt.Errorf("%w: inner stepper does not accumulate error", ode.ErrIllegalInput)
	}
	return h.acc.AccumulatedError()
}

// ResetAccumulatedError clears the accumulated error; a no-op for steppers
// without the capability.
func (h *Handle) ResetAccumulatedError() error {
	if h.acc == nil {
		return nil
	}
	return h.acc.ResetAccumulatedError()
}

// SetRTol sets the inner relative tolerance.
func (h *Handle) SetRTol(rtol float64) error {
	if h.rtol == nil {
		return fmt.Errorf("%w: inner stepper has no adjustable tolerance", ode.ErrIllegalInput)
	}
	return h.rtol.SetRTol(rtol)
}

// Close detaches the stepper; later Evolve calls fail.
func (h *Handle) Close() {
	h.closed = true
	h.forcing = NewForcing(0, h.n)
}
