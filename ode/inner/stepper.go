// Package inner holds the fast-time-scale side of a multirate method: the
// Stepper contract the outer engine drives, the handle that wraps it with a
// forcing buffer and discovered capabilities, and two steppers.
package inner

import "github.com/mriode/mriode/ode"

// Stepper advances the fast subsystem y' = fF(t, y) + r(t), where r is the
// forcing polynomial supplied by the outer method.
//
// Errors follow the ode failure taxonomy: wrap with ode.Recoverable for a
// failure a smaller outer step may cure; any other error is fatal.
type Stepper interface {
	// Evolve advances y in place from t0 to tf. f may be nil (no forcing)
	// and must not be retained after the call returns.
	Evolve(t0, tf float64, y []float64, f *Forcing) error

	// FullRHS evaluates fF(t, y) without forcing.
	FullRHS(t float64, y, f []float64, mode ode.RHSMode) error

	// Reset re-seeds the stepper at (t, y), discarding history.
	Reset(t float64, y []float64) error
}

// ErrorAccumulator is implemented by steppers that estimate the local error
// committed across Evolve calls.
type ErrorAccumulator interface {
	AccumulatedError() (float64, error)
	ResetAccumulatedError() error
}

// RTolSetter is implemented by steppers whose relative tolerance can be
// changed between Evolve calls.
type RTolSetter interface {
	SetRTol(rtol float64) error
}

// Checkpointer is implemented by steppers that can save the adaptive
// state an Evolve changes (substep history, accumulated error) and return
// to it, so an evolve whose result is discarded leaves no trace.
type Checkpointer interface {
	Checkpoint()
	Restore()
}

// CapabilityReporter lets a stepper that implements the optional interfaces
// statically still decline them for its current configuration.
type CapabilityReporter interface {
	Capabilities() (accumulatedError, rtol bool)
}
