package ode

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Errors are classified once where they are detected and
// passed upward wrapped, never re-classified. Classify reports the class.
var (
	// ErrRecoverable marks a transient failure of a user callable (for
	// example an out-of-domain evaluation). The step is rejected and retried
	// with a smaller step size. Use Recoverable to mark an error.
	ErrRecoverable = errors.New("recoverable failure")

	// ErrConvergence reports nonlinear divergence or non-convergence.
	// It is recoverable, and distinct from ErrRecoverable so the driver can
	// shrink the step harder.
	ErrConvergence = errors.New("nonlinear solver did not converge")

	// ErrLinearSetup reports a failed linear-system setup (e.g. a singular
	// iteration matrix). Fatal to the step attempt, recoverable by shrink.
	ErrLinearSetup = errors.New("linear solver setup failed")

	// ErrLinearSolve reports a failed linear solve. Fatal to the step
	// attempt, recoverable by shrink.
	ErrLinearSolve = errors.New("linear solve failed")

	// ErrIllegalInput reports an illegal configuration or call sequence.
	ErrIllegalInput = errors.New("illegal input")

	// ErrInvalidTable reports a coupling or Butcher table that violates its
	// structural invariants.
	ErrInvalidTable = errors.New("invalid method table")

	// ErrTooMuchWork is returned when MaxSteps steps were taken before tout.
	ErrTooMuchWork = errors.New("maximum number of steps exceeded")

	// ErrStepTooSmall is returned when the step size falls below MinStep.
	ErrStepTooSmall = errors.New("step size below minimum")

	// ErrTooManyErrTestFails is returned after MaxErrTestFails consecutive
	// error test failures within one step.
	ErrTooManyErrTestFails = errors.New("too many error test failures")

	// ErrTooManyConvFails is returned after MaxConvFails nonlinear or linear
	// solver failures within one step.
	ErrTooManyConvFails = errors.New("too many solver convergence failures")

	// ErrRepeatedRHSFail is returned after MaxRHSFails recoverable
	// right-hand-side failures within one step.
	ErrRepeatedRHSFail = errors.New("repeated recoverable right-hand-side failures")

	// ErrRelaxRetry is returned by a Relaxer to request a smaller step.
	ErrRelaxRetry = errors.New("relaxation requested step retry")

	// ErrRelaxFail is returned after MaxRelaxFails relaxation retries.
	ErrRelaxFail = errors.New("too many relaxation failures")
)

// Outcome is the tri-state result of an operation.
type Outcome int

const (
	Success Outcome = iota
	RecoverableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RecoverableFailure:
		return "recoverable"
	case FatalFailure:
		return "fatal"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// recoverableClasses are the sentinels that leave the integration alive.
var recoverableClasses = []error{ErrRecoverable, ErrConvergence, ErrLinearSetup, ErrLinearSolve, ErrRelaxRetry}

// Classify maps err to its outcome class. nil is Success; any error that
// does not wrap a recoverable sentinel is fatal.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	for _, target := range recoverableClasses {
		if errors.Is(err, target) {
			return RecoverableFailure
		}
	}
	return FatalFailure
}

// IsRecoverable reports whether err is a recoverable failure.
func IsRecoverable(err error) bool {
	return Classify(err) == RecoverableFailure
}

// Recoverable marks err as a transient user failure. A nil err yields
// ErrRecoverable itself.
func Recoverable(err error) error {
	if err == nil {
		return ErrRecoverable
	}
	if errors.Is(err, ErrRecoverable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRecoverable, err)
}

// StageError attaches stage context to a failure raised inside a step.
type StageError struct {
	Stage int
	Kind  string
	Time  float64
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s) at t=%g: %v", e.Stage, e.Kind, e.Time, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
