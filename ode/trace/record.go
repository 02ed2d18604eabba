// Package trace provides step-decision recording for integration analysis.
// This package has no dependencies on ode/ or its steppers — it stores pure data types.
package trace

// StepOutcome is the driver's decision about one step attempt.
type StepOutcome string

const (
	OutcomeAccepted    StepOutcome = "accepted"
	OutcomeErrTestFail StepOutcome = "error_test_fail"
	OutcomeSolverFail  StepOutcome = "solver_fail"
	OutcomeRHSFail     StepOutcome = "rhs_fail"
	OutcomeRelaxRetry  StepOutcome = "relax_retry"
	OutcomeFatal       StepOutcome = "fatal"
)

// StepRecord captures a single step attempt.
type StepRecord struct {
	Step     int         `yaml:"step"`     // accepted steps before this attempt
	Attempt  int         `yaml:"attempt"`  // attempt index within the step
	Time     float64     `yaml:"time"`     // step start time
	StepSize float64     `yaml:"h"`        // attempted step size
	DSM      float64     `yaml:"dsm"`      // local error estimate (0 if none)
	Outcome  StepOutcome `yaml:"outcome"`
	Reason   string      `yaml:"reason,omitempty"`
}

// ToleranceRecord captures a multirate tolerance-factor update.
type ToleranceRecord struct {
	Step      int     `yaml:"step"`
	SlowDSM   float64 `yaml:"slow_dsm"`
	FastDSM   float64 `yaml:"fast_dsm"`
	TolFactor float64 `yaml:"tolfac"`
}
