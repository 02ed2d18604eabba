package ode

import (
	"fmt"
	"io"
)

// StepperCounters aggregates the work a stepper performed.
type StepperCounters struct {
	ExplicitRHSEvals int // slow explicit right-hand-side evaluations
	ImplicitRHSEvals int // slow implicit right-hand-side evaluations
	FastRHSEvals     int // full right-hand-side requests forwarded to the inner stepper
	StageSolves      int // implicit stage solves attempted
	NLSIters         int // nonlinear iterations
	NLSFails         int // nonlinear solve failures
	LinearSetups     int // linear solver setups
	InnerEvolves     int // inner stepper evolve calls
	InnerFails       int // inner stepper evolve failures
}

// Statistics summarizes an integration.
type Statistics struct {
	Steps        int // accepted steps
	Attempts     int // step attempts, accepted or not
	ErrTestFails int // error test failures
	ConvFails    int // nonlinear convergence failures
	LinearFails  int // linear setup/solve failures
	RHSFails     int // recoverable right-hand-side failures
	RelaxFails   int // relaxation retries

	InitialStep float64 // step size used for the first step
	LastStep    float64 // size of the last accepted step
	NextStep    float64 // size the next step will attempt
	CurrentTime float64 // time reached

	Stepper StepperCounters
}

// Print writes a human-readable summary of s to w.
func (s Statistics) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Integration Statistics ===")
	fmt.Fprintf(w, "Current time         : %.6g\n", s.CurrentTime)
	fmt.Fprintf(w, "Steps                : %d\n", s.Steps)
	fmt.Fprintf(w, "Step attempts        : %d\n", s.Attempts)
	fmt.Fprintf(w, "Error test fails     : %d\n", s.ErrTestFails)
	fmt.Fprintf(w, "Convergence fails    : %d\n", s.ConvFails)
	fmt.Fprintf(w, "Linear solver fails  : %d\n", s.LinearFails)
	fmt.Fprintf(w, "Recoverable RHS fails: %d\n", s.RHSFails)
	if s.RelaxFails > 0 {
		fmt.Fprintf(w, "Relaxation retries   : %d\n", s.RelaxFails)
	}
	fmt.Fprintf(w, "Initial step         : %.6g\n", s.InitialStep)
	fmt.Fprintf(w, "Last step            : %.6g\n", s.LastStep)
	fmt.Fprintf(w, "Next step            : %.6g\n", s.NextStep)
	c := s.Stepper
	fmt.Fprintf(w, "Slow explicit RHS    : %d\n", c.ExplicitRHSEvals)
	fmt.Fprintf(w, "Slow implicit RHS    : %d\n", c.ImplicitRHSEvals)
	if c.InnerEvolves > 0 || c.FastRHSEvals > 0 {
		fmt.Fprintf(w, "Fast full RHS        : %d\n", c.FastRHSEvals)
		fmt.Fprintf(w, "Inner evolves        : %d (%d failed)\n", c.InnerEvolves, c.InnerFails)
	}
	if c.StageSolves > 0 {
		fmt.Fprintf(w, "Implicit stage solves: %d\n", c.StageSolves)
		fmt.Fprintf(w, "Nonlinear iterations : %d (%d failed solves)\n", c.NLSIters, c.NLSFails)
		fmt.Fprintf(w, "Linear setups        : %d\n", c.LinearSetups)
	}
}
