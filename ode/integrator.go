package ode

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/mriode/mriode/ode/nvector"
	"github.com/mriode/mriode/ode/trace"
)

// EvolveMode selects how far a call to Evolve integrates.
type EvolveMode int

const (
	// Normal integrates until tout is reached exactly.
	Normal EvolveMode = iota
	// OneStep returns after a single accepted step (never past tout).
	OneStep
)

const unitRoundoff = 2.220446049250313e-16

// Integrator is the time-stepping driver. It owns the accepted solution,
// computes error weights, runs the error test, applies step-size control
// and retries failed attempts. It is not safe for concurrent use.
type Integrator struct {
	stepper    Stepper
	cfg        Config
	controller Controller
	relaxer    Relaxer
	trace      *trace.StepTrace

	t    float64
	yn   []float64
	ycur []float64
	ewt  []float64

	h       float64 // next step size to attempt
	started bool    // an accepted step has been taken since the last reset
	stats   Statistics
}

// Option customizes an Integrator.
type Option func(*Integrator)

// WithController replaces the controller built from Config.Controller.
func WithController(c Controller) Option {
	return func(ig *Integrator) { ig.controller = c }
}

// WithRelaxer installs a post-step relaxation collaborator.
func WithRelaxer(r Relaxer) Option {
	return func(ig *Integrator) { ig.relaxer = r }
}

// WithTrace records every step attempt into st.
func WithTrace(st *trace.StepTrace) Option {
	return func(ig *Integrator) { ig.trace = st }
}

// NewIntegrator binds stepper to the initial condition (t0, y0).
// cfg is normalized and validated; y0 is copied.
func NewIntegrator(stepper Stepper, cfg Config, t0 float64, y0 []float64, opts ...Option) (*Integrator, error) {
	if stepper == nil {
		return nil, fmt.Errorf("%w: nil stepper", ErrIllegalInput)
	}
	if len(y0) == 0 {
		return nil, fmt.Errorf("%w: empty initial condition", ErrIllegalInput)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllegalInput, err)
	}
	if n := len(cfg.AbsTolVector); n > 0 && n != len(y0) {
		return nil, fmt.Errorf("%w: atol_vector has %d entries for a system of size %d", ErrIllegalInput, n, len(y0))
	}
	ig := &Integrator{
		stepper: stepper,
		cfg:     cfg,
		t:       t0,
		yn:      nvector.Clone(y0),
		ycur:    nvector.New(len(y0)),
		ewt:     nvector.New(len(y0)),
	}
	for _, opt := range opts {
		opt(ig)
	}
	if cfg.FixedStep == 0 {
		if _, p := stepper.Orders(); p <= 0 {
			return nil, fmt.Errorf("%w: method has no error estimate; set fixed_step", ErrIllegalInput)
		}
		if ig.controller == nil {
			if NewControllerFunc == nil {
				return nil, fmt.Errorf("%w: no controller supplied and none registered (import ode/adapt)", ErrIllegalInput)
			}
			ctl, err := NewControllerFunc(cfg.Controller)
			if err != nil {
				return nil, fmt.Errorf("building controller: %w", err)
			}
			ig.controller = ctl
		}
	}
	if err := stepper.Init(t0, ig.yn); err != nil {
		return nil, fmt.Errorf("initializing stepper: %w", err)
	}
	ig.h = cfg.FixedStep
	if ig.h == 0 {
		ig.h = cfg.InitialStep
	}
	ig.stats.CurrentTime = t0
	return ig, nil
}

// Time returns the time of the current accepted solution.
func (ig *Integrator) Time() float64 { return ig.t }

// Solution copies the current accepted solution into y.
func (ig *Integrator) Solution(y []float64) { nvector.Copy(ig.yn, y) }

// Statistics returns the accumulated statistics.
func (ig *Integrator) Statistics() Statistics {
	s := ig.stats
	s.Stepper = ig.stepper.Counters()
	return s
}

// Reset re-seeds the integration at (t, y), discarding step history.
// Required after a fatal failure before integrating again.
func (ig *Integrator) Reset(t float64, y []float64) error {
	if len(y) != len(ig.yn) {
		return fmt.Errorf("%w: reset vector has length %d, want %d", ErrIllegalInput, len(y), len(ig.yn))
	}
	nvector.Copy(y, ig.yn)
	ig.t = t
	ig.started = false
	ig.h = ig.cfg.FixedStep
	if ig.h == 0 {
		ig.h = ig.cfg.InitialStep
	}
	if ig.controller != nil {
		ig.controller.Reset()
	}
	return ig.stepper.Reset(t, ig.yn)
}

// Evolve integrates toward tout and copies the solution reached into yout.
// In Normal mode it returns with t == tout; in OneStep mode after one
// accepted step. ctx is checked between steps.
func (ig *Integrator) Evolve(ctx context.Context, tout float64, yout []float64, mode EvolveMode) (float64, error) {
	if len(yout) != len(ig.yn) {
		return ig.t, fmt.Errorf("%w: output vector has length %d, want %d", ErrIllegalInput, len(yout), len(ig.yn))
	}
	if tout < ig.t {
		return ig.t, fmt.Errorf("%w: tout %g is behind the current time %g", ErrIllegalInput, tout, ig.t)
	}
	steps := 0
	for !ig.reached(tout) {
		if err := ctx.Err(); err != nil {
			nvector.Copy(ig.yn, yout)
			return ig.t, fmt.Errorf("evolve interrupted at t=%g: %w", ig.t, err)
		}
		if steps >= ig.cfg.MaxSteps {
			nvector.Copy(ig.yn, yout)
			return ig.t, fmt.Errorf("%w: %d steps taken before reaching tout=%g", ErrTooMuchWork, steps, tout)
		}
		if err := ig.step(tout); err != nil {
			nvector.Copy(ig.yn, yout)
			return ig.t, err
		}
		steps++
		if mode == OneStep {
			break
		}
	}
	nvector.Copy(ig.yn, yout)
	return ig.t, nil
}

func (ig *Integrator) reached(tout float64) bool {
	return tout-ig.t <= 100*unitRoundoff*math.Max(math.Abs(ig.t), math.Abs(tout))
}

// failureCounts tracks per-step retry budgets.
type failureCounts struct {
	errTest, conv, linear, rhs, relax int
}

// step takes one accepted step, retrying rejected attempts.
func (ig *Integrator) step(tout float64) error {
	if err := nvector.ErrorWeights(ig.yn, ig.cfg.RelTol, ig.cfg.AbsTolerances(), ig.ewt); err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalInput, err)
	}
	q, p := ig.stepper.Orders()
	adaptive := ig.cfg.FixedStep == 0

	if ig.h == 0 {
		h, err := ig.initialStep(q)
		if err != nil {
			return err
		}
		ig.h = h
	}
	if !ig.started {
		ig.stats.InitialStep = ig.h
	}

	var fails failureCounts
	for attempt := 0; ; attempt++ {
		h := ig.h
		if ig.cfg.MaxStep > 0 {
			h = math.Min(h, ig.cfg.MaxStep)
		}
		stop := false
		if ig.t+h >= tout || ig.reached(tout-h) {
			h = tout - ig.t
			stop = true
		}

		dsm, err := ig.stepper.TakeStep(ig.t, h, ig.yn, ig.ycur, ig.ewt)
		ig.stats.Attempts++
		if math.IsNaN(dsm) {
			dsm = math.Inf(1)
		}
		rec := trace.StepRecord{Step: ig.stats.Steps, Attempt: attempt, Time: ig.t, StepSize: h, DSM: dsm}

		if err != nil {
			outcome, eta, ferr := ig.failure(err, &fails)
			rec.Outcome, rec.Reason = outcome, err.Error()
			ig.trace.RecordStep(rec)
			if ferr != nil {
				return ferr
			}
			logrus.Debugf("[t=%.6e] step attempt h=%.3e rejected (%s), shrinking by %.2f", ig.t, h, outcome, eta)
			if err := ig.shrink(h, eta); err != nil {
				return err
			}
			continue
		}

		if adaptive && dsm > 1 {
			fails.errTest++
			ig.stats.ErrTestFails++
			rec.Outcome = trace.OutcomeErrTestFail
			ig.trace.RecordStep(rec)
			if fails.errTest >= ig.cfg.MaxErrTestFails {
				return fmt.Errorf("%w: %d failures at t=%g with h=%g", ErrTooManyErrTestFails, fails.errTest, ig.t, h)
			}
			hnew, err := ig.controller.EstimateStep(h, p, dsm)
			if err != nil {
				return fmt.Errorf("step controller: %w", err)
			}
			eta := math.Min(math.Max(hnew/h, ig.cfg.EtaMinEF), 1)
			if fails.errTest >= ig.cfg.SmallNEF {
				eta = math.Min(eta, ig.cfg.EtaMaxEF)
			}
			logrus.Debugf("[t=%.6e] error test failed: dsm=%.3e h=%.3e eta=%.3f", ig.t, dsm, h, eta)
			if err := ig.shrink(h, eta); err != nil {
				return err
			}
			continue
		}

		relaxed := false
		if ig.relaxer != nil {
			r, err := ig.relaxer.Relax(ig.t, h, ig.yn, ig.ycur, q)
			if err != nil {
				if !errors.Is(err, ErrRelaxRetry) {
					rec.Outcome, rec.Reason = trace.OutcomeFatal, err.Error()
					ig.trace.RecordStep(rec)
					return fmt.Errorf("relaxation at t=%g: %w", ig.t, err)
				}
				fails.relax++
				ig.stats.RelaxFails++
				rec.Outcome = trace.OutcomeRelaxRetry
				ig.trace.RecordStep(rec)
				if fails.relax >= ig.cfg.MaxRelaxFails {
					return fmt.Errorf("%w: %d retries at t=%g", ErrRelaxFail, fails.relax, ig.t)
				}
				if err := ig.shrink(h, ig.cfg.EtaRelax); err != nil {
					return err
				}
				continue
			}
			if r != 1 {
				nvector.LinearSum(r, ig.ycur, 1-r, ig.yn, ig.ycur)
				h *= r
				stop = false
				relaxed = true
			}
		}

		rec.Outcome = trace.OutcomeAccepted
		rec.StepSize = h
		ig.trace.RecordStep(rec)
		return ig.accept(h, dsm, p, stop, tout, relaxed, fails)
	}
}

// accept commits the candidate solution and picks the next step size.
func (ig *Integrator) accept(h, dsm float64, p int, stop bool, tout float64, relaxed bool, fails failureCounts) error {
	if stop {
		ig.t = tout
	} else {
		ig.t += h
	}
	nvector.Copy(ig.ycur, ig.yn)
	if err := ig.stepper.CompleteStep(ig.t, h, ig.yn); err != nil {
		return fmt.Errorf("completing step at t=%g: %w", ig.t, err)
	}
	if relaxed {
		if err := ig.stepper.Reset(ig.t, ig.yn); err != nil {
			return fmt.Errorf("resetting stepper after relaxation: %w", err)
		}
	}
	ig.stats.Steps++
	ig.stats.LastStep = h
	ig.stats.CurrentTime = ig.t

	if ig.cfg.FixedStep > 0 {
		ig.h = ig.cfg.FixedStep
		ig.stats.NextStep = ig.h
		ig.started = true
		return nil
	}

	if err := ig.controller.UpdateH(h, dsm); err != nil {
		return fmt.Errorf("step controller: %w", err)
	}
	hnew, err := ig.controller.EstimateStep(h, p, dsm)
	if err != nil {
		return fmt.Errorf("step controller: %w", err)
	}
	etamax := ig.cfg.EtaMax
	if !ig.started {
		etamax = ig.cfg.EtaMaxFirst
	}
	if fails.errTest > 0 || fails.conv > 0 || fails.linear > 0 {
		etamax = 1
	}
	eta := math.Min(hnew/h, etamax)
	if math.IsNaN(eta) || eta <= 0 {
		eta = 1
	}
	ig.h = h * eta
	if ig.cfg.MaxStep > 0 {
		ig.h = math.Min(ig.h, ig.cfg.MaxStep)
	}
	ig.h = math.Max(ig.h, ig.cfg.MinStep)
	ig.stats.NextStep = ig.h
	ig.started = true
	return nil
}

// failure classifies a failed attempt and returns the trace outcome, the
// shrink factor, and a non-nil error when the integration must stop.
func (ig *Integrator) failure(err error, fails *failureCounts) (trace.StepOutcome, float64, error) {
	switch {
	case Classify(err) == FatalFailure:
		return trace.OutcomeFatal, 0, err
	case errors.Is(err, ErrConvergence):
		fails.conv++
		ig.stats.ConvFails++
		if fails.conv >= ig.cfg.MaxConvFails {
			return trace.OutcomeSolverFail, 0, fmt.Errorf("%w: %d failures at t=%g: %w", ErrTooManyConvFails, fails.conv, ig.t, err)
		}
		return trace.OutcomeSolverFail, ig.cfg.EtaCF, nil
	case errors.Is(err, ErrLinearSetup), errors.Is(err, ErrLinearSolve):
		fails.linear++
		ig.stats.LinearFails++
		if fails.linear >= ig.cfg.MaxLinearFails {
			return trace.OutcomeSolverFail, 0, fmt.Errorf("%w: %d linear solver failures at t=%g: %w", ErrTooManyConvFails, fails.linear, ig.t, err)
		}
		return trace.OutcomeSolverFail, ig.cfg.EtaCF, nil
	default:
		fails.rhs++
		ig.stats.RHSFails++
		if fails.rhs >= ig.cfg.MaxRHSFails {
			return trace.OutcomeRHSFail, 0, fmt.Errorf("%w: %d failures at t=%g: %w", ErrRepeatedRHSFail, fails.rhs, ig.t, err)
		}
		return trace.OutcomeRHSFail, ig.cfg.EtaRHS, nil
	}
}

func (ig *Integrator) shrink(h, eta float64) error {
	ig.h = h * eta
	if ig.h < ig.cfg.MinStep || ig.h <= 100*unitRoundoff*math.Abs(ig.t) {
		return fmt.Errorf("%w: h=%g at t=%g", ErrStepTooSmall, ig.h, ig.t)
	}
	return nil
}

func (ig *Integrator) initialStep(q int) (float64, error) {
	n := len(ig.yn)
	f := nvector.New(n)
	if err := ig.stepper.FullRHS(ig.t, ig.yn, f, RHSFromScratch); err != nil {
		return 0, fmt.Errorf("initial right-hand side: %w", err)
	}
	h, err := estimateInitialStep(ig.stepper, ig.t, ig.yn, f, ig.ewt, q, ig.cfg.MaxStep)
	if err != nil {
		return 0, fmt.Errorf("estimating initial step: %w", err)
	}
	return math.Max(h, ig.cfg.MinStep), nil
}
