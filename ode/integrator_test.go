package ode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mriode/mriode/ode/trace"
)

// eulerStepper is forward Euler on y' = λy with a scripted error estimate
// and scripted failures.
type eulerStepper struct {
	lambda float64
	q, p   int
	dsm    func(h float64) float64
	fail   func(attempt int, t, h float64) error

	attempts  int
	completes int
	resets    int
	fullRHS   int
}

func (s *eulerStepper) Init(float64, []float64) error { return nil }

func (s *eulerStepper) TakeStep(t, h float64, yn, ycur, _ []float64) (float64, error) {
	s.attempts++
	if s.fail != nil {
		if err := s.fail(s.attempts, t, h); err != nil {
			return 0, err
		}
	}
	for i := range yn {
		ycur[i] = yn[i] * (1 + h*s.lambda)
	}
	if s.dsm == nil {
		return 0, nil
	}
	return s.dsm(h), nil
}

func (s *eulerStepper) CompleteStep(float64, float64, []float64) error {
	s.completes++
	return nil
}

func (s *eulerStepper) Reset(float64, []float64) error {
	s.resets++
	return nil
}

func (s *eulerStepper) FullRHS(_ float64, y, f []float64, _ RHSMode) error {
	s.fullRHS++
	for i := range y {
		f[i] = s.lambda * y[i]
	}
	return nil
}

func (s *eulerStepper) Orders() (int, int) { return s.q, s.p }

func (s *eulerStepper) Counters() StepperCounters { return StepperCounters{ExplicitRHSEvals: s.attempts} }

// halvingController always proposes half the current step.
type halvingController struct {
	updates, resets int
}

func (c *halvingController) EstimateStep(h float64, _ int, _ float64) (float64, error) {
	return h / 2, nil
}

func (c *halvingController) UpdateH(float64, float64) error {
	c.updates++
	return nil
}

func (c *halvingController) Reset() { c.resets++ }

type scriptedRelaxer struct {
	results []float64
	errs    []error
	calls   int
}

func (r *scriptedRelaxer) Relax(float64, float64, []float64, []float64, int) (float64, error) {
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return 0, r.errs[i]
	}
	if i < len(r.results) {
		return r.results[i], nil
	}
	return 1, nil
}

func fixedConfig(h float64) Config {
	cfg := DefaultConfig()
	cfg.FixedStep = h
	return cfg
}

func newFixed(t *testing.T, s Stepper, h float64, opts ...Option) *Integrator {
	t.Helper()
	ig, err := NewIntegrator(s, fixedConfig(h), 0, []float64{1}, opts...)
	require.NoError(t, err)
	return ig
}

func TestIntegrator_NormalMode_StopsExactlyAtTout(t *testing.T) {
	s := &eulerStepper{lambda: -1, q: 1}
	ig := newFixed(t, s, 0.25)
	y := make([]float64, 1)

	tr, err := ig.Evolve(context.Background(), 0.9, y, Normal)

	require.NoError(t, err)
	assert.Equal(t, 0.9, tr)
	assert.InDelta(t, 0.75*0.75*0.75*(1-0.15), y[0], 1e-15)
	stats := ig.Statistics()
	assert.Equal(t, 4, stats.Steps)
	assert.InDelta(t, 0.15, stats.LastStep, 1e-15)
	assert.Equal(t, 4, s.completes)
}

func TestIntegrator_OneStepMode_ReturnsAfterOneAcceptedStep(t *testing.T) {
	ig := newFixed(t, &eulerStepper{lambda: -1, q: 1}, 0.25)
	y := make([]float64, 1)

	tr, err := ig.Evolve(context.Background(), 10, y, OneStep)

	require.NoError(t, err)
	assert.Equal(t, 0.25, tr)
	assert.Equal(t, 0.75, y[0])
	assert.Equal(t, 0.25, ig.Time())
}

func TestIntegrator_ToutBehindCurrentTime_IllegalInput(t *testing.T) {
	ig := newFixed(t, &eulerStepper{lambda: -1, q: 1}, 0.25)
	y := make([]float64, 1)
	_, err := ig.Evolve(context.Background(), 1, y, Normal)
	require.NoError(t, err)

	_, err = ig.Evolve(context.Background(), 0.5, y, Normal)

	assert.ErrorIs(t, err, ErrIllegalInput)
}

func TestIntegrator_ErrorTestFailure_ShrinksAndCapsGrowth(t *testing.T) {
	// GIVEN an estimate that fails above h = 0.3 and a controller that halves
	s := &eulerStepper{lambda: -1, q: 1, p: 1, dsm: func(h float64) float64 {
		if h > 0.3 {
			return 2
		}
		return 0.5
	}}
	ctl := &halvingController{}
	cfg := DefaultConfig()
	cfg.InitialStep = 0.5
	st := trace.NewStepTrace(trace.TraceLevelSteps)
	ig, err := NewIntegrator(s, cfg, 0, []float64{1}, WithController(ctl), WithTrace(st))
	require.NoError(t, err)
	y := make([]float64, 1)

	// WHEN one step is taken
	tr, err := ig.Evolve(context.Background(), 10, y, OneStep)

	// THEN the first attempt is rejected and the second accepted at h/2
	require.NoError(t, err)
	assert.Equal(t, 0.25, tr)
	stats := ig.Statistics()
	assert.Equal(t, 1, stats.ErrTestFails)
	assert.Equal(t, 2, stats.Attempts)
	assert.Equal(t, 0.125, stats.NextStep)
	assert.Equal(t, 1, ctl.updates)
	require.Len(t, st.Steps, 2)
	assert.Equal(t, trace.OutcomeErrTestFail, st.Steps[0].Outcome)
	assert.Equal(t, trace.OutcomeAccepted, st.Steps[1].Outcome)
	assert.Equal(t, 0.25, st.Steps[1].StepSize)
}

func TestIntegrator_PersistentErrorTestFailure_GivesUp(t *testing.T) {
	s := &eulerStepper{lambda: -1, q: 1, p: 1, dsm: func(float64) float64 { return 10 }}
	cfg := DefaultConfig()
	cfg.InitialStep = 0.5
	ig, err := NewIntegrator(s, cfg, 0, []float64{1}, WithController(&halvingController{}))
	require.NoError(t, err)
	y := make([]float64, 1)

	_, err = ig.Evolve(context.Background(), 1, y, Normal)

	assert.ErrorIs(t, err, ErrTooManyErrTestFails)
	assert.Equal(t, 7, s.attempts)
	assert.Equal(t, 1.0, y[0], "the accepted solution is returned unchanged")
}

func TestIntegrator_RecoverableFailure_ShrinksByEtaRHS(t *testing.T) {
	s := &eulerStepper{lambda: -1, q: 1, fail: func(attempt int, _, _ float64) error {
		if attempt == 1 {
			return &StageError{Stage: 1, Kind: "rhs", Err: Recoverable(errors.New("domain"))}
		}
		return nil
	}}
	st := trace.NewStepTrace(trace.TraceLevelSteps)
	ig := newFixed(t, s, 0.2, WithTrace(st))
	y := make([]float64, 1)

	tr, err := ig.Evolve(context.Background(), 1, y, OneStep)

	require.NoError(t, err)
	assert.InDelta(t, 0.1, tr, 1e-15)
	assert.Equal(t, 1, ig.Statistics().RHSFails)
	require.Len(t, st.Steps, 2)
	assert.Equal(t, trace.OutcomeRHSFail, st.Steps[0].Outcome)
	assert.Contains(t, st.Steps[0].Reason, "domain")
	// AND a fixed-step run returns to the configured step afterwards
	assert.Equal(t, 0.2, ig.Statistics().NextStep)
}

func TestIntegrator_RepeatedRecoverableFailure_GivesUp(t *testing.T) {
	s := &eulerStepper{lambda: -1, q: 1, fail: func(int, float64, float64) error {
		return Recoverable(nil)
	}}
	ig := newFixed(t, s, 0.2)

	_, err := ig.Evolve(context.Background(), 1, make([]float64, 1), Normal)

	assert.ErrorIs(t, err, ErrRepeatedRHSFail)
	assert.ErrorIs(t, err, ErrRecoverable)
	assert.Equal(t, 10, s.attempts)
}

func TestIntegrator_ConvergenceFailure_ShrinksByEtaCF(t *testing.T) {
	s := &eulerStepper{lambda: -1, q: 1, fail: func(attempt int, _, _ float64) error {
		if attempt == 1 {
			return fmt.Errorf("stage 1: %w", ErrConvergence)
		}
		return nil
	}}
	st := trace.NewStepTrace(trace.TraceLevelSteps)
	ig := newFixed(t, s, 0.2, WithTrace(st))

	_, err := ig.Evolve(context.Background(), 1, make([]float64, 1), OneStep)

	require.NoError(t, err)
	assert.Equal(t, 1, ig.Statistics().ConvFails)
	require.Len(t, st.Steps, 2)
	assert.Equal(t, trace.OutcomeSolverFail, st.Steps[0].Outcome)
	assert.InDelta(t, 0.05, st.Steps[1].StepSize, 1e-15)
}

func TestIntegrator_SolverFailureLimits(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    error
		attempt int
	}{
		{name: "nonlinear", err: ErrConvergence, want: ErrTooManyConvFails, attempt: 10},
		{name: "linear setup", err: ErrLinearSetup, want: ErrTooManyConvFails, attempt: 5},
		{name: "linear solve", err: ErrLinearSolve, want: ErrTooManyConvFails, attempt: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &eulerStepper{lambda: -1, q: 1, fail: func(int, float64, float64) error {
				return fmt.Errorf("stage 1: %w", tc.err)
			}}
			ig := newFixed(t, s, 0.2)

			_, err := ig.Evolve(context.Background(), 1, make([]float64, 1), Normal)

			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.attempt, s.attempts)
		})
	}
}

func TestIntegrator_FatalFailure_StopsImmediately(t *testing.T) {
	boom := errors.New("boom")
	s := &eulerStepper{lambda: -1, q: 1, fail: func(int, float64, float64) error { return boom }}
	st := trace.NewStepTrace(trace.TraceLevelSteps)
	ig := newFixed(t, s, 0.2, WithTrace(st))

	tr, err := ig.Evolve(context.Background(), 1, make([]float64, 1), Normal)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0.0, tr)
	assert.Equal(t, 1, s.attempts)
	require.Len(t, st.Steps, 1)
	assert.Equal(t, trace.OutcomeFatal, st.Steps[0].Outcome)
}

func TestIntegrator_Relaxation_RescalesStepAndResetsStepper(t *testing.T) {
	// GIVEN a relaxer that halves the accepted increment
	s := &eulerStepper{lambda: -1, q: 1}
	ig := newFixed(t, s, 0.2, WithRelaxer(&scriptedRelaxer{results: []float64{0.5}}))
	y := make([]float64, 1)

	// WHEN one step is taken
	tr, err := ig.Evolve(context.Background(), 1, y, OneStep)

	// THEN time and solution move half as far and the stepper is re-seeded
	require.NoError(t, err)
	assert.InDelta(t, 0.1, tr, 1e-15)
	assert.InDelta(t, 0.9, y[0], 1e-15)
	assert.Equal(t, 1, s.resets)
}

func TestIntegrator_RelaxationRetry_ShrinksByEtaRelax(t *testing.T) {
	s := &eulerStepper{lambda: -1, q: 1}
	relax := &scriptedRelaxer{errs: []error{ErrRelaxRetry}}
	st := trace.NewStepTrace(trace.TraceLevelSteps)
	ig := newFixed(t, s, 0.2, WithRelaxer(relax), WithTrace(st))

	_, err := ig.Evolve(context.Background(), 1, make([]float64, 1), OneStep)

	require.NoError(t, err)
	assert.Equal(t, 1, ig.Statistics().RelaxFails)
	require.Len(t, st.Steps, 2)
	assert.Equal(t, trace.OutcomeRelaxRetry, st.Steps[0].Outcome)
	assert.InDelta(t, 0.05, st.Steps[1].StepSize, 1e-15)
}

func TestIntegrator_RelaxationFatal_Propagates(t *testing.T) {
	bad := errors.New("no root")
	ig := newFixed(t, &eulerStepper{lambda: -1, q: 1}, 0.2, WithRelaxer(&scriptedRelaxer{errs: []error{bad}}))

	_, err := ig.Evolve(context.Background(), 1, make([]float64, 1), Normal)

	assert.ErrorIs(t, err, bad)
}

func TestIntegrator_CancelledContext_StopsBetweenSteps(t *testing.T) {
	ig := newFixed(t, &eulerStepper{lambda: -1, q: 1}, 0.2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr, err := ig.Evolve(ctx, 1, make([]float64, 1), Normal)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0.0, tr)
}

func TestIntegrator_MaxSteps_TooMuchWork(t *testing.T) {
	cfg := fixedConfig(0.1)
	cfg.MaxSteps = 3
	ig, err := NewIntegrator(&eulerStepper{lambda: -1, q: 1}, cfg, 0, []float64{1})
	require.NoError(t, err)

	tr, err := ig.Evolve(context.Background(), 1, make([]float64, 1), Normal)

	assert.ErrorIs(t, err, ErrTooMuchWork)
	assert.InDelta(t, 0.3, tr, 1e-15)
}

func TestIntegrator_InitialStepEstimate_RespectsMaxStep(t *testing.T) {
	s := &eulerStepper{lambda: -1, q: 1, p: 1, dsm: func(float64) float64 { return 0.1 }}
	cfg := DefaultConfig()
	cfg.MaxStep = 1e-3
	ig, err := NewIntegrator(s, cfg, 0, []float64{1}, WithController(&halvingController{}))
	require.NoError(t, err)

	_, err = ig.Evolve(context.Background(), 1, make([]float64, 1), OneStep)

	require.NoError(t, err)
	stats := ig.Statistics()
	assert.Greater(t, stats.InitialStep, 0.0)
	assert.LessOrEqual(t, stats.InitialStep, 1e-3)
	assert.Equal(t, 2, s.fullRHS)
}

func TestIntegrator_Reset_ClearsControllerAndStepper(t *testing.T) {
	s := &eulerStepper{lambda: -1, q: 1, p: 1, dsm: func(float64) float64 { return 0.5 }}
	ctl := &halvingController{}
	cfg := DefaultConfig()
	cfg.InitialStep = 0.1
	ig, err := NewIntegrator(s, cfg, 0, []float64{1}, WithController(ctl))
	require.NoError(t, err)
	y := make([]float64, 1)
	_, err = ig.Evolve(context.Background(), 1, y, OneStep)
	require.NoError(t, err)

	require.NoError(t, ig.Reset(5, []float64{2}))

	assert.Equal(t, 5.0, ig.Time())
	ig.Solution(y)
	assert.Equal(t, 2.0, y[0])
	assert.Equal(t, 1, ctl.resets)
	assert.Equal(t, 1, s.resets)
	assert.ErrorIs(t, ig.Reset(0, []float64{1, 2}), ErrIllegalInput)
}

func TestNewIntegrator_InvalidArguments(t *testing.T) {
	tests := []struct {
		name    string
		stepper Stepper
		cfg     Config
		y0      []float64
	}{
		{name: "nil stepper", cfg: fixedConfig(0.1), y0: []float64{1}},
		{name: "empty state", stepper: &eulerStepper{q: 1}, cfg: fixedConfig(0.1)},
		{name: "no error estimate without fixed step", stepper: &eulerStepper{q: 1}, cfg: DefaultConfig(), y0: []float64{1}},
		{name: "no controller registered", stepper: &eulerStepper{q: 1, p: 1}, cfg: DefaultConfig(), y0: []float64{1}},
		{name: "atol vector length", stepper: &eulerStepper{q: 1}, cfg: func() Config {
			c := fixedConfig(0.1)
			c.AbsTolVector = []float64{1, 2}
			return c
		}(), y0: []float64{1}},
		{name: "negative rtol", stepper: &eulerStepper{q: 1}, cfg: func() Config {
			c := fixedConfig(0.1)
			c.RelTol = -1
			return c
		}(), y0: []float64{1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewIntegrator(tc.stepper, tc.cfg, 0, tc.y0)
			assert.ErrorIs(t, err, ErrIllegalInput)
		})
	}
}

func TestStatistics_Print_IncludesCounters(t *testing.T) {
	ig := newFixed(t, &eulerStepper{lambda: -1, q: 1}, 0.25)
	_, err := ig.Evolve(context.Background(), 1, make([]float64, 1), Normal)
	require.NoError(t, err)
	var buf bytes.Buffer

	ig.Statistics().Print(&buf)

	out := buf.String()
	assert.Contains(t, out, "Steps                : 4")
	assert.Contains(t, out, "Slow explicit RHS    : 4")
}
