package cmd

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/adapt"
	"github.com/mriode/mriode/ode/arkstep"
	"github.com/mriode/mriode/ode/butcher"
	"github.com/mriode/mriode/ode/coupling"
	"github.com/mriode/mriode/ode/inner"
	"github.com/mriode/mriode/ode/linsol"
	"github.com/mriode/mriode/ode/mristep"
	"github.com/mriode/mriode/ode/trace"
	"github.com/mriode/mriode/problems"
)

// Sample is the solution at one output time.
type Sample struct {
	T   float64   `yaml:"t"`
	Y   []float64 `yaml:"y"`
	Err float64   `yaml:"err"` // max-norm error against the exact solution, NaN if unknown
}

// session is a problem bound to a configured integrator.
type session struct {
	rc        RunConfig
	problem   *problems.Problem
	ig        *ode.Integrator
	multirate bool
	handle    *inner.Handle     // nil for single-rate methods
	adapter   *adapt.MRIAdapter // nil unless the htol controller is in use
}

// newSession resolves rc.Method to a multirate coupling table, an additive
// pair, or a single Butcher table and builds the integrator for it.
func newSession(rc RunConfig, st *trace.StepTrace) (*session, error) {
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ode.ErrIllegalInput, err)
	}
	prob, err := rc.BuildProblem()
	if err != nil {
		return nil, err
	}
	s := &session{rc: rc, problem: prob}
	if tb, err := coupling.Lookup(rc.Method); err == nil {
		s.multirate = true
		if err := s.buildMultirate(tb, st); err != nil {
			return nil, err
		}
		return s, nil
	}
	pair, err := resolvePair(rc.Method)
	if err != nil {
		return nil, err
	}
	if err := s.buildAdditive(pair, st); err != nil {
		return nil, err
	}
	return s, nil
}

func resolvePair(name string) (*butcher.Pair, error) {
	if pair, err := butcher.LookupPair(name); err == nil {
		return pair, nil
	}
	t, err := butcher.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown method %q; coupling tables: %s; pairs: %s; tables: %s",
			ode.ErrIllegalInput, name,
			strings.Join(coupling.Names(), ", "),
			strings.Join(butcher.PairNames(), ", "),
			strings.Join(butcher.Names(), ", "))
	}
	if t.IsExplicit() {
		return &butcher.Pair{Name: t.Name, Explicit: t}, nil
	}
	return &butcher.Pair{Name: t.Name, Implicit: t}, nil
}

func (s *session) buildMultirate(tb *coupling.Table, st *trace.StepTrace) error {
	prob, cfg := s.problem, s.rc.Integrator
	n := prob.Size()

	fast, err := s.innerStepper()
	if err != nil {
		return err
	}
	if s.handle, err = inner.NewHandle(fast, n); err != nil {
		return err
	}

	fe, fi := prob.SplitSlow(tb.HasExplicit(), tb.HasImplicit())
	opts := mristep.Options{Nonlinear: cfg.Nonlinear}
	if fi != nil && cfg.Nonlinear.Solver == "newton" {
		ls, err := newLinearSolver(n, fi, prob.ImplicitJacobian(tb.HasExplicit()))
		if err != nil {
			return err
		}
		opts.LinearSolver = ls
	}
	stepper, err := mristep.New(mristep.Problem{FE: fe, FI: fi}, tb, s.handle, opts)
	if err != nil {
		return err
	}

	igOpts := []ode.Option{ode.WithTrace(st)}
	if cfg.FixedStep == 0 && cfg.Controller.Type == "htol" {
		mc, err := adapt.NewHTolController(cfg.Controller)
		if err != nil {
			return err
		}
		s.adapter, err = adapt.NewMRIAdapter(mc, adapt.NewPIController(cfg.Controller), s.handle, cfg.RelTol)
		if err != nil {
			return err
		}
		s.adapter.SetTrace(st)
		igOpts = append(igOpts, ode.WithController(s.adapter))
	}
	s.ig, err = ode.NewIntegrator(stepper, cfg, prob.T0, prob.Y0, igOpts...)
	return err
}

// innerStepper integrates the fast part with an explicit Runge-Kutta method,
// or only the forcing when the problem has no fast part.
func (s *session) innerStepper() (inner.Stepper, error) {
	prob, ic := s.problem, s.rc.Inner
	if prob.FF == nil {
		logrus.Debugf("problem %s has no fast part, inner stepper integrates the forcing only", prob.Name)
		return inner.NewForcingOnly(), nil
	}
	table, err := butcher.Lookup(ic.Table)
	if err != nil {
		return nil, fmt.Errorf("inner table: %w", err)
	}
	policy, err := inner.ParseAccumulationPolicy(ic.Accumulation)
	if err != nil {
		return nil, err
	}
	rtol, atol := ic.RelTol, ic.AbsTol
	if rtol == 0 {
		rtol = s.rc.Integrator.RelTol
	}
	if atol == 0 {
		atol = s.rc.Integrator.AbsTol
	}
	return inner.NewERKStepper(table, prob.FF, prob.Size(), inner.ERKOptions{
		FixedStep:    ic.FixedStep,
		RelTol:       rtol,
		AbsTol:       atol,
		Accumulation: policy,
	})
}

// buildAdditive integrates the whole system single-rate. The fast part
// joins the explicit side when there is one.
func (s *session) buildAdditive(pair *butcher.Pair, st *trace.StepTrace) error {
	prob, cfg := s.problem, s.rc.Integrator
	n := prob.Size()
	explicit := pair.Explicit != nil

	fe, fi := prob.SplitSlow(explicit, pair.Implicit != nil)
	jac := prob.ImplicitJacobian(explicit)
	if explicit {
		fe = problems.Combine(n, fe, prob.FF)
	} else {
		fi = problems.Combine(n, fi, prob.FF)
		if prob.FF != nil {
			jac = nil
		}
	}

	opts := arkstep.Options{Nonlinear: cfg.Nonlinear}
	if fi != nil && cfg.Nonlinear.Solver == "newton" {
		ls, err := newLinearSolver(n, fi, jac)
		if err != nil {
			return err
		}
		opts.LinearSolver = ls
	}
	stepper, err := arkstep.New(arkstep.Problem{FE: fe, FI: fi}, pair, opts)
	if err != nil {
		return err
	}
	s.ig, err = ode.NewIntegrator(stepper, cfg, prob.T0, prob.Y0, ode.WithTrace(st))
	return err
}

func newLinearSolver(n int, fi ode.RHSFunc, jac linsol.JacobianFunc) (*linsol.Dense, error) {
	var opts []linsol.DenseOption
	if jac != nil {
		opts = append(opts, linsol.WithJacobian(jac))
	}
	return linsol.NewDense(n, fi, opts...)
}

// run integrates to rc.TFinal and returns the solution at rc.Outputs
// evenly spaced times, preceded by the initial condition. On failure the
// samples reached so far are returned with the error.
func (s *session) run(ctx context.Context) ([]Sample, error) {
	prob := s.problem
	samples := make([]Sample, 0, s.rc.Outputs+1)
	samples = append(samples, s.sample(prob.T0, prob.Y0))

	y := make([]float64, prob.Size())
	dt := (s.rc.TFinal - prob.T0) / float64(s.rc.Outputs)
	for k := 1; k <= s.rc.Outputs; k++ {
		tout := prob.T0 + float64(k)*dt
		if k == s.rc.Outputs {
			tout = s.rc.TFinal
		}
		tr, err := s.ig.Evolve(ctx, tout, y, ode.Normal)
		if err != nil {
			return samples, fmt.Errorf("integrating %s to t=%g: %w", prob.Name, tout, err)
		}
		samples = append(samples, s.sample(tr, y))
		logrus.Debugf("t=%.6g y=%v err=%.3e", tr, y, samples[len(samples)-1].Err)
	}
	return samples, nil
}

func (s *session) sample(t float64, y []float64) Sample {
	out := Sample{T: t, Y: append([]float64(nil), y...), Err: math.NaN()}
	if s.problem.Exact == nil {
		return out
	}
	exact := make([]float64, len(y))
	s.problem.Exact(t, exact)
	out.Err = 0
	for i := range y {
		out.Err = math.Max(out.Err, math.Abs(y[i]-exact[i]))
	}
	return out
}
