// Package arkstep implements the single-rate additive Runge-Kutta stepper
// for M(t)·y' = fE(t, y) + fI(t, y): an explicit table for fE, a diagonally
// implicit table for fI, or an IMEX pair of both. Implicit stages are solved
// through ode/nls with any of the three mass-matrix variants.
//
// Stage right-hand sides are stored raw for the identity and fixed mass,
// and premultiplied by M(t_j)⁻¹ for a time-dependent mass.
package arkstep

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/butcher"
	"github.com/mriode/mriode/ode/nls"
	"github.com/mriode/mriode/ode/nvector"
)

// Problem is the split right-hand side. Either part may be nil when the
// matching table is absent.
type Problem struct {
	FE ode.RHSFunc
	FI ode.RHSFunc
}

// Options configures implicit stages and the mass matrix.
type Options struct {
	Nonlinear    ode.NonlinearConfig
	LinearSolver nls.LinearSolver
	Mass         nls.Mass
}

// Stepper is the additive Runge-Kutta stepper. It implements ode.Stepper.
type Stepper struct {
	prob Problem
	ae   *butcher.Table // explicit table, nil without fE
	ai   *butcher.Table // implicit table, nil without fI
	opts Options
	nc   ode.NonlinearConfig

	stages        int
	q, p          int
	explicitFirst bool // stage 0 is y_n itself
	fsal          bool // the last stage is the step solution

	solver nls.Solver
	newton bool
	policy nls.SetupPolicy

	n        int
	fe, fi   [][]float64
	fnE, fnI []float64
	fnT      float64
	fnOK     bool
	lastOK   bool

	zpred, zcor, sdata []float64
	z, acc, tmp        []float64

	tn, h float64
	ewt   []float64
	nst   int

	inStep   bool
	counters ode.StepperCounters
}

// New builds an additive Runge-Kutta stepper from pair. A pair with only an
// explicit table is an ERK method; with only an implicit one a DIRK method.
func New(prob Problem, pair *butcher.Pair, opts Options) (*Stepper, error) {
	if pair == nil || (pair.Explicit == nil && pair.Implicit == nil) {
		return nil, fmt.Errorf("%w: no Butcher tables", ode.ErrIllegalInput)
	}
	if err := validatePair(pair); err != nil {
		return nil, err
	}
	if (prob.FE != nil) != (pair.Explicit != nil) {
		return nil, fmt.Errorf("%w: explicit function present=%v but explicit table present=%v",
			ode.ErrIllegalInput, prob.FE != nil, pair.Explicit != nil)
	}
	if (prob.FI != nil) != (pair.Implicit != nil) {
		return nil, fmt.Errorf("%w: implicit function present=%v but implicit table present=%v",
			ode.ErrIllegalInput, prob.FI != nil, pair.Implicit != nil)
	}
	if err := opts.Mass.Validate(); err != nil {
		return nil, err
	}

	cfg := ode.Config{Nonlinear: opts.Nonlinear}
	cfg.Normalize()
	s := &Stepper{
		prob:   prob,
		ae:     pair.Explicit,
		ai:     pair.Implicit,
		opts:   opts,
		nc:     cfg.Nonlinear,
		policy: nls.SetupPolicy{DGMax: cfg.Nonlinear.DGMax, MSBP: cfg.Nonlinear.MSBP},
	}
	ref := s.ae
	if ref == nil {
		ref = s.ai
	}
	s.stages, s.q, s.p = ref.Stages, ref.Q, ref.P
	s.explicitFirst = ref.C[0] == 0 && (s.ai == nil || s.ai.A[0][0] == 0)
	s.fsal = s.explicitFirst && ref.C[s.stages-1] == 1 && lastRowIsWeights(s.ae) && lastRowIsWeights(s.ai)

	if s.ai != nil && hasDiagonal(s.ai) {
		solver, err := nls.New(s.nc, opts.LinearSolver)
		if err != nil {
			return nil, err
		}
		s.solver = solver
		_, s.newton = solver.(*nls.Newton)
	}
	return s, nil
}

func validatePair(p *butcher.Pair) error {
	if p.Explicit != nil && p.Implicit != nil {
		return p.Validate()
	}
	if p.Explicit != nil {
		if err := p.Explicit.Validate(); err != nil {
			return err
		}
		if !p.Explicit.IsExplicit() {
			return fmt.Errorf("%w: %s is not explicit", ode.ErrInvalidTable, p.Explicit.Name)
		}
		return nil
	}
	if err := p.Implicit.Validate(); err != nil {
		return err
	}
	if !p.Implicit.IsDiagonallyImplicit() {
		return fmt.Errorf("%w: %s is not diagonally implicit", ode.ErrInvalidTable, p.Implicit.Name)
	}
	return nil
}

func lastRowIsWeights(t *butcher.Table) bool {
	if t == nil {
		return true
	}
	last := t.A[t.Stages-1]
	for j, b := range t.B {
		if last[j] != b {
			return false
		}
	}
	return true
}

func hasDiagonal(t *butcher.Table) bool {
	for i := range t.A {
		if t.A[i][i] != 0 {
			return true
		}
	}
	return false
}

// Init implements ode.Stepper.
func (s *Stepper) Init(_ float64, y0 []float64) error {
	if s.inStep {
		return errReentrant("Init")
	}
	n := len(y0)
	if n == 0 {
		return fmt.Errorf("%w: empty initial state", ode.ErrIllegalInput)
	}
	s.n = n
	if s.ae != nil {
		s.fe = nvector.NewArray(s.stages, n)
	}
	if s.ai != nil {
		s.fi = nvector.NewArray(s.stages, n)
	}
	s.fnE, s.fnI = nvector.New(n), nvector.New(n)
	s.zpred, s.zcor, s.sdata = nvector.New(n), nvector.New(n), nvector.New(n)
	s.z, s.acc, s.tmp = nvector.New(n), nvector.New(n), nvector.New(n)
	s.fnOK, s.lastOK = false, false
	s.nst = 0
	s.policy.Reset()
	return nil
}

// Reset implements ode.Stepper.
func (s *Stepper) Reset(float64, []float64) error {
	if s.inStep {
		return errReentrant("Reset")
	}
	s.fnOK = false
	s.policy.Force()
	return nil
}

// Orders implements ode.Stepper.
func (s *Stepper) Orders() (int, int) { return s.q, s.p }

// Counters implements ode.Stepper.
func (s *Stepper) Counters() ode.StepperCounters { return s.counters }

// CompleteStep implements ode.Stepper. For a first-same-as-last method the
// final stage's right-hand sides become the next step's first ones.
func (s *Stepper) CompleteStep(t, _ float64, _ []float64) error {
	if s.inStep {
		return errReentrant("CompleteStep")
	}
	s.nst++
	if !s.fsal || !s.lastOK {
		s.fnOK = false
		return nil
	}
	last := s.stages - 1
	if s.fe != nil {
		nvector.Copy(s.fe[last], s.fnE)
	}
	if s.fi != nil {
		nvector.Copy(s.fi[last], s.fnI)
	}
	s.fnOK, s.fnT = true, t
	return nil
}

// FullRHS implements ode.Stepper: y' = M(t)⁻¹(fE + fI).
func (s *Stepper) FullRHS(t float64, y, f []float64, mode ode.RHSMode) error {
	if s.inStep {
		return errReentrant("FullRHS")
	}
	if mode == ode.RHSReuseIfCurrent && s.fnOK && t == s.fnT {
		nvector.Const(0, f)
		s.addCached(f)
		if s.opts.Mass.Kind == nls.Fixed {
			return s.massSolve(t, f)
		}
		return nil
	}
	nvector.Const(0, f)
	if s.prob.FE != nil {
		if err := s.evalE(t, y, s.tmp); err != nil {
			return err
		}
		nvector.AddScaled(1, s.tmp, f)
	}
	if s.prob.FI != nil {
		if err := s.evalI(t, y, s.tmp); err != nil {
			return err
		}
		nvector.AddScaled(1, s.tmp, f)
	}
	if s.opts.Mass.Kind != nls.Identity {
		return s.massSolve(t, f)
	}
	return nil
}

func (s *Stepper) addCached(f []float64) {
	if s.fe != nil {
		nvector.AddScaled(1, s.fnE, f)
	}
	if s.fi != nil {
		nvector.AddScaled(1, s.fnI, f)
	}
}

// TakeStep implements ode.Stepper.
func (s *Stepper) TakeStep(t, h float64, yn, ycur, ewt []float64) (float64, error) {
	if s.inStep {
		return 0, errReentrant("TakeStep")
	}
	if len(yn) != s.n {
		return 0, fmt.Errorf("%w: state length %d, initialized with %d", ode.ErrIllegalInput, len(yn), s.n)
	}
	s.inStep = true
	defer func() { s.inStep = false }()
	s.tn, s.h, s.ewt = t, h, ewt
	s.lastOK = false

	for i := 0; i < s.stages; i++ {
		if err := s.stage(i, yn); err != nil {
			var se *ode.StageError
			if errors.As(err, &se) {
				return 0, err
			}
			return 0, &ode.StageError{Stage: i, Kind: s.stageKind(i), Time: s.stageTime(i), Err: err}
		}
	}
	s.lastOK = true

	tend := t + h
	if err := s.combine(s.weightsE(false), s.weightsI(false), tend, s.acc); err != nil {
		return 0, fmt.Errorf("assembling solution: %w", err)
	}
	nvector.LinearSum(1, yn, 1, s.acc, ycur)
	if s.p == 0 {
		return 0, nil
	}
	if err := s.combine(s.weightsE(true), s.weightsI(true), tend, s.acc); err != nil {
		return 0, fmt.Errorf("assembling error estimate: %w", err)
	}
	return nvector.WRMSNorm(s.acc, ewt), nil
}

func (s *Stepper) stageTime(i int) float64 {
	if s.ae != nil {
		return s.tn + s.ae.C[i]*s.h
	}
	return s.tn + s.ai.C[i]*s.h
}

func (s *Stepper) stageKind(i int) string {
	if s.diag(i) != 0 {
		return "implicit"
	}
	return "explicit"
}

func (s *Stepper) diag(i int) float64 {
	if s.ai == nil {
		return 0
	}
	return s.ai.A[i][i]
}

// stage computes z_i and stores its right-hand sides.
func (s *Stepper) stage(i int, yn []float64) error {
	ti := s.stageTime(i)
	if i == 0 && s.explicitFirst {
		return s.firstStage(yn)
	}

	// sdata = h Σ_{j<i} (aE_ij fE_j + aI_ij fI_j)
	nvector.Const(0, s.sdata)
	for j := 0; j < i; j++ {
		if s.ae != nil && s.ae.A[i][j] != 0 {
			nvector.AddScaled(s.h*s.ae.A[i][j], s.fe[j], s.sdata)
		}
		if s.ai != nil && s.ai.A[i][j] != 0 {
			nvector.AddScaled(s.h*s.ai.A[i][j], s.fi[j], s.sdata)
		}
	}

	if d := s.diag(i); d != 0 {
		if err := s.solve(i, s.h*d, yn); err != nil {
			return err
		}
	} else {
		if s.opts.Mass.Kind == nls.Fixed {
			if err := s.massSolve(ti, s.sdata); err != nil {
				return err
			}
		}
		nvector.LinearSum(1, yn, 1, s.sdata, s.z)
	}
	logrus.Debugf("arkstep: stage %d (%s) at t=%g", i, s.stageKind(i), ti)
	return s.storeRHS(i, ti, s.z)
}

// firstStage fills stage 0 with the right-hand sides at (t_n, y_n), reusing
// them when they are current.
func (s *Stepper) firstStage(yn []float64) error {
	if !s.fnOK || s.fnT != s.tn {
		if err := s.storeRHS(0, s.tn, yn); err != nil {
			return err
		}
		if s.fe != nil {
			nvector.Copy(s.fe[0], s.fnE)
		}
		if s.fi != nil {
			nvector.Copy(s.fi[0], s.fnI)
		}
		s.fnOK, s.fnT = true, s.tn
		return nil
	}
	if s.fe != nil {
		nvector.Copy(s.fnE, s.fe[0])
	}
	if s.fi != nil {
		nvector.Copy(s.fnI, s.fi[0])
	}
	return nil
}

// storeRHS evaluates the right-hand sides of stage i at (ti, z).
func (s *Stepper) storeRHS(i int, ti float64, z []float64) error {
	if s.prob.FE != nil {
		if err := s.evalE(ti, z, s.fe[i]); err != nil {
			return err
		}
	}
	if s.prob.FI != nil {
		if err := s.evalI(ti, z, s.fi[i]); err != nil {
			return err
		}
	}
	if s.opts.Mass.Kind != nls.TimeDependent {
		return nil
	}
	if s.fe != nil {
		if err := s.massSolve(ti, s.fe[i]); err != nil {
			return err
		}
	}
	if s.fi != nil {
		return s.massSolve(ti, s.fi[i])
	}
	return nil
}

func (s *Stepper) evalE(t float64, y, f []float64) error {
	s.counters.ExplicitRHSEvals++
	if err := s.prob.FE(t, y, f); err != nil {
		return fmt.Errorf("explicit right-hand side at t=%g: %w", t, err)
	}
	return nil
}

func (s *Stepper) evalI(t float64, y, f []float64) error {
	s.counters.ImplicitRHSEvals++
	if err := s.prob.FI(t, y, f); err != nil {
		return fmt.Errorf("implicit right-hand side at t=%g: %w", t, err)
	}
	return nil
}

func (s *Stepper) massSolve(t float64, b []float64) error {
	if err := s.opts.Mass.M.Solve(t, b); err != nil {
		return fmt.Errorf("mass matrix solve at t=%g: %w", t, err)
	}
	return nil
}

// solve finds z_i from the stage equation with predictor y_n.
func (s *Stepper) solve(i int, gamma float64, yn []float64) error {
	ti := s.stageTime(i)
	nvector.Copy(yn, s.zpred)
	if s.nc.Predictor == "stage" && s.opts.Mass.Kind == nls.Identity {
		nvector.AddScaled(1, s.sdata, s.zpred)
		nvector.Const(0, s.sdata)
	}
	sys := &nls.System{
		T:          ti,
		Gamma:      gamma,
		GammaRatio: s.policy.GammaRatio(gamma),
		ZPred:      s.zpred,
		SData:      s.sdata,
		Fi:         s.countedFI,
		Mass:       s.opts.Mass,
	}
	callSetup := s.newton && s.policy.Need(gamma, s.nst)
	nvector.Const(0, s.zcor)
	res, err := s.solver.Solve(sys, s.zcor, s.z, s.ewt, s.nc.Coef, callSetup, false)
	s.account(gamma, res, err)

	if err != nil && errors.Is(err, ode.ErrConvergence) && s.newton && !res.JacCurrent {
		logrus.Debugf("arkstep: stage %d Newton failure with stale Jacobian, retrying with fresh setup", i)
		sys.GammaRatio = 1
		nvector.Const(0, s.zcor)
		res, err = s.solver.Solve(sys, s.zcor, s.z, s.ewt, s.nc.Coef, true, true)
		s.account(gamma, res, err)
	}
	if err != nil && errors.Is(err, ode.ErrConvergence) {
		s.policy.Force()
	}
	return err
}

func (s *Stepper) countedFI(t float64, y, ydot []float64) error {
	s.counters.ImplicitRHSEvals++
	return s.prob.FI(t, y, ydot)
}

func (s *Stepper) account(gamma float64, res nls.Result, err error) {
	s.counters.StageSolves++
	s.counters.NLSIters += res.Iters
	if res.SetupCalled {
		s.counters.LinearSetups++
		if !errors.Is(err, ode.ErrLinearSetup) {
			s.policy.Done(gamma, s.nst)
		}
	}
	if err != nil {
		s.counters.NLSFails++
	}
}

// weightsE returns the explicit solution weights b, or b − d for the error
// estimate.
func (s *Stepper) weightsE(errEst bool) []float64 {
	if s.ae == nil {
		return nil
	}
	return weights(s.ae, errEst)
}

func (s *Stepper) weightsI(errEst bool) []float64 {
	if s.ai == nil {
		return nil
	}
	return weights(s.ai, errEst)
}

func weights(t *butcher.Table, errEst bool) []float64 {
	if !errEst {
		return t.B
	}
	w := make([]float64, t.Stages)
	for j := range w {
		w[j] = t.B[j] - t.D[j]
	}
	return w
}

// combine writes h Σ_j (we_j fE_j + wi_j fI_j) into out, applying M⁻¹ at
// tend for a fixed mass.
func (s *Stepper) combine(we, wi []float64, tend float64, out []float64) error {
	nvector.Const(0, out)
	for j := 0; j < s.stages; j++ {
		if we != nil && we[j] != 0 {
			nvector.AddScaled(s.h*we[j], s.fe[j], out)
		}
		if wi != nil && wi[j] != 0 {
			nvector.AddScaled(s.h*wi[j], s.fi[j], out)
		}
	}
	if s.opts.Mass.Kind == nls.Fixed {
		return s.massSolve(tend, out)
	}
	return nil
}

func errReentrant(op string) error {
	return fmt.Errorf("%w: %s called while a step is in progress", ode.ErrIllegalInput, op)
}
