// Package mristep implements the multirate infinitesimal (MRI-GARK) outer
// stepper. Each step walks the stages of a coupling table: fast stages
// evolve the inner stepper under a polynomial forcing built from cached slow
// right-hand sides, slow stages combine those caches explicitly or solve an
// implicit stage equation through ode/nls.
//
// Stage right-hand sides are evaluated lazily. A stage value lives in the
// candidate solution vector until the next stage overwrites it; its
// right-hand side is computed only if some later stage (or the embedding)
// reads it, and is stored in a slot shared with other stages whose readers
// have all finished.
package mristep

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/coupling"
	"github.com/mriode/mriode/ode/inner"
	"github.com/mriode/mriode/ode/nls"
	"github.com/mriode/mriode/ode/nvector"
)

// Problem is the slow part of y' = fE + fI + fF. Either function may be
// nil, but the coupling table must then lack the matching matrices.
type Problem struct {
	FE ode.RHSFunc // explicit slow right-hand side
	FI ode.RHSFunc // implicit slow right-hand side
}

// Options configures the implicit-stage machinery.
type Options struct {
	Nonlinear    ode.NonlinearConfig
	LinearSolver nls.LinearSolver
	Mass         nls.Mass
}

// Stepper is the multirate outer stepper. It implements ode.Stepper.
type Stepper struct {
	prob  Problem
	table *coupling.Table
	inner *inner.Handle
	opts  Options
	nc    ode.NonlinearConfig

	kinds    []coupling.StageKind
	embKind  coupling.StageKind
	stageMap []int
	lastUse  []int
	nslots   int

	solver   nls.Solver
	newton   bool
	policy   nls.SetupPolicy
	implicit bool

	n int

	// per-step stage cache
	fse, fsi  [][]float64
	owner     []int
	evaluated []bool
	pending   int

	// right-hand side at the step start, and the candidate for the next step
	fnE, fnI       []float64
	fnCurrent      bool
	fnT            float64
	fnNewE, fnNewI []float64
	fnNewValid     bool

	zpred, zcor, sdata []float64
	zstage, fiDiag     []float64
	ffast, yemb        []float64
	tmpE, tmpI, tmpF   []float64

	tn, h float64
	ycur  []float64
	ewt   []float64
	nst   int

	inStep   bool
	counters ode.StepperCounters
}

// New builds a multirate stepper. The inner handle's forcing buffer is
// resized for the table.
func New(prob Problem, table *coupling.Table, in *inner.Handle, opts Options) (*Stepper, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: nil coupling table", ode.ErrIllegalInput)
	}
	if in == nil {
		return nil, fmt.Errorf("%w: nil inner stepper handle", ode.ErrIllegalInput)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if (prob.FE != nil) != table.HasExplicit() {
		return nil, fmt.Errorf("%w: explicit slow function present=%v but table %s explicit coupling present=%v",
			ode.ErrIllegalInput, prob.FE != nil, table.Name, table.HasExplicit())
	}
	if (prob.FI != nil) != table.HasImplicit() {
		return nil, fmt.Errorf("%w: implicit slow function present=%v but table %s implicit coupling present=%v",
			ode.ErrIllegalInput, prob.FI != nil, table.Name, table.HasImplicit())
	}
	if opts.Mass.Kind != nls.Identity {
		return nil, fmt.Errorf("%w: multirate stepper supports the identity mass matrix only, got %s", ode.ErrIllegalInput, opts.Mass.Kind)
	}

	cfg := ode.Config{Nonlinear: opts.Nonlinear}
	cfg.Normalize()
	s := &Stepper{
		prob:    prob,
		table:   table,
		inner:   in,
		opts:    opts,
		nc:      cfg.Nonlinear,
		kinds:   table.StageKinds(),
		lastUse: table.LastUse(),
		pending: -1,
		policy:  nls.SetupPolicy{DGMax: cfg.Nonlinear.DGMax, MSBP: cfg.Nonlinear.MSBP},
	}
	s.stageMap, s.nslots = table.SlotMap()
	if table.HasEmbedding() {
		s.embKind = table.EmbeddingKind()
	}
	for i, k := range s.kinds {
		if k.Implicit() || (i == table.Stages-1 && table.HasEmbedding() && s.embKind.Implicit()) {
			s.implicit = true
		}
	}
	if s.implicit {
		solver, err := nls.New(s.nc, opts.LinearSolver)
		if err != nil {
			return nil, err
		}
		s.solver = solver
		_, s.newton = solver.(*nls.Newton)
	}
	in.ResizeForcing(table.NMat)
	return s, nil
}

// Table returns the coupling table.
func (s *Stepper) Table() *coupling.Table { return s.table }

// Init implements ode.Stepper.
func (s *Stepper) Init(t0 float64, y0 []float64) error {
	if s.inStep {
		return errReentrant("Init")
	}
	n := len(y0)
	if n == 0 {
		return fmt.Errorf("%w: empty initial state", ode.ErrIllegalInput)
	}
	s.n = n
	if s.prob.FE != nil {
		s.fse = nvector.NewArray(s.nslots, n)
	}
	if s.prob.FI != nil {
		s.fsi = nvector.NewArray(s.nslots, n)
	}
	s.owner = make([]int, s.nslots)
	s.evaluated = make([]bool, s.table.Stages)
	s.fnE, s.fnI = nvector.New(n), nvector.New(n)
	s.fnNewE, s.fnNewI = nvector.New(n), nvector.New(n)
	s.zpred, s.zcor, s.sdata = nvector.New(n), nvector.New(n), nvector.New(n)
	s.zstage, s.fiDiag = nvector.New(n), nvector.New(n)
	s.ffast, s.yemb = nvector.New(n), nvector.New(n)
	s.tmpE, s.tmpI, s.tmpF = nvector.New(n), nvector.New(n), nvector.New(n)
	s.fnCurrent = false
	s.nst = 0
	s.policy.Reset()
	s.inner.ResizeForcing(s.table.NMat)
	return s.inner.Reset(t0, y0)
}

// Reset implements ode.Stepper.
func (s *Stepper) Reset(t float64, y []float64) error {
	if s.inStep {
		return errReentrant("Reset")
	}
	s.fnCurrent = false
	s.policy.Force()
	return s.inner.Reset(t, y)
}

// Orders implements ode.Stepper. Without an embedding the error estimate
// comes from the inner stepper, if it can provide one.
func (s *Stepper) Orders() (int, int) {
	q := s.table.Order
	switch {
	case s.table.HasEmbedding():
		return q, s.table.EmbeddingOrder
	case s.inner.SupportsAccumulatedError():
		return q, max(q-1, 1)
	}
	return q, 0
}

// Counters implements ode.Stepper.
func (s *Stepper) Counters() ode.StepperCounters { return s.counters }

// CompleteStep implements ode.Stepper.
func (s *Stepper) CompleteStep(t, _ float64, _ []float64) error {
	if s.inStep {
		return errReentrant("CompleteStep")
	}
	s.nst++
	if s.fnNewValid {
		if s.prob.FE != nil {
			nvector.Copy(s.fnNewE, s.fnE)
		}
		if s.prob.FI != nil {
			nvector.Copy(s.fnNewI, s.fnI)
		}
		s.fnCurrent, s.fnT = true, t
		s.fnNewValid = false
		return nil
	}
	s.fnCurrent = false
	return nil
}

// FullRHS implements ode.Stepper: f = fE + fI + fF.
func (s *Stepper) FullRHS(t float64, y, f []float64, mode ode.RHSMode) error {
	if s.inStep {
		return errReentrant("FullRHS")
	}
	nvector.Const(0, f)
	reuse := mode == ode.RHSReuseIfCurrent && s.fnCurrent && t == s.fnT
	if s.prob.FE != nil {
		if reuse {
			nvector.AddScaled(1, s.fnE, f)
		} else {
			s.counters.ExplicitRHSEvals++
			if err := s.prob.FE(t, y, s.tmpE); err != nil {
				return fmt.Errorf("explicit slow right-hand side at t=%g: %w", t, err)
			}
			nvector.AddScaled(1, s.tmpE, f)
		}
	}
	if s.prob.FI != nil {
		if reuse {
			nvector.AddScaled(1, s.fnI, f)
		} else {
			s.counters.ImplicitRHSEvals++
			if err := s.prob.FI(t, y, s.tmpI); err != nil {
				return fmt.Errorf("implicit slow right-hand side at t=%g: %w", t, err)
			}
			nvector.AddScaled(1, s.tmpI, f)
		}
	}
	s.counters.FastRHSEvals++
	if err := s.inner.FullRHS(t, y, s.tmpF, mode); err != nil {
		return err
	}
	nvector.AddScaled(1, s.tmpF, f)
	return nil
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

	s.tn, s.h, s.ycur, s.ewt = t, h, ycur, ewt
	s.beginStep()
	if err := s.inner.ResetAccumulatedError(); err != nil {
		return 0, fmt.Errorf("resetting inner error: %w", err)
	}
	nvector.Copy(yn, ycur)

	if err := s.firstStage(yn); err != nil {
		return 0, s.stageError(0, false, err)
	}
	last := s.table.Stages - 1
	for i := 1; i < last; i++ {
		if err := s.stage(i, false, ycur); err != nil {
			return 0, s.stageError(i, false, err)
		}
	}

	// The embedding reads z_{s-2}, which the last stage overwrites. A fast
	// embedding evolve is discarded, so the inner stepper's history and
	// accumulated error are rolled back before the last stage.
	if s.table.HasEmbedding() {
		nvector.Copy(ycur, s.yemb)
		fast := s.embKind.Fast()
		if fast {
			s.inner.Checkpoint()
		}
		err := s.stage(last, true, s.yemb)
		if fast {
			if rerr := s.inner.Restore(s.stageTime(last-1), ycur); rerr != nil && err == nil {
				err = fmt.Errorf("re-seeding inner stepper: %w", rerr)
			}
		}
		if err != nil {
			return 0, s.stageError(last, true, err)
		}
	}
	if s.kinds[last] == coupling.StageStiffAccurate {
		s.reuseFinalRHS(last - 1)
	}
	if err := s.stage(last, false, ycur); err != nil {
		return 0, s.stageError(last, false, err)
	}

	if s.table.HasEmbedding() {
		nvector.LinearSum(1, ycur, -1, s.yemb, s.yemb)
		return nvector.WRMSNorm(s.yemb, ewt), nil
	}
	if s.inner.SupportsAccumulatedError() {
		dsm, err := s.inner.AccumulatedError()
		if err != nil {
			return 0, fmt.Errorf("reading inner error: %w", err)
		}
		return dsm, nil
	}
	return 0, nil
}

// beginStep clears the per-step stage cache.
func (s *Stepper) beginStep() {
	for k := range s.owner {
		s.owner[k] = -1
	}
	for j := range s.evaluated {
		s.evaluated[j] = false
	}
	s.pending = -1
	s.fnNewValid = false
}

func (s *Stepper) stageTime(i int) float64 { return s.tn + s.table.C[i]*s.h }

func (s *Stepper) kindOf(i int, emb bool) coupling.StageKind {
	if emb {
		return s.embKind
	}
	return s.kinds[i]
}

// firstStage installs the right-hand side at the step start in stage 0's
// slot, evaluating it only when the cached one is not current.
func (s *Stepper) firstStage(yn []float64) error {
	slot := s.stageMap[0]
	if slot < 0 {
		s.pending = 0
		return nil
	}
	if !s.fnCurrent || s.fnT != s.tn {
		if err := s.evalSlow(s.tn, yn, s.fnE, s.fnI); err != nil {
			s.fnCurrent = false
			return err
		}
		s.fnCurrent, s.fnT = true, s.tn
	}
	s.claim(0, slot)
	if s.prob.FE != nil {
		nvector.Copy(s.fnE, s.fse[slot])
	}
	if s.prob.FI != nil {
		nvector.Copy(s.fnI, s.fsi[slot])
	}
	s.evaluated[0] = true
	return nil
}

// reuseFinalRHS keeps stage j's right-hand side as the next step's initial
// one when the final stage is a copy of stage j.
func (s *Stepper) reuseFinalRHS(j int) {
	slot := s.stageMap[j]
	if slot < 0 || !s.evaluated[j] {
		return
	}
	if s.prob.FE != nil {
		nvector.Copy(s.fse[slot], s.fnNewE)
	}
	if s.prob.FI != nil {
		nvector.Copy(s.fsi[slot], s.fnNewI)
	}
	s.fnNewValid = true
}

// evalSlow evaluates the slow right-hand sides that exist at (t, y).
func (s *Stepper) evalSlow(t float64, y, fe, fi []float64) error {
	if s.prob.FE != nil {
		s.counters.ExplicitRHSEvals++
		if err := s.prob.FE(t, y, fe); err != nil {
			return fmt.Errorf("explicit slow right-hand side at t=%g: %w", t, err)
		}
	}
	if s.prob.FI != nil {
		s.counters.ImplicitRHSEvals++
		if err := s.prob.FI(t, y, fi); err != nil {
			return fmt.Errorf("implicit slow right-hand side at t=%g: %w", t, err)
		}
	}
	return nil
}

// claim makes stage j the owner of slot, invalidating the previous owner.
func (s *Stepper) claim(j, slot int) {
	if prev := s.owner[slot]; prev >= 0 && prev != j {
		s.evaluated[prev] = false
	}
	s.owner[slot] = j
}

// ensureStageRHS makes stage j's right-hand side available in its slot.
func (s *Stepper) ensureStageRHS(j int) error {
	if s.evaluated[j] {
		return nil
	}
	slot := s.stageMap[j]
	if slot < 0 {
		return fmt.Errorf("%w: %s: stage %d right-hand side is read but has no cache slot", ode.ErrInvalidTable, s.table.Name, j)
	}
	if s.pending != j {
		return fmt.Errorf("%w: %s: stage %d right-hand side is no longer available", ode.ErrInvalidTable, s.table.Name, j)
	}
	tj := s.stageTime(j)
	s.claim(j, slot)
	var fe, fi []float64
	if s.prob.FE != nil {
		fe = s.fse[slot]
	}
	if s.prob.FI != nil {
		fi = s.fsi[slot]
	}
	if err := s.evalSlow(tj, s.ycur, fe, fi); err != nil {
		s.owner[slot] = -1
		return &ode.StageError{Stage: j, Kind: "rhs", Time: tj, Err: err}
	}
	s.evaluated[j] = true
	s.pending = -1
	logrus.Debugf("mristep: evaluated stage %d right-hand side at t=%g into slot %d", j, tj, slot)
	return nil
}

// flushPending evaluates the pending stage's right-hand side before stage
// i overwrites its value, when a later stage still reads it.
func (s *Stepper) flushPending(i int) error {
	p := s.pending
	if p < 0 || s.evaluated[p] {
		return nil
	}
	if s.lastUse[p] >= i {
		return s.ensureStageRHS(p)
	}
	s.pending = -1
	return nil
}

func (s *Stepper) ensureSources(i int, emb bool) error {
	for _, j := range s.table.Sources(i, emb) {
		if err := s.ensureStageRHS(j); err != nil {
			return err
		}
	}
	return nil
}

// stage computes stage i (the embedding when emb is set) in place in y,
// which holds z_{i-1} on entry.
func (s *Stepper) stage(i int, emb bool, y []float64) error {
	kind := s.kindOf(i, emb)
	if kind == coupling.StageStiffAccurate {
		return nil
	}
	if err := s.ensureSources(i, emb); err != nil {
		return err
	}
	if !emb {
		if err := s.flushPending(i); err != nil {
			return err
		}
	}

	switch kind {
	case coupling.StageERKFast:
		if err := s.buildForcing(i, emb, false); err != nil {
			return err
		}
		if err := s.evolve(i, y); err != nil {
			return err
		}
	case coupling.StageERKNoFast:
		s.addSlowIncrement(i, emb, y)
	case coupling.StageDIRKNoFast:
		gamma := s.h * s.table.Diagonal(i, emb)
		nvector.Const(0, s.sdata)
		s.addSlowIncrement(i, emb, s.sdata)
		if err := s.solve(i, gamma, y, y); err != nil {
			return err
		}
	case coupling.StageDIRKFast:
		if err := s.dirkFast(i, emb, y); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s: unexpected kind %s for stage %d", ode.ErrInvalidTable, s.table.Name, kind, i)
	}
	if !emb {
		s.pending = i
	}
	logrus.Debugf("mristep: stage %d (%s) done at t=%g", i, kind, s.stageTime(i))
	return nil
}

// addSlowIncrement adds h·Σ_j (ŵ_j fE_j + ĝ_j fI_j) over j < i to v, with
// the integrated coefficients ŵ, ĝ.
func (s *Stepper) addSlowIncrement(i int, emb bool, v []float64) {
	we, gi := s.table.Integrated(i, emb)
	for j := 0; j < i; j++ {
		slot := s.stageMap[j]
		if we[j] != 0 {
			nvector.AddScaled(s.h*we[j], s.fse[slot], v)
		}
		if gi[j] != 0 {
			nvector.AddScaled(s.h*gi[j], s.fsi[slot], v)
		}
	}
}

// buildForcing fills the inner forcing for fast stage i. With diag set the
// implicit diagonal term uses fiDiag.
func (s *Stepper) buildForcing(i int, emb, diag bool) error {
	dc := s.table.C[i] - s.table.C[i-1]
	nv := s.table.ForcingTerms(i, emb)
	f := s.inner.Forcing()
	if err := f.Set(s.stageTime(i-1), dc*s.h, nv); err != nil {
		return fmt.Errorf("%w: %v", ode.ErrIllegalInput, err)
	}
	for k := 0; k < nv; k++ {
		vec := f.Vecs[k]
		nvector.Const(0, vec)
		w := s.table.WRow(k, i, emb)
		g := s.table.GRow(k, i, emb)
		for j := 0; j < i; j++ {
			if w != nil && w[j] != 0 {
				nvector.AddScaled(w[j]/dc, s.fse[s.stageMap[j]], vec)
			}
			if g != nil && g[j] != 0 {
				nvector.AddScaled(g[j]/dc, s.fsi[s.stageMap[j]], vec)
			}
		}
		if diag && g != nil && g[i] != 0 {
			nvector.AddScaled(g[i]/dc, s.fiDiag, vec)
		}
	}
	return nil
}

func (s *Stepper) evolve(i int, y []float64) error {
	t0, t1 := s.stageTime(i-1), s.stageTime(i)
	s.counters.InnerEvolves++
	if err := s.inner.Evolve(t0, t1, y); err != nil {
		s.counters.InnerFails++
		return err
	}
	return nil
}

// dirkFast solves for the implicit predictor of stage i, folds its implicit
// right-hand side into the forcing, then evolves the inner stepper.
func (s *Stepper) dirkFast(i int, emb bool, y []float64) error {
	dc := s.table.C[i] - s.table.C[i-1]
	ti := s.stageTime(i)
	s.counters.FastRHSEvals++
	if err := s.inner.FullRHS(s.stageTime(i-1), y, s.ffast, ode.RHSReuseIfCurrent); err != nil {
		return err
	}
	nvector.Const(0, s.sdata)
	s.addSlowIncrement(i, emb, s.sdata)
	nvector.AddScaled(dc*s.h, s.ffast, s.sdata)

	gamma := s.h * s.table.Diagonal(i, emb)
	if err := s.solve(i, gamma, y, s.zstage); err != nil {
		return err
	}
	s.counters.ImplicitRHSEvals++
	if err := s.prob.FI(ti, s.zstage, s.fiDiag); err != nil {
		return fmt.Errorf("implicit slow right-hand side at t=%g: %w", ti, err)
	}
	if err := s.buildForcing(i, emb, true); err != nil {
		return err
	}
	return s.evolve(i, y)
}

// solve solves z = yprev + sdata + γ fI(t_i, z) for stage i into z, using
// s.sdata. yprev and z may alias.
func (s *Stepper) solve(i int, gamma float64, yprev, z []float64) error {
	ti := s.stageTime(i)
	nvector.Copy(yprev, s.zpred)
	if s.nc.Predictor == "stage" {
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
	res, err := s.solver.Solve(sys, s.zcor, z, s.ewt, s.nc.Coef, callSetup, false)
	s.account(gamma, res, err)

	if err != nil && errors.Is(err, ode.ErrConvergence) && s.newton && !res.JacCurrent {
		logrus.Debugf("mristep: stage %d Newton failure with stale Jacobian, retrying with fresh setup", i)
		sys.GammaRatio = 1
		nvector.Const(0, s.zcor)
		res, err = s.solver.Solve(sys, s.zcor, z, s.ewt, s.nc.Coef, true, true)
		s.account(gamma, res, err)
	}
	if err != nil {
		if errors.Is(err, ode.ErrConvergence) {
			s.policy.Force()
		}
		return err
	}
	return nil
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

func (s *Stepper) stageError(i int, emb bool, err error) error {
	var se *ode.StageError
	if errors.As(err, &se) {
		return err
	}
	kind := s.kindOf(i, emb).String()
	if emb {
		kind = "embedding " + kind
	}
	return &ode.StageError{Stage: i, Kind: kind, Time: s.stageTime(i), Err: err}
}

func errReentrant(op string) error {
	return fmt.Errorf("%w: %s called while a step is in progress", ode.ErrIllegalInput, op)
}
