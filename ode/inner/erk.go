package inner

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/adapt"
	"github.com/mriode/mriode/ode/butcher"
	"github.com/mriode/mriode/ode/nvector"
)

// AccumulationPolicy selects how substep error estimates are combined into
// the accumulated error reported to the outer controller.
type AccumulationPolicy int

const (
	// AccumulateMax keeps the largest substep error.
	AccumulateMax AccumulationPolicy = iota
	// AccumulateSum adds substep errors.
	AccumulateSum
	// AccumulateAverage is the time-weighted mean of substep errors.
	AccumulateAverage
)

// ParseAccumulationPolicy maps "max", "sum" and "avg" to a policy.
func ParseAccumulationPolicy(s string) (AccumulationPolicy, error) {
	switch s {
	case "", "max":
		return AccumulateMax, nil
	case "sum":
		return AccumulateSum, nil
	case "avg":
		return AccumulateAverage, nil
	}
	return 0, fmt.Errorf("%w: unknown accumulation policy %q; valid: max, sum, avg", ode.ErrIllegalInput, s)
}

// ERKOptions configures an ERKStepper.
type ERKOptions struct {
	FixedStep    float64 // > 0 takes uniform substeps no larger than this
	RelTol       float64 // default 1e-4
	AbsTol       float64 // default 1e-9
	MaxSubsteps  int     // attempts per Evolve, default 10000
	Accumulation AccumulationPolicy
	Controller   ode.Controller // default: I controller
}

// ERKCounters reports the work an ERKStepper performed.
type ERKCounters struct {
	RHSEvals int
	Substeps int
	Rejected int
}

// ERKStepper integrates the fast subsystem with an explicit Runge-Kutta
// method. Substeps are adaptive when the table has an embedding and no
// fixed step is set.
type ERKStepper struct {
	table *butcher.Table
	f     ode.RHSFunc
	n     int
	opts  ERKOptions
	rtol  float64
	ctrl  ode.Controller

	k              [][]float64
	ytmp, ynew     []float64
	yerr, ewt      []float64
	atol           []float64
	hprev          float64
	acc, accWeight float64
	saved          *erkState

	cacheValid bool
	cacheT     float64
	cacheY     []float64
	cacheF     []float64

	counters ERKCounters
}

// NewERKStepper builds an inner explicit stepper for fF = f.
func NewERKStepper(table *butcher.Table, f ode.RHSFunc, n int, opts ERKOptions) (*ERKStepper, error) {
	if table == nil || f == nil {
		return nil, fmt.Errorf("%w: inner ERK needs a table and a right-hand side", ode.ErrIllegalInput)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if !table.IsExplicit() {
		return nil, fmt.Errorf("%w: inner table %s is not explicit", ode.ErrIllegalInput, table.Name)
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: inner system size must be positive, got %d", ode.ErrIllegalInput, n)
	}
	if opts.FixedStep < 0 {
		return nil, fmt.Errorf("%w: negative fixed step %g", ode.ErrIllegalInput, opts.FixedStep)
	}
	if opts.FixedStep == 0 && !table.HasEmbedding() {
		return nil, fmt.Errorf("%w: adaptive inner stepping needs an embedded table, %s has none", ode.ErrIllegalInput, table.Name)
	}
	if opts.RelTol == 0 {
		opts.RelTol = 1e-4
	}
	if opts.AbsTol == 0 {
		opts.AbsTol = 1e-9
	}
	if opts.MaxSubsteps == 0 {
		opts.MaxSubsteps = 10000
	}
	s := &ERKStepper{
		table:  table,
		f:      f,
		n:      n,
		opts:   opts,
		rtol:   opts.RelTol,
		ctrl:   opts.Controller,
		k:      nvector.NewArray(table.Stages, n),
		ytmp:   nvector.New(n),
		ynew:   nvector.New(n),
		yerr:   nvector.New(n),
		ewt:    nvector.New(n),
		atol:   []float64{opts.AbsTol},
		cacheY: nvector.New(n),
		cacheF: nvector.New(n),
	}
	if s.ctrl == nil {
		s.ctrl = adapt.NewIController(ode.ControllerConfig{Safety: 0.9})
	}
	return s, nil
}

// Counters returns the work counters.
func (s *ERKStepper) Counters() ERKCounters { return s.counters }

// Capabilities implements CapabilityReporter. Error accumulation needs an
// embedding; tolerance changes only matter for adaptive substeps.
func (s *ERKStepper) Capabilities() (bool, bool) {
	return s.table.HasEmbedding(), s.opts.FixedStep == 0
}

// Evolve implements Stepper.
func (s *ERKStepper) Evolve(t0, tf float64, y []float64, forcing *Forcing) error {
	if tf < t0 {
		return fmt.Errorf("%w: inner evolve backwards from %g to %g", ode.ErrIllegalInput, t0, tf)
	}
	s.cacheValid = false
	if tf == t0 {
		return nil
	}
	if s.opts.FixedStep > 0 {
		return s.evolveFixed(t0, tf, y, forcing)
	}
	return s.evolveAdaptive(t0, tf, y, forcing)
}

func (s *ERKStepper) evolveFixed(t0, tf float64, y []float64, forcing *Forcing) error {
	nsub := int(math.Ceil((tf-t0)/s.opts.FixedStep - 1e-10))
	if nsub < 1 {
		nsub = 1
	}
	h := (tf - t0) / float64(nsub)
	for m := 0; m < nsub; m++ {
		t := t0 + float64(m)*h
		if err := s.substep(t, h, y, forcing); err != nil {
			return err
		}
		if s.table.HasEmbedding() {
			if err := nvector.ErrorWeights(y, s.rtol, s.atol, s.ewt); err != nil {
				return ode.Recoverable(err)
			}
			s.accumulate(nvector.WRMSNorm(s.yerr, s.ewt), h)
		}
		nvector.Copy(s.ynew, y)
		s.counters.Substeps++
	}
	return nil
}

func (s *ERKStepper) evolveAdaptive(t0, tf float64, y []float64, forcing *Forcing) error {
	q := s.table.P
	t := t0
	h := s.hprev
	if h <= 0 {
		h = tf - t0
	}
	for attempt := 0; t < tf; attempt++ {
		if attempt >= s.opts.MaxSubsteps {
			return ode.Recoverable(fmt.Errorf("%w: %d inner substeps on [%g, %g]", ode.ErrTooMuchWork, attempt, t0, tf))
		}
		hs := h
		last := false
		if t+hs >= tf || tf-(t+hs) <= 10*ulp(tf) {
			hs = tf - t
			last = true
		}
		if err := nvector.ErrorWeights(y, s.rtol, s.atol, s.ewt); err != nil {
			return ode.Recoverable(err)
		}
		if err := s.substep(t, hs, y, forcing); err != nil {
			return err
		}
		dsm := nvector.WRMSNorm(s.yerr, s.ewt)
		hnew, err := s.ctrl.EstimateStep(hs, q, dsm)
		if err != nil {
			return fmt.Errorf("inner controller: %w", err)
		}
		if dsm > 1 {
			s.counters.Rejected++
			h = hs * math.Min(math.Max(hnew/hs, 0.1), 0.9)
			if h <= 10*ulp(t) {
				return ode.Recoverable(fmt.Errorf("%w: inner substep %g at t=%g", ode.ErrStepTooSmall, h, t))
			}
			continue
		}
		if err := s.ctrl.UpdateH(hs, dsm); err != nil {
			return fmt.Errorf("inner controller: %w", err)
		}
		s.accumulate(dsm, hs)
		nvector.Copy(s.ynew, y)
		s.counters.Substeps++
		if last {
			t = tf
		} else {
			t += hs
		}
		h = hs * math.Min(hnew/hs, 10)
		if !last {
			s.hprev = h
		}
	}
	logrus.Debugf("inner: evolved [%g, %g], next substep %g", t0, tf, s.hprev)
	return nil
}

// substep computes one RK step of size h from (t, y) into ynew and, with an
// embedding, the error vector into yerr.
func (s *ERKStepper) substep(t, h float64, y []float64, forcing *Forcing) error {
	tb := s.table
	for i := 0; i < tb.Stages; i++ {
		nvector.Copy(y, s.ytmp)
		for j := 0; j < i; j++ {
			if a := tb.A[i][j]; a != 0 {
				nvector.AddScaled(h*a, s.k[j], s.ytmp)
			}
		}
		ti := t + tb.C[i]*h
		s.counters.RHSEvals++
		if err := s.f(ti, s.ytmp, s.k[i]); err != nil {
			return fmt.Errorf("fast right-hand side at t=%g: %w", ti, err)
		}
		forcing.AddTo(ti, s.k[i])
	}
	nvector.Copy(y, s.ynew)
	nvector.Const(0, s.yerr)
	for j := 0; j < tb.Stages; j++ {
		nvector.AddScaled(h*tb.B[j], s.k[j], s.ynew)
		if tb.HasEmbedding() {
			nvector.AddScaled(h*(tb.B[j]-tb.D[j]), s.k[j], s.yerr)
		}
	}
	if !nvector.IsFinite(s.ynew) {
		return ode.Recoverable(fmt.Errorf("non-finite inner solution at t=%g", t+h))
	}
	return nil
}

func (s *ERKStepper) accumulate(dsm, h float64) {
	switch s.opts.Accumulation {
	case AccumulateMax:
		s.acc = math.Max(s.acc, dsm)
	case AccumulateSum:
		s.acc += dsm
	case AccumulateAverage:
		s.acc += dsm * h
		s.accWeight += h
	}
}

// AccumulatedError implements ErrorAccumulator.
func (s *ERKStepper) AccumulatedError() (float64, error) {
	if !s.table.HasEmbedding() {
		return 0, fmt.Errorf("%w: table %s has no embedding", ode.ErrIllegalInput, s.table.Name)
	}
	if s.opts.Accumulation == AccumulateAverage {
		if s.accWeight == 0 {
			return 0, nil
		}
		return s.acc / s.accWeight, nil
	}
	return s.acc, nil
}

// ResetAccumulatedError implements ErrorAccumulator.
func (s *ERKStepper) ResetAccumulatedError() error {
	s.acc, s.accWeight = 0, 0
	return nil
}

// SetRTol implements RTolSetter.
func (s *ERKStepper) SetRTol(rtol float64) error {
	if rtol <= 0 || math.IsNaN(rtol) {
		return fmt.Errorf("%w: inner rtol must be positive, got %g", ode.ErrIllegalInput, rtol)
	}
	s.rtol = rtol
	return nil
}

// RelTol returns the relative tolerance currently in force.
func (s *ERKStepper) RelTol() float64 { return s.rtol }

// FullRHS implements Stepper. With RHSReuseIfCurrent the last evaluation is
// returned when it was made at the same (t, y).
func (s *ERKStepper) FullRHS(t float64, y, f []float64, mode ode.RHSMode) error {
	if mode == ode.RHSReuseIfCurrent && s.cacheValid && s.cacheT == t && equal(s.cacheY, y) {
		nvector.Copy(s.cacheF, f)
		return nil
	}
	s.counters.RHSEvals++
	if err := s.f(t, y, f); err != nil {
		s.cacheValid = false
		return err
	}
	nvector.Copy(y, s.cacheY)
	nvector.Copy(f, s.cacheF)
	s.cacheT, s.cacheValid = t, true
	return nil
}

type erkState struct {
	hprev, acc, accWeight float64
}

// Checkpoint implements Checkpointer.
func (s *ERKStepper) Checkpoint() {
	s.saved = &erkState{hprev: s.hprev, acc: s.acc, accWeight: s.accWeight}
}

// Restore implements Checkpointer. The controller keeps the history of the
// discarded evolve.
func (s *ERKStepper) Restore() {
	if s.saved == nil {
		return
	}
	s.hprev, s.acc, s.accWeight = s.saved.hprev, s.saved.acc, s.saved.accWeight
	s.saved = nil
}

// Reset implements Stepper. The substep history is discarded.
func (s *ERKStepper) Reset(float64, []float64) error {
	s.hprev = 0
	s.saved = nil
	s.cacheValid = false
	s.ctrl.Reset()
	return nil
}

func equal(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ulp(t float64) float64 {
	return math.Max(math.Abs(t), 1) * 2.220446049250313e-16
}
