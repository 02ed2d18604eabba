// Package nls solves the implicit stage equation shared by the multirate and
// single-rate steppers. With z = ZPred + zcor the stage equation is written
// as a root-finding problem in the correction zcor, whose algebraic form
// depends on the mass-matrix variant:
//
//	identity:        zcor − γF(z) − sdata = 0
//	fixed:         M·zcor − γF(z) − sdata = 0
//	time-dependent: M(t)·(zcor − sdata) − γF(z) = 0
//
// The solvers only report outcomes. Retry policy (forced linear setups,
// step shrinkage) belongs to the caller.
package nls

import (
	"fmt"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/nvector"
)

// MassKind tags the mass-matrix variant.
type MassKind int

const (
	Identity MassKind = iota
	Fixed
	TimeDependent
)

func (k MassKind) String() string {
	switch k {
	case Identity:
		return "identity"
	case Fixed:
		return "fixed"
	case TimeDependent:
		return "time-dependent"
	}
	return fmt.Sprintf("MassKind(%d)", int(k))
}

// MassMatrix applies and inverts M(t). For a fixed mass t is ignored.
type MassMatrix interface {
	// Mult computes out = M(t)·x. out does not alias x.
	Mult(t float64, x, out []float64) error
	// Solve overwrites b with M(t)⁻¹·b.
	Solve(t float64, b []float64) error
}

// Mass is the tagged mass-matrix variant. M is ignored for Identity.
type Mass struct {
	Kind MassKind
	M    MassMatrix
}

// Validate checks that non-identity variants carry a matrix.
func (m Mass) Validate() error {
	switch m.Kind {
	case Identity:
		return nil
	case Fixed, TimeDependent:
		if m.M == nil {
			return fmt.Errorf("%w: %s mass matrix requires a MassMatrix", ode.ErrIllegalInput, m.Kind)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown mass kind %d", ode.ErrIllegalInput, int(m.Kind))
}

// LinearSolver solves with the Newton iteration matrix M(t) − γJ. Failures
// it detects itself should wrap ode.ErrLinearSetup or ode.ErrLinearSolve;
// errors from user callables are passed through unchanged.
type LinearSolver interface {
	// Setup rebuilds and factors the iteration matrix at (t, z) where
	// fz = F(t, z). jbad forces a fresh Jacobian. jcur reports whether the
	// Jacobian was re-evaluated.
	Setup(t float64, z, fz []float64, gamma, gamrat float64, jbad bool) (jcur bool, err error)
	// Solve overwrites b with the solution of the iteration system. gamrat is
	// gamma over the gamma of the last setup.
	Solve(t float64, b []float64, gamma, gamrat float64) error
}

// System is one implicit stage equation. ZPred and SData are read-only
// during a solve.
type System struct {
	T          float64
	Gamma      float64
	GammaRatio float64 // Gamma over the gamma of the last linear setup; 0 means 1
	ZPred      []float64
	SData      []float64
	Fi         ode.RHSFunc
	Mass       Mass
}

// Residual writes the Newton residual for correction zcor into r, given
// fz = F(T, ZPred+zcor). tmp is scratch of the same length and must not alias
// zcor or r.
func (s *System) Residual(zcor, fz, r, tmp []float64) error {
	switch s.Mass.Kind {
	case Identity:
		nvector.LinearSum(1, zcor, -s.Gamma, fz, r)
		nvector.AddScaled(-1, s.SData, r)
	case Fixed:
		if err := s.Mass.M.Mult(s.T, zcor, tmp); err != nil {
			return fmt.Errorf("mass matrix product: %w", err)
		}
		nvector.LinearSum(1, tmp, -s.Gamma, fz, r)
		nvector.AddScaled(-1, s.SData, r)
	case TimeDependent:
		nvector.LinearSum(1, zcor, -1, s.SData, tmp)
		if err := s.Mass.M.Mult(s.T, tmp, r); err != nil {
			return fmt.Errorf("mass matrix product: %w", err)
		}
		nvector.AddScaled(-s.Gamma, fz, r)
	default:
		return s.Mass.Validate()
	}
	return nil
}

// FixedPointMap writes g(z) into g given fz = F(T, z), so the fixed-point
// iteration is zcor ← g.
func (s *System) FixedPointMap(fz, g []float64) error {
	switch s.Mass.Kind {
	case Identity:
		nvector.LinearSum(s.Gamma, fz, 1, s.SData, g)
	case Fixed:
		nvector.LinearSum(s.Gamma, fz, 1, s.SData, g)
		if err := s.Mass.M.Solve(s.T, g); err != nil {
			return fmt.Errorf("mass matrix solve: %w", err)
		}
	case TimeDependent:
		nvector.Scale(s.Gamma, fz, g)
		if err := s.Mass.M.Solve(s.T, g); err != nil {
			return fmt.Errorf("mass matrix solve: %w", err)
		}
		nvector.AddScaled(1, s.SData, g)
	default:
		return s.Mass.Validate()
	}
	return nil
}

// stageValue recomputes z = ZPred + zcor.
func (s *System) stageValue(zcor, z []float64) {
	nvector.LinearSum(1, s.ZPred, 1, zcor, z)
}

func (s *System) gamrat() float64 {
	if s.GammaRatio == 0 {
		return 1
	}
	return s.GammaRatio
}

// evalF evaluates F at z, wrapping the error with the stage time.
func (s *System) evalF(z, fz []float64) error {
	if err := s.Fi(s.T, z, fz); err != nil {
		return fmt.Errorf("implicit right-hand side at t=%g: %w", s.T, err)
	}
	return nil
}
