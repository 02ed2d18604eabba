package inner

import (
	"fmt"
	"math"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/nvector"
)

// ForcingOnly is the inner stepper of a problem with no fast dynamics. It
// integrates the forcing polynomial in closed form, so a multirate method
// driven by it reduces exactly to its single-rate base method.
type ForcingOnly struct {
	evolves int
}

// NewForcingOnly returns a ForcingOnly stepper.
func NewForcingOnly() *ForcingOnly { return &ForcingOnly{} }

// Evolves returns the number of Evolve calls.
func (s *ForcingOnly) Evolves() int { return s.evolves }

// Evolve adds ∫ r(t) dt over [t0, tf] to y:
//
//	Σ_k Vecs[k]·TScale·(τ1^(k+1) − τ0^(k+1))/(k+1).
func (s *ForcingOnly) Evolve(t0, tf float64, y []float64, f *Forcing) error {
	if tf < t0 {
		return fmt.Errorf("%w: inner evolve backwards from %g to %g", ode.ErrIllegalInput, t0, tf)
	}
	s.evolves++
	if f == nil || f.NVecs == 0 || tf == t0 {
		return nil
	}
	tau0, tau1 := f.tau(t0), f.tau(tf)
	for k := 0; k < f.NVecs; k++ {
		p := float64(k + 1)
		w := f.TScale * (math.Pow(tau1, p) - math.Pow(tau0, p)) / p
		if w != 0 {
			nvector.AddScaled(w, f.Vecs[k], y)
		}
	}
	return nil
}

// FullRHS implements Stepper; the fast right-hand side is identically zero.
func (s *ForcingOnly) FullRHS(_ float64, _, f []float64, _ ode.RHSMode) error {
	nvector.Const(0, f)
	return nil
}

// Reset implements Stepper.
func (s *ForcingOnly) Reset(float64, []float64) error { return nil }
