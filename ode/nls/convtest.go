package nls

import (
	"fmt"
	"math"

	"github.com/mriode/mriode/ode"
)

// ConvStatus is the outcome of one convergence check.
type ConvStatus int

const (
	Continue ConvStatus = iota
	Converged
	Diverged
)

// ConvTest is the rate-based convergence test. It is reset by every solve.
type ConvTest struct {
	CRDown float64
	RDiv   float64

	crate float64
	delp  float64
}

// Reset starts a new solve.
func (c *ConvTest) Reset() {
	c.crate = 1
	c.delp = 0
}

// Rate returns the current convergence-rate estimate.
func (c *ConvTest) Rate() float64 { return c.crate }

// Check classifies iteration m with update norm del against tol.
func (c *ConvTest) Check(m int, del, tol float64) ConvStatus {
	if m == 0 {
		c.crate = 1
	} else {
		c.crate = math.Max(c.CRDown*c.crate, del/c.delp)
	}
	if math.Min(c.crate, 1)*del/tol <= 1 {
		c.delp = del
		return Converged
	}
	if m >= 1 && del > c.RDiv*c.delp {
		c.delp = del
		return Diverged
	}
	c.delp = del
	return Continue
}

// Config holds solver tuning shared by both iterations.
type Config struct {
	MaxIters         int
	CRDown           float64
	RDiv             float64
	LinearlyImplicit bool
}

// ConfigFrom extracts solver tuning from integrator options.
func ConfigFrom(nc ode.NonlinearConfig) Config {
	return Config{MaxIters: nc.MaxIters, CRDown: nc.CRDown, RDiv: nc.RDiv, LinearlyImplicit: nc.LinearlyImplicit}
}

func (c Config) validate() error {
	if c.MaxIters <= 0 {
		return fmt.Errorf("%w: max iterations must be positive, got %d", ode.ErrIllegalInput, c.MaxIters)
	}
	if c.CRDown <= 0 || c.RDiv <= 1 {
		return fmt.Errorf("%w: need crdown > 0 and rdiv > 1, got %g and %g", ode.ErrIllegalInput, c.CRDown, c.RDiv)
	}
	return nil
}

// Result reports what a solve did.
type Result struct {
	Iters       int
	SetupCalled bool
	JacCurrent  bool // the Jacobian was re-evaluated during this solve
	Rate        float64
}

// Solver solves one System for the correction. On entry zcor holds the
// initial guess (normally zero); on return z == ZPred + zcor. ewt weights the
// convergence norm; tol is the convergence tolerance in that norm.
type Solver interface {
	Solve(sys *System, zcor, z, ewt []float64, tol float64, callSetup, jbad bool) (Result, error)
}
