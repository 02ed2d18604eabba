// Package testutil provides shared test infrastructure for the integrator
// packages: instrumented right-hand sides, reference problems and assertion
// helpers used across ode/ sub-package tests.
package testutil

import (
	"math"
	"testing"

	"github.com/mriode/mriode/ode"
)

// CountingRHS wraps an RHSFunc and records every call. Fail, when set, is
// consulted before each evaluation and may return an error to inject.
type CountingRHS struct {
	F     ode.RHSFunc
	Fail  func(t float64, call int) error
	Calls int
	Times []float64
}

// Eval is an ode.RHSFunc.
func (c *CountingRHS) Eval(t float64, y, ydot []float64) error {
	c.Calls++
	c.Times = append(c.Times, t)
	if c.Fail != nil {
		if err := c.Fail(t, c.Calls); err != nil {
			return err
		}
	}
	return c.F(t, y, ydot)
}

// CallsAt returns how many calls were made at time t.
func (c *CountingRHS) CallsAt(t float64) int {
	n := 0
	for _, tt := range c.Times {
		if tt == t {
			n++
		}
	}
	return n
}

// Linear returns y' = λy componentwise.
func Linear(lambda float64) ode.RHSFunc {
	return func(_ float64, y, ydot []float64) error {
		for i := range y {
			ydot[i] = lambda * y[i]
		}
		return nil
	}
}

// Zero returns y' = 0.
func Zero() ode.RHSFunc {
	return func(_ float64, _, ydot []float64) error {
		for i := range ydot {
			ydot[i] = 0
		}
		return nil
	}
}

// HeunGrowth is the amplification factor of Heun's method on y' = λy.
func HeunGrowth(z float64) float64 { return 1 + z + z*z/2 }

// TrapezoidGrowth is the amplification factor of the trapezoidal rule on
// y' = λy.
func TrapezoidGrowth(z float64) float64 { return (1 + z/2) / (1 - z/2) }

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertVectorsClose compares vectors componentwise with a mixed tolerance
// |want-got| <= absTol + relTol*|want|.
func AssertVectorsClose(t *testing.T, name string, want, got []float64, relTol, absTol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("%s: length %d, want %d", name, len(got), len(want))
	}
	for i := range want {
		if math.Abs(want[i]-got[i]) > absTol+relTol*math.Abs(want[i]) {
			t.Errorf("%s[%d]: got %v, want %v", name, i, got[i], want[i])
		}
	}
}

// ObservedOrder estimates the convergence order from errors at step sizes h
// and h/ratio.
func ObservedOrder(errCoarse, errFine, ratio float64) float64 {
	return math.Log(errCoarse/errFine) / math.Log(ratio)
}
