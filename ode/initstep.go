package ode

import (
	"math"

	"github.com/mriode/mriode/ode/nvector"
)

// estimateInitialStep guesses a first step from the right-hand side at the
// initial point, one explicit Euler probe, and the method order.
func estimateInitialStep(s Stepper, t float64, y, f []float64, ewt []float64, order int, hmax float64) (float64, error) {
	n := len(y)
	if n == 0 {
		return 1e-6, nil
	}
	y2, f2 := nvector.New(n), nvector.New(n)

	dnf := nvector.WRMSNorm(f, ewt)
	dny := nvector.WRMSNorm(y, ewt)

	var h float64
	if math.Min(dnf, dny) < 1e-5 {
		h = 1e-6
	} else {
		h = 1e-2 * dny / dnf
	}
	if hmax > 0 {
		h = math.Min(h, hmax)
	}

	// explicit Euler probe
	nvector.LinearSum(1, y, h, f, y2)
	if err := s.FullRHS(t+h, y2, f2, RHSFromScratch); err != nil {
		return 0, err
	}
	nvector.LinearSum(1, f2, -1, f, f2)

	// estimate for the second derivative
	der2 := nvector.WRMSNorm(f2, ewt) / h
	der12 := math.Max(der2, dnf)

	var h1 float64
	if der12 <= 1e-15 {
		h1 = math.Max(1e-6, h*1e-3)
	} else {
		h1 = math.Pow(1e-2/der12, 1/float64(order+1))
	}
	h = math.Min(1e2*h, h1)
	if hmax > 0 {
		h = math.Min(h, hmax)
	}
	return h, nil
}
