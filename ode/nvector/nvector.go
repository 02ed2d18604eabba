// Package nvector provides the state-vector operations the integrators are
// written against. Vectors are plain []float64; the arithmetic kernels are
// delegated to gonum's floats package.
package nvector

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// New allocates a zeroed vector of length n.
// Panics on negative n.
func New(n int) []float64 {
	if n < 0 {
		panic(fmt.Sprintf("nvector: length must be >= 0, got %d", n))
	}
	return make([]float64, n)
}

// NewArray allocates count zeroed vectors of length n.
func NewArray(count, n int) [][]float64 {
	out := make([][]float64, count)
	for i := range out {
		out[i] = New(n)
	}
	return out
}

// Clone returns a copy of x.
func Clone(x []float64) []float64 {
	c := make([]float64, len(x))
	copy(c, x)
	return c
}

// Copy copies src into dst. Lengths must match.
func Copy(src, dst []float64) {
	checkLen(src, dst)
	copy(dst, src)
}

// Const sets every entry of z to c.
func Const(c float64, z []float64) {
	for i := range z {
		z[i] = c
	}
}

// Scale computes z = c*x. z may alias x.
func Scale(c float64, x, z []float64) {
	checkLen(x, z)
	floats.ScaleTo(z, c, x)
}

// LinearSum computes z = a*x + b*y. z may alias x or y.
//
// The unit-coefficient cases route through a single fused kernel so that
// z = x + y is reproduced bit for bit by any caller using the same form.
func LinearSum(a float64, x []float64, b float64, y, z []float64) {
	checkLen(x, y)
	checkLen(x, z)
	switch {
	case a == 1:
		floats.AddScaledTo(z, x, b, y)
	case b == 1:
		floats.AddScaledTo(z, y, a, x)
	default:
		for i := range z {
			z[i] = a*x[i] + b*y[i]
		}
	}
}

// LinearCombination computes z = sum_i c[i]*xs[i].
// z may alias xs[0] but no other entry of xs.
func LinearCombination(c []float64, xs [][]float64, z []float64) {
	if len(c) != len(xs) {
		panic(fmt.Sprintf("nvector: %d coefficients for %d vectors", len(c), len(xs)))
	}
	if len(c) == 0 {
		Const(0, z)
		return
	}
	Scale(c[0], xs[0], z)
	for i := 1; i < len(c); i++ {
		if c[i] == 0 {
			continue
		}
		checkLen(xs[i], z)
		floats.AddScaled(z, c[i], xs[i])
	}
}

// AddScaled computes z += a*x.
func AddScaled(a float64, x, z []float64) {
	checkLen(x, z)
	floats.AddScaled(z, a, x)
}

// Dot returns the inner product of x and y.
func Dot(x, y []float64) float64 {
	checkLen(x, y)
	return floats.Dot(x, y)
}

// MaxNorm returns max_i |x_i|.
func MaxNorm(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Norm(x, math.Inf(1))
}

// WRMSNorm returns the weighted root-mean-square norm sqrt(sum (x_i*w_i)^2 / n).
func WRMSNorm(x, w []float64) float64 {
	checkLen(x, w)
	if len(x) == 0 {
		return 0
	}
	sum := 0.0
	for i, v := range x {
		p := v * w[i]
		sum += p * p
	}
	return math.Sqrt(sum / float64(len(x)))
}

// ErrorWeights fills w with 1/(rtol*|y_i| + atol_i). atol has either one
// entry (scalar tolerance) or len(y) entries. Returns an error if any
// weight would be non-positive or infinite.
func ErrorWeights(y []float64, rtol float64, atol []float64, w []float64) error {
	checkLen(y, w)
	if len(atol) != 1 && len(atol) != len(y) {
		return fmt.Errorf("absolute tolerance has %d entries, want 1 or %d", len(atol), len(y))
	}
	for i, v := range y {
		a := atol[0]
		if len(atol) > 1 {
			a = atol[i]
		}
		d := rtol*math.Abs(v) + a
		if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return fmt.Errorf("error weight %d is undefined (rtol=%g, atol=%g, y=%g)", i, rtol, a, v)
		}
		w[i] = 1 / d
	}
	return nil
}

// IsFinite reports whether every entry of x is finite.
func IsFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func checkLen(x, y []float64) {
	if len(x) != len(y) {
		panic(fmt.Sprintf("nvector: length mismatch %d != %d", len(x), len(y)))
	}
}
