package problems

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// StiffPairParams parameterizes
//
//	u' = -u + v          (explicit)
//	v' = K(v - cos t) - sin t   (implicit)
//
// with u(0) = v(0) = 1 and exact solution v = cos t,
// u = (cos t + sin t)/2 + e^{-t}/2.
type StiffPairParams struct {
	K float64 `yaml:"k"`
}

// DefaultStiffPairParams returns K = -1000.
func DefaultStiffPairParams() StiffPairParams {
	return StiffPairParams{K: -1000}
}

// NewStiffPair builds the stiff linear pair. It has no fast part.
func NewStiffPair(p StiffPairParams) *Problem {
	return &Problem{
		Name:        "stiffpair",
		Description: fmt.Sprintf("u' = -u + v, v' = %g (v - cos t) - sin t", p.K),
		Y0:          []float64{1, 1},
		Labels:      []string{"u", "v"},
		FE: func(_ float64, y, ydot []float64) error {
			ydot[0] = -y[0] + y[1]
			ydot[1] = 0
			return nil
		},
		FI: func(t float64, y, ydot []float64) error {
			ydot[0] = 0
			ydot[1] = p.K*(y[1]-math.Cos(t)) - math.Sin(t)
			return nil
		},
		JacI: func(_ float64, _, _ []float64, jac *mat.Dense) error {
			jac.Zero()
			jac.Set(1, 1, p.K)
			return nil
		},
		Exact: func(t float64, y []float64) {
			y[0] = 0.5*(math.Cos(t)+math.Sin(t)) + 0.5*math.Exp(-t)
			y[1] = math.Cos(t)
		},
	}
}
