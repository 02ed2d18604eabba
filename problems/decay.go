package problems

import (
	"fmt"
	"math"
)

// DecayParams parameterizes the scalar linear decay y' = (slow + fast)·y.
type DecayParams struct {
	Slow float64 `yaml:"slow"`
	Fast float64 `yaml:"fast"`
	Y0   float64 `yaml:"y0"`
}

// DefaultDecayParams returns slow = -1, fast = -10, y0 = 1.
func DefaultDecayParams() DecayParams {
	return DecayParams{Slow: -1, Fast: -10, Y0: 1}
}

// NewDecay builds the linear decay problem. The slow rate is explicit.
func NewDecay(p DecayParams) *Problem {
	return &Problem{
		Name:        "decay",
		Description: fmt.Sprintf("y' = (%g + %g) y", p.Slow, p.Fast),
		Y0:          []float64{p.Y0},
		Labels:      []string{"y"},
		FE: func(_ float64, y, ydot []float64) error {
			ydot[0] = p.Slow * y[0]
			return nil
		},
		FF: func(_ float64, y, ydot []float64) error {
			ydot[0] = p.Fast * y[0]
			return nil
		},
		Exact: func(t float64, y []float64) {
			y[0] = p.Y0 * math.Exp((p.Slow+p.Fast)*t)
		},
	}
}
