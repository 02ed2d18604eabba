package problems

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mriode/mriode/ode"
)

// KPRParams parameterizes the Kværnø-Prothero-Robinson problem
//
//	[u']   [G  e] [(u² - 3 - cos t)/(2u)  ]   [sin t/(2u)     ]
//	[v'] = [e  α] [(v² - 2 - cos ωt)/(2v) ] - [ω sin ωt/(2v)  ]
//
// with exact solution u = √(3 + cos t), v = √(2 + cos ωt). The u row is
// slow and stiff when G ≪ 0; the v row oscillates ω times faster.
type KPRParams struct {
	G     float64 `yaml:"g"`
	E     float64 `yaml:"e"`
	Alpha float64 `yaml:"alpha"`
	Omega float64 `yaml:"omega"`
}

// DefaultKPRParams returns G = -100, e = 0.5, α = -1, ω = 20.
func DefaultKPRParams() KPRParams {
	return KPRParams{G: -100, E: 0.5, Alpha: -1, Omega: 20}
}

// NewKPR builds the KPR problem. The slow row is split into the stiff
// coupling (implicit) and the sin t forcing (explicit).
func NewKPR(p KPRParams) *Problem {
	ru := func(t, u float64) float64 { return (u*u - 3 - math.Cos(t)) / (2 * u) }
	rv := func(t, v float64) float64 { return (v*v - 2 - math.Cos(p.Omega*t)) / (2 * v) }
	positive := func(t float64, y []float64) error {
		if y[0] <= 0 || y[1] <= 0 {
			return ode.Recoverable(fmt.Errorf("kpr: state (%g, %g) left the domain at t=%g", y[0], y[1], t))
		}
		return nil
	}
	return &Problem{
		Name:        "kpr",
		Description: fmt.Sprintf("Kvaerno-Prothero-Robinson, G=%g e=%g alpha=%g omega=%g", p.G, p.E, p.Alpha, p.Omega),
		Y0:          []float64{2, math.Sqrt(3)},
		Labels:      []string{"u", "v"},
		FE: func(t float64, y, ydot []float64) error {
			if err := positive(t, y); err != nil {
				return err
			}
			ydot[0] = -math.Sin(t) / (2 * y[0])
			ydot[1] = 0
			return nil
		},
		FI: func(t float64, y, ydot []float64) error {
			if err := positive(t, y); err != nil {
				return err
			}
			ydot[0] = p.G*ru(t, y[0]) + p.E*rv(t, y[1])
			ydot[1] = 0
			return nil
		},
		FF: func(t float64, y, ydot []float64) error {
			if err := positive(t, y); err != nil {
				return err
			}
			ydot[0] = 0
			ydot[1] = p.E*ru(t, y[0]) + p.Alpha*rv(t, y[1]) - p.Omega*math.Sin(p.Omega*t)/(2*y[1])
			return nil
		},
		JacI: func(t float64, y, _ []float64, jac *mat.Dense) error {
			u, v := y[0], y[1]
			jac.Zero()
			jac.Set(0, 0, 0.5*p.G*(1+(3+math.Cos(t))/(u*u)))
			jac.Set(0, 1, 0.5*p.E*(1+(2+math.Cos(p.Omega*t))/(v*v)))
			return nil
		},
		Exact: func(t float64, y []float64) {
			y[0] = math.Sqrt(3 + math.Cos(t))
			y[1] = math.Sqrt(2 + math.Cos(p.Omega*t))
		},
	}
}
