package butcher

import "math"

// tables maps names to constructors. Unexported to prevent mutation.
var tables = map[string]func() *Table{
	"Forward-Euler-1-1":      forwardEuler,
	"Heun-Euler-2-1-2":       heunEuler,
	"Explicit-Midpoint-2-2":  explicitMidpoint,
	"Heun-3-3":               heun3,
	"Bogacki-Shampine-4-2-3": bogackiShampine,
	"RK4-4-4":                rk4,
	"Backward-Euler-1-1":     backwardEuler,
	"SDIRK-2-1-2":            sdirk212,
	"Trapezoid-ESDIRK-2-1-2": trapezoidESDIRK,
}

// pairs maps names to IMEX pair constructors.
var pairs = map[string]func() *Pair{
	"ARS-2-2-2":          ars222,
	"Euler-IMEX-1-1":     eulerIMEX,
	"Heun-Trapezoid-2-1": heunTrapezoid,
}

func square(s int) [][]float64 {
	a := make([][]float64, s)
	for i := range a {
		a[i] = make([]float64, s)
	}
	return a
}

func forwardEuler() *Table {
	return &Table{Name: "Forward-Euler-1-1", Stages: 1, Q: 1,
		A: [][]float64{{0}}, B: []float64{1}, C: []float64{0}}
}

func heunEuler() *Table {
	t := &Table{Name: "Heun-Euler-2-1-2", Stages: 2, Q: 2, P: 1, A: square(2)}
	t.A[1][0] = 1
	t.C = []float64{0, 1}
	t.B = []float64{0.5, 0.5}
	t.D = []float64{1, 0}
	return t
}

func explicitMidpoint() *Table {
	t := &Table{Name: "Explicit-Midpoint-2-2", Stages: 2, Q: 2, A: square(2)}
	t.A[1][0] = 0.5
	t.C = []float64{0, 0.5}
	t.B = []float64{0, 1}
	return t
}

func heun3() *Table {
	t := &Table{Name: "Heun-3-3", Stages: 3, Q: 3, A: square(3)}
	t.A[1][0] = 1.0 / 3.0
	t.A[2][1] = 2.0 / 3.0
	t.C = []float64{0, 1.0 / 3.0, 2.0 / 3.0}
	t.B = []float64{0.25, 0, 0.75}
	return t
}

func bogackiShampine() *Table {
	t := &Table{Name: "Bogacki-Shampine-4-2-3", Stages: 4, Q: 3, P: 2, A: square(4)}
	t.A[1][0] = 0.5
	t.A[2][1] = 0.75
	t.A[3][0] = 2.0 / 9.0
	t.A[3][1] = 1.0 / 3.0
	t.A[3][2] = 4.0 / 9.0
	t.C = []float64{0, 0.5, 0.75, 1}
	t.B = []float64{2.0 / 9.0, 1.0 / 3.0, 4.0 / 9.0, 0}
	t.D = []float64{7.0 / 24.0, 0.25, 1.0 / 3.0, 0.125}
	return t
}

func rk4() *Table {
	t := &Table{Name: "RK4-4-4", Stages: 4, Q: 4, A: square(4)}
	t.A[1][0] = 0.5
	t.A[2][1] = 0.5
	t.A[3][2] = 1
	t.C = []float64{0, 0.5, 0.5, 1}
	t.B = []float64{1.0 / 6.0, 1.0 / 3.0, 1.0 / 3.0, 1.0 / 6.0}
	return t
}

func backwardEuler() *Table {
	return &Table{Name: "Backward-Euler-1-1", Stages: 1, Q: 1,
		A: [][]float64{{1}}, B: []float64{1}, C: []float64{1}}
}

func sdirk212() *Table {
	t := &Table{Name: "SDIRK-2-1-2", Stages: 2, Q: 2, P: 1, A: square(2)}
	t.A[0][0] = 1
	t.A[1][0] = -1
	t.A[1][1] = 1
	t.C = []float64{1, 0}
	t.B = []float64{0.5, 0.5}
	t.D = []float64{1, 0}
	return t
}

func trapezoidESDIRK() *Table {
	t := &Table{Name: "Trapezoid-ESDIRK-2-1-2", Stages: 2, Q: 2, P: 1, A: square(2)}
	t.A[1][0] = 0.5
	t.A[1][1] = 0.5
	t.C = []float64{0, 1}
	t.B = []float64{0.5, 0.5}
	t.D = []float64{1, 0}
	return t
}

// ars222 is the two-stage, second-order L-stable pair of Ascher, Ruuth and
// Spiteri padded with an explicit first stage.
func ars222() *Pair {
	gamma := 1 - 1/math.Sqrt2
	delta := 1 - 1/(2*gamma)

	e := &Table{Name: "ARS-2-2-2-ERK", Stages: 3, Q: 2, A: square(3)}
	e.A[1][0] = gamma
	e.A[2][0] = delta
	e.A[2][1] = 1 - delta
	e.C = []float64{0, gamma, 1}
	e.B = []float64{delta, 1 - delta, 0}

	i := &Table{Name: "ARS-2-2-2-DIRK", Stages: 3, Q: 2, A: square(3)}
	i.A[1][1] = gamma
	i.A[2][1] = 1 - gamma
	i.A[2][2] = gamma
	i.C = []float64{0, gamma, 1}
	i.B = []float64{0, 1 - gamma, gamma}

	return &Pair{Name: "ARS-2-2-2", Explicit: e, Implicit: i}
}

// eulerIMEX is forward/backward Euler written as a two-stage pair.
func eulerIMEX() *Pair {
	e := &Table{Name: "Euler-IMEX-1-1-ERK", Stages: 2, Q: 1, A: square(2)}
	e.A[1][0] = 1
	e.C = []float64{0, 1}
	e.B = []float64{1, 0}

	i := &Table{Name: "Euler-IMEX-1-1-DIRK", Stages: 2, Q: 1, A: square(2)}
	i.A[1][1] = 1
	i.C = []float64{0, 1}
	i.B = []float64{0, 1}

	return &Pair{Name: "Euler-IMEX-1-1", Explicit: e, Implicit: i}
}

// heunTrapezoid pairs Heun-Euler with the implicit trapezoid rule; both carry
// the first-order Euler embedding.
func heunTrapezoid() *Pair {
	e := heunEuler()
	e.Name = "Heun-Trapezoid-2-1-ERK"
	i := trapezoidESDIRK()
	i.Name = "Heun-Trapezoid-2-1-DIRK"
	i.D = []float64{0, 1}
	return &Pair{Name: "Heun-Trapezoid-2-1", Explicit: e, Implicit: i}
}
