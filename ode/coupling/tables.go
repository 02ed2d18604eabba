package coupling

import (
	"fmt"
	"sort"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/butcher"
)

// tables maps names to constructors. Unexported to prevent mutation.
var tables = map[string]func() *Table{
	"MRI-GARK-ERK22a": erk22a,
	"MRI-GARK-ERK22b": erk22b,
	"MRI-GARK-ERK33a": erk33a,
	"MRI-GARK-IRK21a": irk21a,
}

// Lookup returns a fresh copy of the named coupling table. Names of the form
// "MIS-<butcher table>" convert an explicit Butcher table with FromERK.
func Lookup(name string) (*Table, error) {
	if build, ok := tables[name]; ok {
		return build(), nil
	}
	const misPrefix = "MIS-"
	if len(name) > len(misPrefix) && name[:len(misPrefix)] == misPrefix {
		b, err := butcher.Lookup(name[len(misPrefix):])
		if err != nil {
			return nil, err
		}
		return FromERK(b)
	}
	return nil, fmt.Errorf("unknown coupling table %q; valid: %v or MIS-<explicit Butcher table>", name, Names())
}

// Names returns sorted names of the built-in coupling tables.
func Names() []string {
	keys := make([]string, 0, len(tables))
	for k := range tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// zeros allocates nmat square matrices of size s.
func zeros(nmat, s int) [][][]float64 {
	m := make([][][]float64, nmat)
	for k := range m {
		m[k] = make([][]float64, s)
		for i := range m[k] {
			m[k][i] = make([]float64, s)
		}
	}
	return m
}

func zeroRows(nmat, s int) [][]float64 {
	r := make([][]float64, nmat)
	for k := range r {
		r[k] = make([]float64, s)
	}
	return r
}

// FromERK converts an explicit Butcher table with non-decreasing abscissae
// starting at 0 into a multirate infinitesimal step (MIS) coupling table with
// one extra stage at c = 1. With a zero fast right-hand side the result
// reproduces the Butcher method exactly.
func FromERK(b *butcher.Table) (*Table, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if !b.IsExplicit() {
		return nil, fmt.Errorf("%w: %s: MIS conversion needs an explicit table", ode.ErrInvalidTable, b.Name)
	}
	if b.C[0] != 0 {
		return nil, fmt.Errorf("%w: %s: MIS conversion needs c[0] = 0", ode.ErrInvalidTable, b.Name)
	}
	for i := 1; i < b.Stages; i++ {
		if b.C[i] < b.C[i-1] || b.C[i] > 1 {
			return nil, fmt.Errorf("%w: %s: MIS conversion needs non-decreasing abscissae in [0, 1]", ode.ErrInvalidTable, b.Name)
		}
	}

	s := b.Stages + 1
	t := &Table{
		Name:   "MIS-" + b.Name,
		Stages: s,
		NMat:   1,
		Order:  b.Q,
		C:      append(append([]float64(nil), b.C...), 1),
		W:      zeros(1, s),
	}
	w := t.W[0]
	for i := 1; i < b.Stages; i++ {
		for j := 0; j < i; j++ {
			w[i][j] = b.A[i][j] - b.A[i-1][j]
		}
	}
	last := b.A[b.Stages-1]
	for j := 0; j < b.Stages; j++ {
		w[s-1][j] = b.B[j] - last[j]
	}
	if b.HasEmbedding() {
		t.WEmb = zeroRows(1, s)
		for j := 0; j < b.Stages; j++ {
			t.WEmb[0][j] = b.D[j] - last[j]
		}
		t.EmbeddingOrder = b.P
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// erk22a is Sandu's second-order explicit MRI-GARK method with c2 = 1/2.
func erk22a() *Table {
	t := &Table{Name: "MRI-GARK-ERK22a", Stages: 3, NMat: 1, Order: 2,
		C: []float64{0, 0.5, 1}, W: zeros(1, 3)}
	w := t.W[0]
	w[1][0] = 0.5
	w[2][0] = -0.5
	w[2][1] = 1
	return t
}

// erk22b is Sandu's second-order explicit MRI-GARK method with c2 = 1. Its
// embedding drops the final slow correction, giving a first-order estimate.
func erk22b() *Table {
	t := &Table{Name: "MRI-GARK-ERK22b", Stages: 3, NMat: 1, Order: 2, EmbeddingOrder: 1,
		C: []float64{0, 1, 1}, W: zeros(1, 3), WEmb: zeroRows(1, 3)}
	w := t.W[0]
	w[1][0] = 1
	w[2][0] = -0.5
	w[2][1] = 0.5
	return t
}

// erk33a is Sandu's third-order explicit MRI-GARK method. The embedding is
// second order in its slow part.
func erk33a() *Table {
	t := &Table{Name: "MRI-GARK-ERK33a", Stages: 4, NMat: 2, Order: 3, EmbeddingOrder: 2,
		C: []float64{0, 1.0 / 3.0, 2.0 / 3.0, 1}, W: zeros(2, 4), WEmb: zeroRows(2, 4)}
	w0, w1 := t.W[0], t.W[1]
	w0[1][0] = 1.0 / 3.0
	w0[2][0] = -1.0 / 3.0
	w0[2][1] = 2.0 / 3.0
	w0[3][1] = -2.0 / 3.0
	w0[3][2] = 1
	w1[3][0] = 0.5
	w1[3][2] = -0.5
	t.WEmb[0][0] = -0.5
	t.WEmb[0][1] = 5.0 / 6.0
	return t
}

// irk21a is Sandu's second-order solve-decoupled implicit MRI-GARK method:
// an explicit fast stage followed by a trapezoidal slow correction.
func irk21a() *Table {
	t := &Table{Name: "MRI-GARK-IRK21a", Stages: 3, NMat: 1, Order: 2,
		C: []float64{0, 1, 1}, G: zeros(1, 3)}
	g := t.G[0]
	g[1][0] = 1
	g[2][0] = -0.5
	g[2][2] = 0.5
	return t
}
