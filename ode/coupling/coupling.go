// Package coupling defines multirate (MRI-GARK) coupling tables: the per-stage
// abscissae and the explicit and implicit coupling matrices from which the
// slow forcing polynomial handed to the inner stepper is built.
//
// A table with Stages stages and NMat coupling matrices describes, for stage
// i over [t+c_{i-1}h, t+c_ih], the forcing
//
//	r(τ) = Σ_k τ^k (1/Δc_i) Σ_j (W_k[i][j]·fE_j + G_k[i][j]·fI_j),  τ ∈ [0,1].
//
// Tables are immutable once validated and may be shared between steppers.
package coupling

import (
	"fmt"
	"math"

	"github.com/mriode/mriode/ode"
)

// Table is an MRI-GARK coupling table.
type Table struct {
	Name           string
	Stages         int
	NMat           int // coupling matrices; the forcing polynomial has at most NMat terms
	Order          int
	EmbeddingOrder int // 0 when there is no embedding

	C []float64

	W [][][]float64 // [NMat][Stages][Stages], nil when there is no explicit slow part
	G [][][]float64 // [NMat][Stages][Stages], nil when there is no implicit slow part

	// Embedding rows replacing the last stage row, [NMat][Stages].
	WEmb [][]float64
	GEmb [][]float64
}

// HasExplicit reports whether the table couples an explicit slow part.
func (t *Table) HasExplicit() bool { return t.W != nil }

// HasImplicit reports whether the table couples an implicit slow part.
func (t *Table) HasImplicit() bool { return t.G != nil }

// HasEmbedding reports whether the table carries an embedding.
func (t *Table) HasEmbedding() bool { return t.WEmb != nil || t.GEmb != nil }

// Validate checks shapes, abscissae, orders and forcing causality: explicit
// coefficients may reference only earlier stages, implicit coefficients
// earlier stages or the stage itself.
func (t *Table) Validate() error {
	s := t.Stages
	if s < 2 {
		return t.invalid("need at least 2 stages, got %d", s)
	}
	if t.NMat < 1 {
		return t.invalid("need at least one coupling matrix, got %d", t.NMat)
	}
	if t.W == nil && t.G == nil {
		return t.invalid("no coupling matrices")
	}
	if t.Order < 1 {
		return t.invalid("order must be positive, got %d", t.Order)
	}
	if len(t.C) != s {
		return t.invalid("%d abscissae for %d stages", len(t.C), s)
	}
	if t.C[0] != 0 || t.C[s-1] != 1 {
		return t.invalid("abscissae must start at 0 and end at 1, got %g and %g", t.C[0], t.C[s-1])
	}
	for i := 1; i < s; i++ {
		if math.IsNaN(t.C[i]) || t.C[i] < t.C[i-1] || t.C[i] > 1 {
			return t.invalid("abscissa %d = %g must be non-decreasing within [0, 1]", i, t.C[i])
		}
	}
	if err := t.checkMatrices("W", t.W, false); err != nil {
		return err
	}
	if err := t.checkMatrices("G", t.G, true); err != nil {
		return err
	}
	if t.HasEmbedding() != (t.EmbeddingOrder > 0) {
		return t.invalid("embedding rows and embedding order %d disagree", t.EmbeddingOrder)
	}
	if err := t.checkEmbedding("WEmb", t.WEmb, t.W, false); err != nil {
		return err
	}
	if err := t.checkEmbedding("GEmb", t.GEmb, t.G, true); err != nil {
		return err
	}
	for i := 1; i < s; i++ {
		if t.hasDiagonal(i, false) && t.Diagonal(i, false) == 0 {
			return t.invalid("stage %d has implicit diagonal terms integrating to zero", i)
		}
	}
	if t.HasEmbedding() && t.hasDiagonal(s-1, true) && t.Diagonal(s-1, true) == 0 {
		return t.invalid("embedding has implicit diagonal terms integrating to zero")
	}
	return nil
}

func (t *Table) checkMatrices(name string, m [][][]float64, diag bool) error {
	if m == nil {
		return nil
	}
	if len(m) != t.NMat {
		return t.invalid("%s has %d matrices, want %d", name, len(m), t.NMat)
	}
	for k, mat := range m {
		if len(mat) != t.Stages {
			return t.invalid("%s[%d] has %d rows, want %d", name, k, len(mat), t.Stages)
		}
		for i, row := range mat {
			if err := t.checkRow(fmt.Sprintf("%s[%d][%d]", name, k, i), row, i, diag); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Table) checkEmbedding(name string, rows [][]float64, main [][][]float64, diag bool) error {
	if rows == nil {
		return nil
	}
	if main == nil {
		return t.invalid("%s given without the matching coupling matrices", name)
	}
	if len(rows) != t.NMat {
		return t.invalid("%s has %d rows, want %d", name, len(rows), t.NMat)
	}
	for k, row := range rows {
		if err := t.checkRow(fmt.Sprintf("%s[%d]", name, k), row, t.Stages-1, diag); err != nil {
			return err
		}
	}
	return nil
}

// checkRow enforces the shape of a row and its causality with respect to the
// stage it computes.
func (t *Table) checkRow(label string, row []float64, stage int, diag bool) error {
	if len(row) != t.Stages {
		return t.invalid("%s has %d entries, want %d", label, len(row), t.Stages)
	}
	for j, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return t.invalid("%s[%d] is not finite", label, j)
		}
		if v == 0 {
			continue
		}
		if stage == 0 {
			return t.invalid("%s: the first stage cannot be coupled", label)
		}
		if j > stage || (j == stage && !diag) {
			return t.invalid("%s references stage %d, which is not yet available at stage %d", label, j, stage)
		}
	}
	return nil
}

func (t *Table) invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ode.ErrInvalidTable, t.Name, fmt.Sprintf(format, args...))
}

// row returns coefficient row i of matrix k in m, or the embedding row when
// emb is set. Nil when m is absent.
func row(m [][][]float64, embRows [][]float64, k, i int, emb bool) []float64 {
	if emb {
		if embRows == nil {
			return nil
		}
		return embRows[k]
	}
	if m == nil {
		return nil
	}
	return m[k][i]
}

// WRow returns the explicit coupling row for stage i (the embedding row when
// emb is set), or nil.
func (t *Table) WRow(k, i int, emb bool) []float64 { return row(t.W, t.WEmb, k, i, emb) }

// GRow returns the implicit coupling row for stage i (the embedding row when
// emb is set), or nil.
func (t *Table) GRow(k, i int, emb bool) []float64 { return row(t.G, t.GEmb, k, i, emb) }

// ForcingTerms returns the number of forcing vectors stage i needs: one more
// than the highest k with a nonzero row entry, or 0 for an all-zero row.
func (t *Table) ForcingTerms(i int, emb bool) int {
	n := 0
	for k := 0; k < t.NMat; k++ {
		if nonzero(t.WRow(k, i, emb)) || nonzero(t.GRow(k, i, emb)) {
			n = k + 1
		}
	}
	return n
}

// Diagonal returns Σ_k G_k[i][i]/(k+1), the integrated implicit diagonal
// coefficient for stage i.
func (t *Table) Diagonal(i int, emb bool) float64 {
	d := 0.0
	for k := 0; k < t.NMat; k++ {
		if r := t.GRow(k, i, emb); r != nil {
			d += r[i] / float64(k+1)
		}
	}
	return d
}

// Integrated returns the integrated coefficients Σ_k X_k[i][j]/(k+1) of the
// explicit and implicit rows for stage i, j < i. Entries are zero where the
// table has no such part.
func (t *Table) Integrated(i int, emb bool) (we, gi []float64) {
	we = make([]float64, i)
	gi = make([]float64, i)
	for k := 0; k < t.NMat; k++ {
		inv := 1 / float64(k+1)
		if r := t.WRow(k, i, emb); r != nil {
			for j := 0; j < i; j++ {
				we[j] += r[j] * inv
			}
		}
		if r := t.GRow(k, i, emb); r != nil {
			for j := 0; j < i; j++ {
				gi[j] += r[j] * inv
			}
		}
	}
	return we, gi
}

// Sources returns the earlier stages whose right-hand sides stage i reads.
func (t *Table) Sources(i int, emb bool) []int {
	var src []int
	for j := 0; j < i; j++ {
		if t.references(i, j, emb) {
			src = append(src, j)
		}
	}
	return src
}

func (t *Table) references(i, j int, emb bool) bool {
	for k := 0; k < t.NMat; k++ {
		if r := t.WRow(k, i, emb); r != nil && r[j] != 0 {
			return true
		}
		if r := t.GRow(k, i, emb); r != nil && r[j] != 0 {
			return true
		}
	}
	return false
}

func nonzero(r []float64) bool {
	for _, v := range r {
		if v != 0 {
			return true
		}
	}
	return false
}
