// Package butcher holds single-rate Runge-Kutta tables: explicit, diagonally
// implicit, and additive (IMEX) pairs. Tables are immutable once returned by
// a lookup; callers that need to modify one must Clone it.
package butcher

import (
	"fmt"
	"math"
	"sort"

	"github.com/mriode/mriode/ode"
)

// Table is a Butcher tableau with an optional embedding.
type Table struct {
	Name   string
	Stages int
	Q      int // method order
	P      int // embedding order, 0 if there is no embedding
	A      [][]float64
	B      []float64
	C      []float64
	D      []float64 // embedding weights, nil if none
}

// HasEmbedding reports whether the table carries embedding weights.
func (t *Table) HasEmbedding() bool { return len(t.D) > 0 }

// IsExplicit reports whether A is strictly lower triangular.
func (t *Table) IsExplicit() bool {
	for i := range t.A {
		for j := i; j < len(t.A[i]); j++ {
			if t.A[i][j] != 0 {
				return false
			}
		}
	}
	return true
}

// IsDiagonallyImplicit reports whether A is lower triangular.
func (t *Table) IsDiagonallyImplicit() bool {
	for i := range t.A {
		for j := i + 1; j < len(t.A[i]); j++ {
			if t.A[i][j] != 0 {
				return false
			}
		}
	}
	return true
}

// Validate checks shapes and the row-sum and weight-sum conditions.
func (t *Table) Validate() error {
	s := t.Stages
	if s < 1 {
		return fmt.Errorf("%w: %s: stage count must be positive, got %d", ode.ErrInvalidTable, t.Name, s)
	}
	if len(t.A) != s || len(t.B) != s || len(t.C) != s {
		return fmt.Errorf("%w: %s: A, B, C must have %d entries", ode.ErrInvalidTable, t.Name, s)
	}
	for i, row := range t.A {
		if len(row) != s {
			return fmt.Errorf("%w: %s: row %d of A has %d entries, want %d", ode.ErrInvalidTable, t.Name, i, len(row), s)
		}
		sum := 0.0
		for _, a := range row {
			sum += a
		}
		if math.Abs(sum-t.C[i]) > 1e-12 {
			return fmt.Errorf("%w: %s: row %d of A sums to %g, abscissa is %g", ode.ErrInvalidTable, t.Name, i, sum, t.C[i])
		}
	}
	if !t.IsDiagonallyImplicit() {
		return fmt.Errorf("%w: %s: fully implicit tables are not supported", ode.ErrInvalidTable, t.Name)
	}
	if d := math.Abs(sumOf(t.B) - 1); d > 1e-12 {
		return fmt.Errorf("%w: %s: weights do not sum to 1", ode.ErrInvalidTable, t.Name)
	}
	if t.HasEmbedding() {
		if len(t.D) != s {
			return fmt.Errorf("%w: %s: embedding has %d entries, want %d", ode.ErrInvalidTable, t.Name, len(t.D), s)
		}
		if d := math.Abs(sumOf(t.D) - 1); d > 1e-12 {
			return fmt.Errorf("%w: %s: embedding weights do not sum to 1", ode.ErrInvalidTable, t.Name)
		}
		if t.P <= 0 {
			return fmt.Errorf("%w: %s: embedding present but embedding order is %d", ode.ErrInvalidTable, t.Name, t.P)
		}
	}
	if t.Q <= 0 {
		return fmt.Errorf("%w: %s: order must be positive, got %d", ode.ErrInvalidTable, t.Name, t.Q)
	}
	return nil
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	c := *t
	c.A = make([][]float64, len(t.A))
	for i := range t.A {
		c.A[i] = append([]float64(nil), t.A[i]...)
	}
	c.B = append([]float64(nil), t.B...)
	c.C = append([]float64(nil), t.C...)
	if t.D != nil {
		c.D = append([]float64(nil), t.D...)
	}
	return &c
}

// Pair is an additive Runge-Kutta pair: an explicit table for the non-stiff
// part and a diagonally implicit table for the stiff part, sharing stages
// and abscissae.
type Pair struct {
	Name     string
	Explicit *Table
	Implicit *Table
}

// Validate checks both tables and their compatibility.
func (p *Pair) Validate() error {
	if p.Explicit == nil || p.Implicit == nil {
		return fmt.Errorf("%w: %s: pair needs both tables", ode.ErrInvalidTable, p.Name)
	}
	if err := p.Explicit.Validate(); err != nil {
		return err
	}
	if err := p.Implicit.Validate(); err != nil {
		return err
	}
	if !p.Explicit.IsExplicit() {
		return fmt.Errorf("%w: %s: explicit table %s is not explicit", ode.ErrInvalidTable, p.Name, p.Explicit.Name)
	}
	if p.Explicit.Stages != p.Implicit.Stages {
		return fmt.Errorf("%w: %s: stage counts differ (%d vs %d)", ode.ErrInvalidTable, p.Name, p.Explicit.Stages, p.Implicit.Stages)
	}
	for i := range p.Explicit.C {
		if math.Abs(p.Explicit.C[i]-p.Implicit.C[i]) > 1e-12 {
			return fmt.Errorf("%w: %s: abscissa %d differs between tables", ode.ErrInvalidTable, p.Name, i)
		}
	}
	if p.Explicit.HasEmbedding() != p.Implicit.HasEmbedding() {
		return fmt.Errorf("%w: %s: only one table carries an embedding", ode.ErrInvalidTable, p.Name)
	}
	return nil
}

// Lookup returns a fresh copy of the named table.
func Lookup(name string) (*Table, error) {
	build, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown Butcher table %q; valid: %v", name, Names())
	}
	return build(), nil
}

// LookupPair returns a fresh copy of the named IMEX pair.
func LookupPair(name string) (*Pair, error) {
	build, ok := pairs[name]
	if !ok {
		return nil, fmt.Errorf("unknown IMEX pair %q; valid: %v", name, PairNames())
	}
	return build(), nil
}

// Names returns sorted table names.
func Names() []string { return sortedKeys(tables) }

// PairNames returns sorted IMEX pair names.
func PairNames() []string { return sortedKeys(pairs) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sumOf(x []float64) float64 {
	s := 0.0
	for _, v := range x {
		s += v
	}
	return s
}
