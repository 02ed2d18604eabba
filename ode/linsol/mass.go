package linsol

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mriode/mriode/ode"
)

// FixedMass is a constant dense mass matrix, factored once.
type FixedMass struct {
	m  *mat.Dense
	lu mat.LU
	x  *mat.VecDense
}

// NewFixedMass copies m and factors it.
func NewFixedMass(m mat.Matrix) (*FixedMass, error) {
	r, c := m.Dims()
	if r != c || r == 0 {
		return nil, fmt.Errorf("%w: mass matrix must be square and non-empty, got %dx%d", ode.ErrIllegalInput, r, c)
	}
	fm := &FixedMass{m: mat.DenseCopyOf(m), x: mat.NewVecDense(r, nil)}
	fm.lu.Factorize(fm.m)
	if cond := fm.lu.Cond(); math.IsInf(cond, 0) || cond > maxCondition {
		return nil, fmt.Errorf("%w: mass matrix is singular (condition %.3e)", ode.ErrIllegalInput, cond)
	}
	return fm, nil
}

// Mult implements nls.MassMatrix.
func (fm *FixedMass) Mult(_ float64, x, out []float64) error {
	return mult(fm.m, x, out)
}

// Solve implements nls.MassMatrix.
func (fm *FixedMass) Solve(_ float64, b []float64) error {
	return luSolve(&fm.lu, fm.x, b)
}

// Matrix implements MassSource.
func (fm *FixedMass) Matrix(_ float64, m *mat.Dense) error {
	m.Copy(fm.m)
	return nil
}

// MassFunc fills m with M(t).
type MassFunc func(t float64, m *mat.Dense) error

// TimeDependentMass evaluates M(t) through a callback and caches the
// matrix and its factorization for the most recent t.
type TimeDependentMass struct {
	fn MassFunc
	m  *mat.Dense
	lu mat.LU
	x  *mat.VecDense

	t        float64
	have     bool
	factored bool
	evals    int
}

// NewTimeDependentMass wraps fn for systems of size n.
func NewTimeDependentMass(n int, fn MassFunc) (*TimeDependentMass, error) {
	if n <= 0 || fn == nil {
		return nil, fmt.Errorf("%w: time-dependent mass needs a size and a callback", ode.ErrIllegalInput)
	}
	return &TimeDependentMass{fn: fn, m: mat.NewDense(n, n, nil), x: mat.NewVecDense(n, nil)}, nil
}

// Evals returns the number of callback evaluations.
func (tm *TimeDependentMass) Evals() int { return tm.evals }

func (tm *TimeDependentMass) at(t float64) error {
	if tm.have && tm.t == t {
		return nil
	}
	tm.evals++
	if err := tm.fn(t, tm.m); err != nil {
		tm.have = false
		return fmt.Errorf("mass matrix at t=%g: %w", t, err)
	}
	tm.t, tm.have, tm.factored = t, true, false
	return nil
}

// Mult implements nls.MassMatrix.
func (tm *TimeDependentMass) Mult(t float64, x, out []float64) error {
	if err := tm.at(t); err != nil {
		return err
	}
	return mult(tm.m, x, out)
}

// Solve implements nls.MassMatrix.
func (tm *TimeDependentMass) Solve(t float64, b []float64) error {
	if err := tm.at(t); err != nil {
		return err
	}
	if !tm.factored {
		tm.lu.Factorize(tm.m)
		if cond := tm.lu.Cond(); math.IsInf(cond, 0) || cond > maxCondition {
			return fmt.Errorf("%w: mass matrix singular at t=%g", ode.ErrLinearSolve, t)
		}
		tm.factored = true
	}
	return luSolve(&tm.lu, tm.x, b)
}

// Matrix implements MassSource.
func (tm *TimeDependentMass) Matrix(t float64, m *mat.Dense) error {
	if err := tm.at(t); err != nil {
		return err
	}
	m.Copy(tm.m)
	return nil
}

func mult(m *mat.Dense, x, out []float64) error {
	n, _ := m.Dims()
	if len(x) != n || len(out) != n {
		return fmt.Errorf("%w: vector length %d/%d, matrix size %d", ode.ErrIllegalInput, len(x), len(out), n)
	}
	dst := mat.NewVecDense(n, out)
	dst.MulVec(m, mat.NewVecDense(n, x))
	return nil
}

func luSolve(lu *mat.LU, scratch *mat.VecDense, b []float64) error {
	if err := lu.SolveVecTo(scratch, false, mat.NewVecDense(len(b), b)); err != nil {
		return fmt.Errorf("%w: %v", ode.ErrLinearSolve, err)
	}
	copy(b, scratch.RawVector().Data)
	return nil
}
