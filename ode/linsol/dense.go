// Package linsol provides dense linear solvers for the Newton iteration
// matrix M(t) − γJ and dense mass-matrix operators, built on gonum/mat.
package linsol

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/nvector"
)

// maxCondition is the largest condition-number estimate accepted at setup.
const maxCondition = 1e14

// JacobianFunc fills jac with ∂f/∂y at (t, y), where fy = f(t, y).
type JacobianFunc func(t float64, y, fy []float64, jac *mat.Dense) error

// MassSource fills m with the mass matrix at t.
type MassSource interface {
	Matrix(t float64, m *mat.Dense) error
}

// Counters reports the work a Dense solver performed.
type Counters struct {
	Setups   int
	JacEvals int
	RHSEvals int // right-hand-side evaluations spent on difference quotients
	Solves   int
}

// Dense is a direct solver for M − γJ with LU factorization. The Jacobian
// is kept across setups until a setup asks for a fresh one.
type Dense struct {
	n     int
	f     ode.RHSFunc
	jacFn JacobianFunc
	mass  MassSource

	jac    *mat.Dense
	a      *mat.Dense
	lu     mat.LU
	jacOK  bool
	factor bool

	ytmp, ftmp []float64
	x          *mat.VecDense

	counters Counters
}

// DenseOption customizes a Dense solver.
type DenseOption func(*Dense)

// WithJacobian supplies an analytic Jacobian. Without one the Jacobian is
// approximated by forward differences of f.
func WithJacobian(fn JacobianFunc) DenseOption {
	return func(d *Dense) { d.jacFn = fn }
}

// WithMass forms M(t) − γJ instead of I − γJ.
func WithMass(m MassSource) DenseOption {
	return func(d *Dense) { d.mass = m }
}

// NewDense creates a solver for systems of size n whose Jacobian is that of f.
func NewDense(n int, f ode.RHSFunc, opts ...DenseOption) (*Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: system size must be positive, got %d", ode.ErrIllegalInput, n)
	}
	d := &Dense{
		n:    n,
		f:    f,
		jac:  mat.NewDense(n, n, nil),
		a:    mat.NewDense(n, n, nil),
		ytmp: nvector.New(n),
		ftmp: nvector.New(n),
		x:    mat.NewVecDense(n, nil),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.f == nil && d.jacFn == nil {
		return nil, fmt.Errorf("%w: dense solver needs a right-hand side or a Jacobian", ode.ErrIllegalInput)
	}
	return d, nil
}

// Counters returns the work counters.
func (d *Dense) Counters() Counters { return d.counters }

// Setup implements nls.LinearSolver.
func (d *Dense) Setup(t float64, z, fz []float64, gamma, _ float64, jbad bool) (bool, error) {
	if len(z) != d.n {
		return false, fmt.Errorf("%w: state length %d, solver size %d", ode.ErrIllegalInput, len(z), d.n)
	}
	d.counters.Setups++
	d.factor = false
	jcur := false
	if jbad || !d.jacOK {
		if err := d.evalJacobian(t, z, fz); err != nil {
			d.jacOK = false
			return false, err
		}
		d.jacOK = true
		jcur = true
	}

	if d.mass != nil {
		if err := d.mass.Matrix(t, d.a); err != nil {
			return jcur, fmt.Errorf("mass matrix at t=%g: %w", t, err)
		}
	} else {
		d.a.Zero()
		for i := 0; i < d.n; i++ {
			d.a.Set(i, i, 1)
		}
	}
	for i := 0; i < d.n; i++ {
		for k := 0; k < d.n; k++ {
			d.a.Set(i, k, d.a.At(i, k)-gamma*d.jac.At(i, k))
		}
	}

	d.lu.Factorize(d.a)
	if cond := d.lu.Cond(); math.IsInf(cond, 0) || math.IsNaN(cond) || cond > maxCondition {
		return jcur, fmt.Errorf("%w: iteration matrix singular at t=%g (condition %.3e)", ode.ErrLinearSetup, t, cond)
	}
	d.factor = true
	logrus.Debugf("linsol: setup at t=%g gamma=%g fresh jacobian=%v", t, gamma, jcur)
	return jcur, nil
}

func (d *Dense) evalJacobian(t float64, z, fz []float64) error {
	d.counters.JacEvals++
	if d.jacFn != nil {
		if err := d.jacFn(t, z, fz, d.jac); err != nil {
			return fmt.Errorf("jacobian at t=%g: %w", t, err)
		}
		return nil
	}
	sqrtEps := math.Sqrt(2.220446049250313e-16)
	nvector.Copy(z, d.ytmp)
	for j := 0; j < d.n; j++ {
		inc := sqrtEps * math.Max(math.Abs(z[j]), 1)
		d.ytmp[j] = z[j] + inc
		d.counters.RHSEvals++
		if err := d.f(t, d.ytmp, d.ftmp); err != nil {
			return fmt.Errorf("difference-quotient jacobian at t=%g: %w", t, err)
		}
		d.ytmp[j] = z[j]
		for i := 0; i < d.n; i++ {
			d.jac.Set(i, j, (d.ftmp[i]-fz[i])/inc)
		}
	}
	return nil
}

// Solve implements nls.LinearSolver. A gamma ratio other than 1 scales the
// solution by 2/(1+gamrat) to compensate for a stale factorization.
func (d *Dense) Solve(t float64, b []float64, _, gamrat float64) error {
	if !d.factor {
		return fmt.Errorf("%w: solve at t=%g without a successful setup", ode.ErrLinearSolve, t)
	}
	d.counters.Solves++
	bv := mat.NewVecDense(d.n, b)
	if err := d.lu.SolveVecTo(d.x, false, bv); err != nil {
		return fmt.Errorf("%w: %v", ode.ErrLinearSolve, err)
	}
	copy(b, d.x.RawVector().Data)
	if gamrat != 1 {
		nvector.Scale(2/(1+gamrat), b, b)
	}
	if !nvector.IsFinite(b) {
		return fmt.Errorf("%w: non-finite solution at t=%g", ode.ErrLinearSolve, t)
	}
	return nil
}
