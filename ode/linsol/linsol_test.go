package linsol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/mriode/mriode/ode"
)

// coupledA is the matrix of y' = A y, deliberately non-symmetric.
var coupledA = mat.NewDense(2, 2, []float64{
	-2, 1,
	0.5, -3,
})

func coupledRHS(_ float64, y, ydot []float64) error {
	ydot[0] = -2*y[0] + y[1]
	ydot[1] = 0.5*y[0] - 3*y[1]
	return nil
}

func solveWith(t *testing.T, d *Dense, gamma float64, rhs []float64) []float64 {
	t.Helper()
	z := []float64{1, 1}
	fz := make([]float64, 2)
	require.NoError(t, coupledRHS(0, z, fz))
	_, err := d.Setup(0, z, fz, gamma, 1, false)
	require.NoError(t, err)
	b := append([]float64(nil), rhs...)
	require.NoError(t, d.Solve(0, b, gamma, 1))
	return b
}

func TestDense_DifferenceQuotientJacobian_SolvesIterationSystem(t *testing.T) {
	// GIVEN a linear system and no analytic Jacobian
	d, err := NewDense(2, coupledRHS)
	require.NoError(t, err)

	// WHEN solving (I - γA) x = b
	gamma := 0.1
	x := solveWith(t, d, gamma, []float64{1, 2})

	// THEN (I - γA) x reproduces b
	iter := mat.NewDense(2, 2, nil)
	iter.Scale(-gamma, coupledA)
	iter.Set(0, 0, iter.At(0, 0)+1)
	iter.Set(1, 1, iter.At(1, 1)+1)
	got := mat.NewVecDense(2, nil)
	got.MulVec(iter, mat.NewVecDense(2, x))
	assert.InDelta(t, 1.0, got.AtVec(0), 1e-7)
	assert.InDelta(t, 2.0, got.AtVec(1), 1e-7)
	assert.Equal(t, 2, d.Counters().RHSEvals)
}

func TestDense_AnalyticJacobian_MatchesDifferenceQuotient(t *testing.T) {
	fd, _ := NewDense(2, coupledRHS)
	exact, _ := NewDense(2, coupledRHS, WithJacobian(func(_ float64, _, _ []float64, jac *mat.Dense) error {
		jac.Copy(coupledA)
		return nil
	}))

	x1 := solveWith(t, fd, 0.3, []float64{-1, 4})
	x2 := solveWith(t, exact, 0.3, []float64{-1, 4})

	assert.InDeltaSlice(t, x2, x1, 1e-7)
	assert.Equal(t, 0, exact.Counters().RHSEvals)
}

func TestDense_JacobianReused_UntilMarkedBad(t *testing.T) {
	d, _ := NewDense(2, coupledRHS)
	z, fz := []float64{1, 1}, make([]float64, 2)
	_ = coupledRHS(0, z, fz)

	jcur, err := d.Setup(0, z, fz, 0.1, 1, false)
	require.NoError(t, err)
	assert.True(t, jcur)

	jcur, err = d.Setup(0, z, fz, 0.2, 1, false)
	require.NoError(t, err)
	assert.False(t, jcur, "jacobian should be reused")

	jcur, err = d.Setup(0, z, fz, 0.2, 1, true)
	require.NoError(t, err)
	assert.True(t, jcur)
	assert.Equal(t, 2, d.Counters().JacEvals)
	assert.Equal(t, 3, d.Counters().Setups)
}

func TestDense_SingularIterationMatrix_LinearSetupFailure(t *testing.T) {
	// GIVEN J = I and γ = 1 so that I - γJ = 0
	d, _ := NewDense(1, func(_ float64, y, ydot []float64) error { ydot[0] = y[0]; return nil })

	_, err := d.Setup(0, []float64{1}, []float64{1}, 1, 1, false)

	assert.ErrorIs(t, err, ode.ErrLinearSetup)
	// AND solve refuses to use the failed factorization
	assert.ErrorIs(t, d.Solve(0, []float64{1}, 1, 1), ode.ErrLinearSolve)
}

func TestDense_RecoverableRHSFailure_PassesThrough(t *testing.T) {
	d, _ := NewDense(1, func(float64, []float64, []float64) error {
		return ode.Recoverable(errors.New("domain"))
	})
	_, err := d.Setup(0, []float64{1}, []float64{1}, 0.1, 1, false)
	assert.ErrorIs(t, err, ode.ErrRecoverable)
	assert.NotErrorIs(t, err, ode.ErrLinearSetup)
}

func TestDense_GammaRatio_ScalesSolution(t *testing.T) {
	d, _ := NewDense(2, coupledRHS)
	x := solveWith(t, d, 0.1, []float64{1, 2})
	b := []float64{1, 2}
	require.NoError(t, d.Solve(0, b, 0.12, 1.2))
	assert.InDelta(t, x[0]*2/2.2, b[0], 1e-15)
	assert.InDelta(t, x[1]*2/2.2, b[1], 1e-15)
}

func TestDense_WithMass_FormsMassMinusGammaJ(t *testing.T) {
	// GIVEN M = diag(2, 3) and J = 0
	m, err := NewFixedMass(mat.NewDiagDense(2, []float64{2, 3}))
	require.NoError(t, err)
	d, _ := NewDense(2, func(_ float64, _, ydot []float64) error { ydot[0], ydot[1] = 0, 0; return nil }, WithMass(m))

	_, err = d.Setup(0, []float64{0, 0}, []float64{0, 0}, 0.5, 1, false)
	require.NoError(t, err)
	b := []float64{4, 9}
	require.NoError(t, d.Solve(0, b, 0.5, 1))

	assert.InDeltaSlice(t, []float64{2, 3}, b, 1e-14)
}

func TestNewDense_InvalidArguments(t *testing.T) {
	_, err := NewDense(0, coupledRHS)
	assert.ErrorIs(t, err, ode.ErrIllegalInput)
	_, err = NewDense(2, nil)
	assert.ErrorIs(t, err, ode.ErrIllegalInput)
}

func TestFixedMass_MultAndSolve_AreInverse(t *testing.T) {
	m, err := NewFixedMass(mat.NewDense(2, 2, []float64{4, 1, 2, 3}))
	require.NoError(t, err)
	x := []float64{1.5, -2}
	out := make([]float64, 2)

	require.NoError(t, m.Mult(0, x, out))
	assert.InDeltaSlice(t, []float64{4, -3}, out, 1e-15)
	require.NoError(t, m.Solve(0, out))
	assert.InDeltaSlice(t, x, out, 1e-14)
}

func TestNewFixedMass_Singular_IllegalInput(t *testing.T) {
	_, err := NewFixedMass(mat.NewDense(2, 2, []float64{1, 2, 2, 4}))
	assert.ErrorIs(t, err, ode.ErrIllegalInput)
	_, err = NewFixedMass(mat.NewDense(2, 3, nil))
	assert.ErrorIs(t, err, ode.ErrIllegalInput)
}

func TestTimeDependentMass_CachesPerTime(t *testing.T) {
	// GIVEN M(t) = (1 + t) I
	tm, err := NewTimeDependentMass(2, func(t float64, m *mat.Dense) error {
		m.Zero()
		m.Set(0, 0, 1+t)
		m.Set(1, 1, 1+t)
		return nil
	})
	require.NoError(t, err)
	out := make([]float64, 2)

	// WHEN applied twice at the same time and once at another
	require.NoError(t, tm.Mult(1, []float64{1, 2}, out))
	assert.Equal(t, []float64{2, 4}, out)
	require.NoError(t, tm.Solve(1, out))
	assert.InDeltaSlice(t, []float64{1, 2}, out, 1e-15)
	require.NoError(t, tm.Mult(3, []float64{1, 2}, out))

	// THEN the callback ran once per distinct time
	assert.Equal(t, []float64{4, 8}, out)
	assert.Equal(t, 2, tm.Evals())
}

func TestTimeDependentMass_CallbackFailure_Propagates(t *testing.T) {
	tm, _ := NewTimeDependentMass(1, func(float64, *mat.Dense) error {
		return ode.Recoverable(errors.New("bad t"))
	})
	err := tm.Solve(0, []float64{1})
	assert.ErrorIs(t, err, ode.ErrRecoverable)
}
