package nls

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/nvector"
)

// diagLS is a linear solver for problems with a diagonal Jacobian and a
// diagonal mass matrix.
type diagLS struct {
	jac    func(t float64, z []float64) []float64
	mass   []float64 // nil means identity
	a      []float64
	setups int
	jbad   []bool
}

func (d *diagLS) Setup(t float64, z, _ []float64, gamma, _ float64, jbad bool) (bool, error) {
	d.setups++
	d.jbad = append(d.jbad, jbad)
	j := d.jac(t, z)
	d.a = make([]float64, len(z))
	for i := range z {
		m := 1.0
		if d.mass != nil {
			m = d.mass[i]
		}
		d.a[i] = m - gamma*j[i]
		if d.a[i] == 0 {
			return true, fmt.Errorf("%w: zero pivot %d", ode.ErrLinearSetup, i)
		}
	}
	return true, nil
}

func (d *diagLS) Solve(_ float64, b []float64, _, gamrat float64) error {
	for i := range b {
		b[i] /= d.a[i]
	}
	if gamrat != 1 {
		nvector.Scale(2/(1+gamrat), b, b)
	}
	return nil
}

// diagMass is a constant diagonal mass matrix.
type diagMass []float64

func (m diagMass) Mult(_ float64, x, out []float64) error {
	for i := range x {
		out[i] = m[i] * x[i]
	}
	return nil
}

func (m diagMass) Solve(_ float64, b []float64) error {
	for i := range b {
		b[i] /= m[i]
	}
	return nil
}

func defaultConfig() Config {
	return Config{MaxIters: 3, CRDown: 0.3, RDiv: 2.3}
}

func ones(n int) []float64 {
	w := make([]float64, n)
	nvector.Const(1, w)
	return w
}

// cubicSystem is the stage equation for y' = -y³ - y with backward Euler.
func cubicSystem(gamma float64, y0 []float64) *System {
	return &System{
		T:     0.1,
		Gamma: gamma,
		ZPred: nvector.Clone(y0),
		SData: make([]float64, len(y0)),
		Fi: func(_ float64, y, ydot []float64) error {
			for i, v := range y {
				ydot[i] = -v*v*v - v
			}
			return nil
		},
	}
}

func cubicJac(_ float64, z []float64) []float64 {
	j := make([]float64, len(z))
	for i, v := range z {
		j[i] = -3*v*v - 1
	}
	return j
}

func TestNewton_IdentityInvariant_HoldsAtEveryEvaluation(t *testing.T) {
	// GIVEN a nonlinear stage equation whose RHS checks z == zpred + zcor
	y0 := []float64{1.0, 0.5, -0.25}
	sys := cubicSystem(0.1, y0)
	zcor := make([]float64, 3)
	z := make([]float64, 3)
	expected := make([]float64, 3)
	inner := sys.Fi
	evals := 0
	sys.Fi = func(tt float64, y, ydot []float64) error {
		evals++
		nvector.LinearSum(1, sys.ZPred, 1, zcor, expected)
		assert.Equal(t, expected, y, "stage value differs from zpred+zcor at evaluation %d", evals)
		return inner(tt, y, ydot)
	}
	solver, err := NewNewton(Config{MaxIters: 10, CRDown: 0.3, RDiv: 2.3}, &diagLS{jac: cubicJac})
	require.NoError(t, err)

	// WHEN solved
	res, err := solver.Solve(sys, zcor, z, ones(3), 1e-6, true, false)

	// THEN it converges and the identity holds after the solve
	require.NoError(t, err)
	assert.True(t, res.SetupCalled)
	assert.Greater(t, evals, 1)
	nvector.LinearSum(1, sys.ZPred, 1, zcor, expected)
	assert.Equal(t, expected, z)
	// and z solves z = y0 + γF(z)
	f := make([]float64, 3)
	require.NoError(t, inner(0, z, f))
	for i := range z {
		assert.InDelta(t, y0[i]+0.1*f[i], z[i], 1e-8)
	}
}

func TestNewton_IdentityInvariant_HoldsAfterFailedSolve(t *testing.T) {
	// GIVEN a linear solver with a badly wrong Jacobian so the iteration diverges
	sys := cubicSystem(2.0, []float64{3.0})
	bad := &diagLS{jac: func(float64, []float64) []float64 { return []float64{10} }}
	solver, err := NewNewton(Config{MaxIters: 10, CRDown: 0.3, RDiv: 2.3}, bad)
	require.NoError(t, err)
	zcor, z := make([]float64, 1), make([]float64, 1)

	// WHEN solved
	_, err = solver.Solve(sys, zcor, z, ones(1), 1e-10, true, false)

	// THEN the solve fails with a convergence error and the identity still holds
	require.Error(t, err)
	assert.ErrorIs(t, err, ode.ErrConvergence)
	expected := make([]float64, 1)
	nvector.LinearSum(1, sys.ZPred, 1, zcor, expected)
	assert.Equal(t, expected, z)
}

func TestNewton_LinearProblem_ConvergesInTwoIterations(t *testing.T) {
	// GIVEN y' = λy with the exact Jacobian
	lambda := -20.0
	sys := &System{
		T: 0, Gamma: 0.05, ZPred: []float64{1}, SData: []float64{0},
		Fi: func(_ float64, y, ydot []float64) error { ydot[0] = lambda * y[0]; return nil },
	}
	ls := &diagLS{jac: func(float64, []float64) []float64 { return []float64{lambda} }}
	solver, _ := NewNewton(defaultConfig(), ls)
	zcor, z := []float64{0}, []float64{0}

	// WHEN solved with tolerance 0.1 in a unit-weighted norm
	res, err := solver.Solve(sys, zcor, z, []float64{1e4}, 0.1, true, false)

	// THEN the first update is exact and the second confirms convergence
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Iters, 2)
	assert.InDelta(t, 1/(1-0.05*lambda), z[0], 1e-14)
	assert.Equal(t, 1, ls.setups)
}

func TestNewton_LinearlyImplicit_AcceptsAfterOneIteration(t *testing.T) {
	sys := cubicSystem(0.1, []float64{1})
	cfg := defaultConfig()
	cfg.LinearlyImplicit = true
	solver, _ := NewNewton(cfg, &diagLS{jac: cubicJac})
	res, err := solver.Solve(sys, []float64{0}, []float64{0}, ones(1), 1e-12, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iters)
}

func TestNewton_NoSetupRequested_UsesGammaRatioScaling(t *testing.T) {
	// GIVEN a factorization built at gamma 0.1 and a solve at gamma 0.11
	lambda := -1.0
	ls := &diagLS{jac: func(float64, []float64) []float64 { return []float64{lambda} }}
	fi := func(_ float64, y, ydot []float64) error { ydot[0] = lambda * y[0]; return nil }
	solver, _ := NewNewton(Config{MaxIters: 10, CRDown: 0.3, RDiv: 2.3}, ls)
	first := &System{Gamma: 0.1, ZPred: []float64{1}, SData: []float64{0}, Fi: fi}
	_, err := solver.Solve(first, []float64{0}, []float64{0}, ones(1), 1e-10, true, false)
	require.NoError(t, err)

	// WHEN solving without a new setup
	second := &System{Gamma: 0.11, GammaRatio: 1.1, ZPred: []float64{1}, SData: []float64{0}, Fi: fi}
	z := []float64{0}
	res, err := solver.Solve(second, []float64{0}, z, ones(1), 1e-10, false, false)

	// THEN it still converges without calling setup
	require.NoError(t, err)
	assert.False(t, res.SetupCalled)
	assert.Equal(t, 1, ls.setups)
	assert.InDelta(t, 1/(1-0.11*lambda), z[0], 1e-9)
}

func TestNewton_RecoverableRHSFailure_NotReclassified(t *testing.T) {
	sys := cubicSystem(0.1, []float64{1})
	sys.Fi = func(float64, []float64, []float64) error { return ode.Recoverable(errors.New("out of domain")) }
	solver, _ := NewNewton(defaultConfig(), &diagLS{jac: cubicJac})

	_, err := solver.Solve(sys, []float64{0}, []float64{0}, ones(1), 0.1, true, false)

	require.Error(t, err)
	assert.ErrorIs(t, err, ode.ErrRecoverable)
	assert.NotErrorIs(t, err, ode.ErrConvergence)
}

func TestNewton_SingularSetup_ReportsLinearSetupFailure(t *testing.T) {
	// GIVEN γJ = 1 so that I - γJ is singular
	sys := &System{Gamma: 1, ZPred: []float64{1}, SData: []float64{0},
		Fi: func(_ float64, y, ydot []float64) error { ydot[0] = y[0]; return nil }}
	solver, _ := NewNewton(defaultConfig(), &diagLS{jac: func(float64, []float64) []float64 { return []float64{1} }})

	_, err := solver.Solve(sys, []float64{0}, []float64{0}, ones(1), 0.1, true, false)

	assert.ErrorIs(t, err, ode.ErrLinearSetup)
	assert.True(t, ode.IsRecoverable(err))
}

func TestNewNewton_NilLinearSolver_IllegalInput(t *testing.T) {
	_, err := NewNewton(defaultConfig(), nil)
	assert.ErrorIs(t, err, ode.ErrIllegalInput)
}

func TestConvTest_GeometricDecrease_ConvergesForAnyTolerance(t *testing.T) {
	// GIVEN update norms shrinking by a ratio no larger than crdown
	for _, tol := range []float64{1, 1e-2, 1e-5, 1e-9, 1e-13} {
		for _, ratio := range []float64{0.3, 0.1, 1e-3} {
			c := ConvTest{CRDown: 0.3, RDiv: 2.3}
			c.Reset()
			del := 1.0
			status := Continue
			m := 0
			// WHEN checked iteration by iteration
			for ; m < 100 && status == Continue; m++ {
				status = c.Check(m, del, tol)
				del *= ratio
			}
			// THEN the test converges and never reports divergence
			assert.Equal(t, Converged, status, "tol=%g ratio=%g", tol, ratio)
			// and within the iteration count the rate bound predicts
			bound := int(math.Ceil(math.Log(tol/0.3)/math.Log(ratio))) + 1
			assert.LessOrEqual(t, m, max(bound, 1)+1, "tol=%g ratio=%g", tol, ratio)
		}
	}
}

func TestConvTest_GrowthBeyondRDiv_ReportsDivergence(t *testing.T) {
	// GIVEN an update norm that grows by more than rdiv between iterations 1 and 2
	c := ConvTest{CRDown: 0.3, RDiv: 2.3}
	c.Reset()

	// WHEN checked
	first := c.Check(0, 1.0, 1e-6)
	second := c.Check(1, 2.5, 1e-6)

	// THEN the second check reports divergence, not a plain failure to converge
	assert.Equal(t, Continue, first)
	assert.Equal(t, Diverged, second)
}

func TestConvTest_GrowthBelowRDiv_Continues(t *testing.T) {
	c := ConvTest{CRDown: 0.3, RDiv: 2.3}
	c.Reset()
	c.Check(0, 1.0, 1e-6)
	assert.Equal(t, Continue, c.Check(1, 2.0, 1e-6))
	assert.Equal(t, 2.0, c.Rate())
}

func TestNewton_DivergingIteration_ReportsDivergenceNotExhaustion(t *testing.T) {
	// GIVEN a linear solver that amplifies updates by a factor 3 each iteration
	sys := &System{Gamma: 0.1, ZPred: []float64{0}, SData: []float64{1},
		Fi: func(_ float64, _, ydot []float64) error { ydot[0] = 0; return nil }}
	ls := &amplifyingLS{factor: 3}
	solver, _ := NewNewton(Config{MaxIters: 10, CRDown: 0.3, RDiv: 2.3}, ls)

	_, err := solver.Solve(sys, []float64{0}, []float64{0}, ones(1), 1e-12, true, false)

	require.ErrorIs(t, err, ode.ErrConvergence)
	assert.Contains(t, err.Error(), "diverging at iteration 1")
}

// amplifyingLS returns updates that grow geometrically.
type amplifyingLS struct {
	factor float64
	scale  float64
}

func (a *amplifyingLS) Setup(float64, []float64, []float64, float64, float64, bool) (bool, error) {
	a.scale = 1
	return true, nil
}

func (a *amplifyingLS) Solve(_ float64, b []float64, _, _ float64) error {
	for i := range b {
		b[i] = a.scale
	}
	a.scale *= a.factor
	return nil
}

func TestResidual_FixedIdentityMass_MatchesIdentityExactly(t *testing.T) {
	// GIVEN the same inputs under identity and fixed M = I
	zcor := []float64{0.3, -1.7, 2.25, 1e-9}
	fz := []float64{-4.1, 0.02, 7.5, 3.3}
	sdata := []float64{0.11, 0.5, -0.9, 2}
	id := &System{Gamma: 0.37, SData: sdata, Mass: Mass{Kind: Identity}}
	fixed := &System{Gamma: 0.37, SData: sdata, Mass: Mass{Kind: Fixed, M: diagMass{1, 1, 1, 1}}}
	td := &System{Gamma: 0.37, SData: sdata, Mass: Mass{Kind: TimeDependent, M: diagMass{1, 1, 1, 1}}}
	tmp := make([]float64, 4)

	r1, r2, r3 := make([]float64, 4), make([]float64, 4), make([]float64, 4)
	require.NoError(t, id.Residual(zcor, fz, r1, tmp))
	require.NoError(t, fixed.Residual(zcor, fz, r2, tmp))
	require.NoError(t, td.Residual(zcor, fz, r3, tmp))

	// THEN the fixed path reproduces the identity path exactly and the
	// time-dependent path agrees to round-off
	assert.Equal(t, r1, r2)
	assert.InDeltaSlice(t, r1, r3, 1e-14)

	g1, g2, g3 := make([]float64, 4), make([]float64, 4), make([]float64, 4)
	require.NoError(t, id.FixedPointMap(fz, g1))
	require.NoError(t, fixed.FixedPointMap(fz, g2))
	require.NoError(t, td.FixedPointMap(fz, g3))
	assert.Equal(t, g1, g2)
	assert.InDeltaSlice(t, g1, g3, 1e-14)
}

func TestResidual_NonIdentityMass_Formulas(t *testing.T) {
	m := diagMass{2, 4}
	zcor := []float64{1, 2}
	fz := []float64{3, -1}
	sdata := []float64{0.5, 1}
	tmp, r := make([]float64, 2), make([]float64, 2)

	fixed := &System{Gamma: 0.5, SData: sdata, Mass: Mass{Kind: Fixed, M: m}}
	require.NoError(t, fixed.Residual(zcor, fz, r, tmp))
	// M zcor - γ fz - sdata
	assert.InDeltaSlice(t, []float64{2 - 1.5 - 0.5, 8 + 0.5 - 1}, r, 1e-15)

	td := &System{Gamma: 0.5, SData: sdata, Mass: Mass{Kind: TimeDependent, M: m}}
	require.NoError(t, td.Residual(zcor, fz, r, tmp))
	// M (zcor - sdata) - γ fz
	assert.InDeltaSlice(t, []float64{1 - 1.5, 4 + 0.5}, r, 1e-15)

	g := make([]float64, 2)
	require.NoError(t, fixed.FixedPointMap(fz, g))
	// M⁻¹(γ fz + sdata)
	assert.InDeltaSlice(t, []float64{1, 0.125}, g, 1e-15)
	require.NoError(t, td.FixedPointMap(fz, g))
	// M⁻¹ γ fz + sdata
	assert.InDeltaSlice(t, []float64{1.25, 0.875}, g, 1e-15)
}

func TestMass_Validate_NonIdentityWithoutMatrix(t *testing.T) {
	assert.NoError(t, Mass{Kind: Identity}.Validate())
	assert.ErrorIs(t, Mass{Kind: Fixed}.Validate(), ode.ErrIllegalInput)
	assert.ErrorIs(t, Mass{Kind: TimeDependent}.Validate(), ode.ErrIllegalInput)
}

func TestNewton_FixedMass_SolvesMassWeightedEquation(t *testing.T) {
	// GIVEN M z' = -z with M = 2, backward Euler: M(z - y0) = γ(-z)
	m := diagMass{2}
	sys := &System{Gamma: 0.1, ZPred: []float64{1}, SData: []float64{0},
		Fi:   func(_ float64, y, ydot []float64) error { ydot[0] = -y[0]; return nil },
		Mass: Mass{Kind: Fixed, M: m}}
	ls := &diagLS{jac: func(float64, []float64) []float64 { return []float64{-1} }, mass: m}
	solver, _ := NewNewton(defaultConfig(), ls)
	z := []float64{0}

	_, err := solver.Solve(sys, []float64{0}, z, ones(1), 1e-10, true, false)

	require.NoError(t, err)
	assert.InDelta(t, 2/(2+0.1), z[0], 1e-12)
}

func TestFixedPoint_ContractiveProblem_Converges(t *testing.T) {
	sys := cubicSystem(0.05, []float64{0.5, -0.5})
	solver, err := NewFixedPoint(Config{MaxIters: 50, CRDown: 0.3, RDiv: 2.3})
	require.NoError(t, err)
	zcor, z := make([]float64, 2), make([]float64, 2)

	res, err := solver.Solve(sys, zcor, z, ones(2), 1e-8, false, false)

	require.NoError(t, err)
	assert.False(t, res.SetupCalled)
	f := make([]float64, 2)
	require.NoError(t, sys.Fi(0, z, f))
	assert.InDelta(t, 0.5+0.05*f[0], z[0], 1e-7)
	expected := make([]float64, 2)
	nvector.LinearSum(1, sys.ZPred, 1, zcor, expected)
	assert.Equal(t, expected, z)
}

func TestFixedPoint_StiffProblem_Diverges(t *testing.T) {
	// GIVEN γλ = -5, outside the contraction region
	sys := &System{Gamma: 0.5, ZPred: []float64{1}, SData: []float64{0},
		Fi: func(_ float64, y, ydot []float64) error { ydot[0] = -10 * y[0]; return nil }}
	solver, _ := NewFixedPoint(Config{MaxIters: 10, CRDown: 0.3, RDiv: 2.3})

	_, err := solver.Solve(sys, []float64{0}, []float64{0}, ones(1), 1e-8, false, false)

	assert.ErrorIs(t, err, ode.ErrConvergence)
}

func TestNew_SelectsSolverByName(t *testing.T) {
	nc := ode.NonlinearConfig{Solver: "fixedpoint", MaxIters: 3, CRDown: 0.3, RDiv: 2.3}
	s, err := New(nc, nil)
	require.NoError(t, err)
	assert.IsType(t, &FixedPoint{}, s)

	nc.Solver = "newton"
	_, err = New(nc, nil)
	assert.ErrorIs(t, err, ode.ErrIllegalInput)

	nc.Solver = "anderson"
	_, err = New(nc, nil)
	assert.ErrorIs(t, err, ode.ErrIllegalInput)
}

func TestSetupPolicy_Heuristics(t *testing.T) {
	p := SetupPolicy{DGMax: 0.2, MSBP: 20}

	// first solve always sets up
	assert.True(t, p.Need(0.1, 0))
	p.Done(0.1, 0)

	// same gamma within the step window: no setup
	assert.False(t, p.Need(0.1, 5))
	assert.Equal(t, 1.0, p.GammaRatio(0.1))

	// gamma drift beyond dgmax
	assert.True(t, p.Need(0.13, 5))
	assert.InDelta(t, 1.3, p.GammaRatio(0.13), 1e-15)

	// step window elapsed
	assert.True(t, p.Need(0.1, 20))

	// forced after a convergence failure
	p.Force()
	assert.True(t, p.Need(0.1, 1))
	p.Done(0.1, 1)
	assert.False(t, p.Need(0.1, 2))

	// reset forgets history
	p.Reset()
	assert.True(t, p.Need(0.1, 2))
	assert.Equal(t, 0.2, p.DGMax)
}

func TestSetupPolicy_NegativeMSBP_AlwaysSetsUp(t *testing.T) {
	p := SetupPolicy{DGMax: 0.2, MSBP: -1}
	p.Done(0.1, 0)
	assert.True(t, p.Need(0.1, 0))
}

func TestMassKind_String(t *testing.T) {
	assert.Equal(t, "identity", Identity.String())
	assert.Equal(t, "fixed", Fixed.String())
	assert.Equal(t, "time-dependent", TimeDependent.String())
}
