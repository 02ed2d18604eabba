package adapt

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/trace"
)

func TestIController_ErrorAtTarget_ScalesBySafety(t *testing.T) {
	c := NewIController(ode.ControllerConfig{Safety: 0.9})
	h, err := c.EstimateStep(0.1, 2, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.09, h, 1e-15)
}

func TestIController_OrderExponent(t *testing.T) {
	// GIVEN dsm = 8 and p = 2 so that dsm^(-1/3) = 1/2
	c := NewIController(ode.ControllerConfig{Safety: 1})
	h, err := c.EstimateStep(1, 2, 8)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, h, 1e-14)
}

func TestIController_ZeroError_Bounded(t *testing.T) {
	c := NewIController(ode.ControllerConfig{Safety: 0.9})
	h, err := c.EstimateStep(1, 1, 0)
	require.NoError(t, err)
	assert.False(t, math.IsInf(h, 0))
	assert.Greater(t, h, 1.0)
}

func TestController_InvalidInputs_IllegalInput(t *testing.T) {
	for _, c := range []ode.Controller{NewIController(ode.ControllerConfig{}), NewPIController(ode.ControllerConfig{})} {
		_, err := c.EstimateStep(0, 1, 1)
		assert.ErrorIs(t, err, ode.ErrIllegalInput)
		_, err = c.EstimateStep(1, -1, 1)
		assert.ErrorIs(t, err, ode.ErrIllegalInput)
		_, err = c.EstimateStep(1, 1, math.NaN())
		assert.ErrorIs(t, err, ode.ErrIllegalInput)
	}
}

func TestPIController_UsesPreviousError(t *testing.T) {
	// GIVEN a PI controller without history
	c := NewPIController(ode.ControllerConfig{Safety: 1})
	first, err := c.EstimateStep(1, 1, 0.25)
	require.NoError(t, err)
	// without history the previous error equals the current one
	assert.InDelta(t, math.Pow(0.25, -(0.8-0.31)/2), first, 1e-14)

	// WHEN a large error is recorded as history
	require.NoError(t, c.UpdateH(1, 4))
	second, err := c.EstimateStep(1, 1, 0.25)
	require.NoError(t, err)

	// THEN the previous error raises the proposed step
	assert.Greater(t, second, first)
	assert.InDelta(t, math.Pow(0.25, -0.4)*math.Pow(4, 0.155), second, 1e-14)

	// AND Reset forgets it
	c.Reset()
	third, _ := c.EstimateStep(1, 1, 0.25)
	assert.InDelta(t, first, third, 1e-15)
}

func TestNewController_SelectsByType(t *testing.T) {
	c, err := NewController(ode.ControllerConfig{Type: "i"})
	require.NoError(t, err)
	assert.IsType(t, &IController{}, c)

	c, err = NewController(ode.ControllerConfig{Type: "pi"})
	require.NoError(t, err)
	assert.IsType(t, &PIController{}, c)

	_, err = NewController(ode.ControllerConfig{Type: "htol"})
	assert.ErrorIs(t, err, ode.ErrIllegalInput)
	_, err = NewController(ode.ControllerConfig{Type: "pid"})
	assert.ErrorIs(t, err, ode.ErrIllegalInput)
}

func TestInit_InstallsControllerConstructor(t *testing.T) {
	require.NotNil(t, ode.NewControllerFunc)
	c, err := ode.NewControllerFunc(ode.ControllerConfig{Type: "i"})
	require.NoError(t, err)
	assert.IsType(t, &IController{}, c)
}

func htolConfig() ode.ControllerConfig {
	cfg := ode.DefaultConfig().Controller
	cfg.Type = "htol"
	cfg.Safety = 1
	return cfg
}

func TestHTolController_TolFactor_ShrinksWhenFastErrorLarge(t *testing.T) {
	c, err := NewHTolController(htolConfig())
	require.NoError(t, err)

	_, tol, err := c.EstimateStepTol(0.1, 0.5, 2, 0.5, 4)
	require.NoError(t, err)
	assert.InDelta(t, 0.125, tol, 1e-15)

	_, tol, err = c.EstimateStepTol(0.1, 0.5, 2, 0.5, 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, tol, 1e-15, "growth clamped to tolfac_max")
}

func TestHTolController_RelativeChange_Bounded(t *testing.T) {
	cfg := htolConfig()
	cfg.MaxRelChange = 2
	c, err := NewHTolController(cfg)
	require.NoError(t, err)

	_, tol, err := c.EstimateStepTol(0.1, 0.5, 2, 0.5, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, tol, 1e-15)
}

func TestHTolController_TolFactor_ClampedToMinimum(t *testing.T) {
	cfg := htolConfig()
	cfg.TolFacMin = 0.1
	c, _ := NewHTolController(cfg)
	_, tol, err := c.EstimateStepTol(0.1, 0.15, 2, 0.5, 1000)
	require.NoError(t, err)
	assert.Equal(t, 0.1, tol)
}

func TestHTolController_SlowStep_MatchesSlowController(t *testing.T) {
	cfg := htolConfig()
	c, _ := NewHTolController(cfg)
	ref := NewPIController(cfg)

	H, _, err := c.EstimateStepTol(0.1, 0.5, 2, 0.3, 1)
	require.NoError(t, err)
	want, _ := ref.EstimateStep(0.1, 2, 0.3)
	assert.Equal(t, want, H)
}

func TestNewHTolController_InvalidBounds(t *testing.T) {
	cfg := htolConfig()
	cfg.TolFacMin = 2
	_, err := NewHTolController(cfg)
	assert.ErrorIs(t, err, ode.ErrIllegalInput)

	cfg = htolConfig()
	cfg.MaxRelChange = 1
	_, err = NewHTolController(cfg)
	assert.ErrorIs(t, err, ode.ErrIllegalInput)
}

// fakeFast is an inner stepper view with scripted capabilities.
type fakeFast struct {
	acc, rtol    bool
	err          float64
	rtols        []float64
	accumFailure error
}

func (f *fakeFast) SupportsAccumulatedError() bool { return f.acc }
func (f *fakeFast) SupportsRTol() bool             { return f.rtol }
func (f *fakeFast) AccumulatedError() (float64, error) {
	return f.err, f.accumFailure
}
func (f *fakeFast) SetRTol(r float64) error {
	f.rtols = append(f.rtols, r)
	return nil
}

func TestMRIAdapter_PushesScaledTolerance(t *testing.T) {
	// GIVEN an inner stepper with full capabilities
	cfg := htolConfig()
	mc, _ := NewHTolController(cfg)
	fast := &fakeFast{acc: true, rtol: true, err: 4}
	a, err := NewMRIAdapter(mc, NewPIController(cfg), fast, 1e-4)
	require.NoError(t, err)
	st := trace.NewStepTrace(trace.TraceLevelSteps)
	a.SetTrace(st)

	// WHEN the driver accepts a step and asks for the next one
	require.NoError(t, a.UpdateH(0.1, 0.5))
	_, err = a.EstimateStep(0.1, 2, 0.5)
	require.NoError(t, err)

	// THEN the tolerance factor shrank and tolfac·rtol reached the inner stepper
	assert.False(t, a.Degraded())
	assert.Less(t, a.TolFactor(), 1.0)
	require.Len(t, fast.rtols, 2)
	assert.InDelta(t, 1e-4, fast.rtols[0], 1e-20)
	assert.InDelta(t, a.TolFactor()*1e-4, fast.rtols[1], 1e-20)
	require.Len(t, st.Tolerances, 1)
	assert.Equal(t, 4.0, st.Tolerances[0].FastDSM)
	assert.Equal(t, 1, st.Tolerances[0].Step)
}

func TestMRIAdapter_MissingCapabilities_FallsBackToSlow(t *testing.T) {
	cfg := htolConfig()
	mc, _ := NewHTolController(cfg)
	fast := &fakeFast{acc: true, rtol: false}
	a, err := NewMRIAdapter(mc, NewIController(cfg), fast, 1e-4)
	require.NoError(t, err)

	h, err := a.EstimateStep(0.1, 1, 4)
	require.NoError(t, err)

	assert.True(t, a.Degraded())
	assert.InDelta(t, 0.05, h, 1e-15)
	assert.Empty(t, fast.rtols)
	assert.Equal(t, 1.0, a.TolFactor())
}

func TestMRIAdapter_NilInner_FallsBackToSlow(t *testing.T) {
	mc, _ := NewHTolController(htolConfig())
	a, err := NewMRIAdapter(mc, NewIController(htolConfig()), nil, 1e-4)
	require.NoError(t, err)
	assert.True(t, a.Degraded())
}

func TestMRIAdapter_InnerErrorFailure_Propagates(t *testing.T) {
	mc, _ := NewHTolController(htolConfig())
	fast := &fakeFast{acc: true, rtol: true, accumFailure: errors.New("boom")}
	a, _ := NewMRIAdapter(mc, NewPIController(htolConfig()), fast, 1e-4)
	_, err := a.EstimateStep(0.1, 2, 0.5)
	assert.ErrorContains(t, err, "boom")
}

func TestMRIAdapter_Reset_RestoresBaseTolerance(t *testing.T) {
	mc, _ := NewHTolController(htolConfig())
	fast := &fakeFast{acc: true, rtol: true, err: 4}
	a, _ := NewMRIAdapter(mc, NewPIController(htolConfig()), fast, 1e-3)
	_, _ = a.EstimateStep(0.1, 2, 0.5)
	a.Reset()
	assert.Equal(t, 1.0, a.TolFactor())
	assert.Equal(t, 1e-3, fast.rtols[len(fast.rtols)-1])
}
