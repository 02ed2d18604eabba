package ode

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds integrator options. It is loadable from YAML; zero-valued
// fields are replaced by the documented defaults in Normalize.
type Config struct {
	RelTol       float64   `yaml:"rtol"`
	AbsTol       float64   `yaml:"atol"`
	AbsTolVector []float64 `yaml:"atol_vector,omitempty"` // per-component atol, overrides atol

	InitialStep float64 `yaml:"initial_step"` // 0 = estimate
	MinStep     float64 `yaml:"min_step"`
	MaxStep     float64 `yaml:"max_step"` // 0 = unbounded
	FixedStep   float64 `yaml:"fixed_step"` // > 0 disables temporal adaptivity
	MaxSteps    int     `yaml:"max_steps"`

	MaxErrTestFails int `yaml:"max_err_test_fails"` // default 7
	MaxConvFails    int `yaml:"max_conv_fails"`     // default 10
	MaxLinearFails  int `yaml:"max_linear_fails"`   // default 5
	MaxRHSFails     int `yaml:"max_rhs_fails"`      // default 10
	MaxRelaxFails   int `yaml:"max_relax_fails"`    // default 10

	EtaMax      float64 `yaml:"eta_max"`       // growth bound per step, default 20
	EtaMaxFirst float64 `yaml:"eta_max_first"` // growth bound after the first step, default 1e4
	EtaMinEF    float64 `yaml:"eta_min_ef"`    // smallest shrink after an error test failure, default 0.1
	EtaMaxEF    float64 `yaml:"eta_max_ef"`    // largest shrink after SmallNEF error test failures, default 0.3
	SmallNEF    int     `yaml:"small_nef"`     // default 2
	EtaCF       float64 `yaml:"eta_cf"`        // shrink after a solver failure, default 0.25
	EtaRHS      float64 `yaml:"eta_rhs"`       // shrink after a recoverable RHS failure, default 0.5
	EtaRelax    float64 `yaml:"eta_relax"`     // shrink after a relaxation retry, default 0.25

	Nonlinear  NonlinearConfig  `yaml:"nonlinear"`
	Controller ControllerConfig `yaml:"controller"`
}

// NonlinearConfig holds implicit-stage solver options.
type NonlinearConfig struct {
	Solver           string  `yaml:"solver"`            // "newton" (default) or "fixedpoint"
	MaxIters         int     `yaml:"max_iters"`         // default 3
	CRDown           float64 `yaml:"crdown"`            // default 0.3
	RDiv             float64 `yaml:"rdiv"`              // default 2.3
	DGMax            float64 `yaml:"dgmax"`             // default 0.2
	MSBP             int     `yaml:"msbp"`              // steps between linear setups, default 20; < 0 means every solve
	Coef             float64 `yaml:"coef"`              // tolerance safety factor, default 0.1
	LinearlyImplicit bool    `yaml:"linearly_implicit"` // accept after one iteration
	Predictor        string  `yaml:"predictor"`         // "trivial" (default) or "stage"
}

// ControllerConfig selects and parameterizes the step-size controller.
type ControllerConfig struct {
	Type   string  `yaml:"type"` // "i", "pi" (default), or "htol"
	Safety float64 `yaml:"safety"`
	K1     float64 `yaml:"k1"`
	K2     float64 `yaml:"k2"`

	// Multirate tolerance controller options (type "htol").
	InnerOrder   int     `yaml:"inner_order"`
	TolFacMin    float64 `yaml:"tolfac_min"`
	TolFacMax    float64 `yaml:"tolfac_max"`
	MaxRelChange float64 `yaml:"max_rel_change"`
}

// Valid value registries.
var (
	validNonlinearSolvers = map[string]bool{"": true, "newton": true, "fixedpoint": true}
	validPredictors       = map[string]bool{"": true, "trivial": true, "stage": true}
	validControllers      = map[string]bool{"": true, "i": true, "pi": true, "htol": true}
)

// DefaultConfig returns a normalized configuration with rtol=1e-4, atol=1e-9.
func DefaultConfig() Config {
	c := Config{RelTol: 1e-4, AbsTol: 1e-9}
	c.Normalize()
	return c
}

// LoadConfig reads a YAML integrator configuration. Parsing is strict:
// unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading integrator config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML integrator configuration and normalizes it.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing integrator config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Normalize replaces zero-valued fields with their defaults.
func (c *Config) Normalize() {
	setF := func(p *float64, v float64) {
		if *p == 0 {
			*p = v
		}
	}
	setI := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	setF(&c.RelTol, 1e-4)
	setF(&c.AbsTol, 1e-9)
	setI(&c.MaxSteps, 500000)
	setI(&c.MaxErrTestFails, 7)
	setI(&c.MaxConvFails, 10)
	setI(&c.MaxLinearFails, 5)
	setI(&c.MaxRHSFails, 10)
	setI(&c.MaxRelaxFails, 10)
	setF(&c.EtaMax, 20)
	setF(&c.EtaMaxFirst, 1e4)
	setF(&c.EtaMinEF, 0.1)
	setF(&c.EtaMaxEF, 0.3)
	setI(&c.SmallNEF, 2)
	setF(&c.EtaCF, 0.25)
	setF(&c.EtaRHS, 0.5)
	setF(&c.EtaRelax, 0.25)

	n := &c.Nonlinear
	if n.Solver == "" {
		n.Solver = "newton"
	}
	if n.Predictor == "" {
		n.Predictor = "trivial"
	}
	setI(&n.MaxIters, 3)
	setF(&n.CRDown, 0.3)
	setF(&n.RDiv, 2.3)
	setF(&n.DGMax, 0.2)
	setI(&n.MSBP, 20)
	setF(&n.Coef, 0.1)

	ctl := &c.Controller
	if ctl.Type == "" {
		ctl.Type = "pi"
	}
	setF(&ctl.Safety, 0.9)
	setI(&ctl.InnerOrder, 1)
	setF(&ctl.TolFacMin, 1e-5)
	setF(&ctl.TolFacMax, 1)
	setF(&ctl.MaxRelChange, 20)
}

// Validate checks option names and ranges.
func (c *Config) Validate() error {
	if err := finitePositive("rtol", c.RelTol); err != nil {
		return err
	}
	if c.AbsTol < 0 || math.IsNaN(c.AbsTol) {
		return fmt.Errorf("atol must be non-negative, got %g", c.AbsTol)
	}
	for i, a := range c.AbsTolVector {
		if a < 0 || math.IsNaN(a) {
			return fmt.Errorf("atol_vector[%d] must be non-negative, got %g", i, a)
		}
	}
	if c.MinStep < 0 || c.MaxStep < 0 || c.InitialStep < 0 || c.FixedStep < 0 {
		return fmt.Errorf("step sizes must be non-negative")
	}
	if c.MaxStep > 0 && c.MinStep > c.MaxStep {
		return fmt.Errorf("min_step %g exceeds max_step %g", c.MinStep, c.MaxStep)
	}
	if c.EtaMinEF <= 0 || c.EtaMinEF > c.EtaMaxEF || c.EtaMaxEF >= 1 {
		return fmt.Errorf("require 0 < eta_min_ef <= eta_max_ef < 1, got %g, %g", c.EtaMinEF, c.EtaMaxEF)
	}
	for name, eta := range map[string]float64{"eta_cf": c.EtaCF, "eta_rhs": c.EtaRHS, "eta_relax": c.EtaRelax} {
		if eta <= 0 || eta >= 1 {
			return fmt.Errorf("%s must be in (0, 1), got %g", name, eta)
		}
	}
	if c.EtaMax <= 1 || c.EtaMaxFirst <= 1 {
		return fmt.Errorf("growth bounds must exceed 1")
	}
	n := c.Nonlinear
	if !validNonlinearSolvers[n.Solver] {
		return fmt.Errorf("unknown nonlinear solver %q; valid: newton, fixedpoint", n.Solver)
	}
	if !validPredictors[n.Predictor] {
		return fmt.Errorf("unknown predictor %q; valid: trivial, stage", n.Predictor)
	}
	if n.MaxIters <= 0 {
		return fmt.Errorf("nonlinear.max_iters must be positive, got %d", n.MaxIters)
	}
	if n.CRDown <= 0 || n.CRDown >= 1 {
		return fmt.Errorf("nonlinear.crdown must be in (0, 1), got %g", n.CRDown)
	}
	if n.RDiv <= 1 {
		return fmt.Errorf("nonlinear.rdiv must exceed 1, got %g", n.RDiv)
	}
	if err := finitePositive("nonlinear.dgmax", n.DGMax); err != nil {
		return err
	}
	if err := finitePositive("nonlinear.coef", n.Coef); err != nil {
		return err
	}
	ctl := c.Controller
	if !validControllers[ctl.Type] {
		return fmt.Errorf("unknown controller %q; valid: i, pi, htol", ctl.Type)
	}
	if ctl.Safety <= 0 || ctl.Safety > 1 {
		return fmt.Errorf("controller.safety must be in (0, 1], got %g", ctl.Safety)
	}
	if ctl.TolFacMin <= 0 || ctl.TolFacMin > ctl.TolFacMax {
		return fmt.Errorf("require 0 < tolfac_min <= tolfac_max, got %g, %g", ctl.TolFacMin, ctl.TolFacMax)
	}
	return nil
}

// AbsTolerances returns the absolute tolerance in the form nvector.ErrorWeights expects.
func (c *Config) AbsTolerances() []float64 {
	if len(c.AbsTolVector) > 0 {
		return c.AbsTolVector
	}
	return []float64{c.AbsTol}
}

func finitePositive(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, val)
	}
	if val <= 0 {
		return fmt.Errorf("%s must be positive, got %g", name, val)
	}
	return nil
}
