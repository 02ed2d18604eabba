package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/problems"
)

// RunConfig is the YAML run file accepted by `mriode run --config`.
// All sections must be listed to satisfy KnownFields(true) strict parsing.
type RunConfig struct {
	Problem    string      `yaml:"problem"`
	Method     string      `yaml:"method"` // coupling table, Butcher pair, or Butcher table
	TFinal     float64     `yaml:"t_final"`
	Outputs    int         `yaml:"outputs"` // evenly spaced output times
	Inner      InnerConfig `yaml:"inner"`
	Integrator ode.Config  `yaml:"integrator"`

	// Problem parameters; only the selected problem's section is used.
	Decay     problems.DecayParams     `yaml:"decay"`
	KPR       problems.KPRParams       `yaml:"kpr"`
	StiffPair problems.StiffPairParams `yaml:"stiffpair"`
}

// InnerConfig selects the fast integrator of a multirate run.
type InnerConfig struct {
	Table        string  `yaml:"table"`        // explicit Butcher table
	FixedStep    float64 `yaml:"fixed_step"`   // 0 = adaptive substeps
	RelTol       float64 `yaml:"rtol"`         // 0 = integrator rtol
	AbsTol       float64 `yaml:"atol"`         // 0 = integrator atol
	Accumulation string  `yaml:"accumulation"` // max, sum, avg
}

// DefaultRunConfig integrates KPR to t = 5 with MRI-GARK-ERK22b.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Problem:    "kpr",
		Method:     "MRI-GARK-ERK22b",
		TFinal:     5,
		Outputs:    20,
		Inner:      InnerConfig{Table: "Heun-Euler-2-1-2", Accumulation: "max"},
		Integrator: ode.DefaultConfig(),
		Decay:      problems.DefaultDecayParams(),
		KPR:        problems.DefaultKPRParams(),
		StiffPair:  problems.DefaultStiffPairParams(),
	}
}

// LoadRunConfig reads a run file on top of DefaultRunConfig.
// Uses strict field checking: typos must cause errors.
func LoadRunConfig(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("reading run config: %w", err)
	}
	rc := DefaultRunConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&rc); err != nil {
		return RunConfig{}, fmt.Errorf("parsing run config %s: %w", path, err)
	}
	rc.Integrator.Normalize()
	return rc, nil
}

// Validate checks the run-level fields and the integrator options.
func (rc *RunConfig) Validate() error {
	if rc.TFinal <= 0 {
		return fmt.Errorf("t_final must be positive, got %g", rc.TFinal)
	}
	if rc.Outputs < 1 {
		return fmt.Errorf("outputs must be at least 1, got %d", rc.Outputs)
	}
	if rc.Method == "" {
		return fmt.Errorf("method is required")
	}
	if rc.Inner.FixedStep < 0 || rc.Inner.RelTol < 0 || rc.Inner.AbsTol < 0 {
		return fmt.Errorf("inner step and tolerances must be non-negative")
	}
	if err := rc.Integrator.Validate(); err != nil {
		return fmt.Errorf("integrator: %w", err)
	}
	return nil
}

// BuildProblem instantiates the selected problem with its parameters.
func (rc *RunConfig) BuildProblem() (*problems.Problem, error) {
	switch rc.Problem {
	case "decay":
		return problems.NewDecay(rc.Decay), nil
	case "kpr":
		return problems.NewKPR(rc.KPR), nil
	case "stiffpair":
		return problems.NewStiffPair(rc.StiffPair), nil
	}
	return problems.Lookup(rc.Problem)
}
