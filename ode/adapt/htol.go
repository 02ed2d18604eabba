package adapt

import (
	"fmt"
	"math"

	"github.com/mriode/mriode/ode"
)

// MultirateController chooses the slow step H together with the relative
// tolerance factor handed to the inner stepper. DSM is the slow error
// estimate and dsm the accumulated fast error of the same step.
type MultirateController interface {
	EstimateStepTol(H, tolfac float64, P int, DSM, dsm float64) (Hnew, tolfacNew float64, err error)
	UpdateMRIH(H, tolfac, DSM, dsm float64) error
	Reset()
}

// HTolController runs a slow controller on H and a second single-rate
// controller on the tolerance factor, treating tolfac as the "step" whose
// error is dsm.
type HTolController struct {
	Slow ode.Controller
	Fast ode.Controller

	// InnerOrder is the exponent of tolfac in the fast error model
	// dsm ≈ C·tolfac^InnerOrder.
	InnerOrder   int
	TolFacMin    float64
	TolFacMax    float64
	MaxRelChange float64
}

// NewHTolController builds the default pairing: PI control on H and
// I control on the tolerance factor.
func NewHTolController(cfg ode.ControllerConfig) (*HTolController, error) {
	c := &HTolController{
		Slow:         NewPIController(cfg),
		Fast:         NewIController(ode.ControllerConfig{Safety: cfg.Safety}),
		InnerOrder:   cfg.InnerOrder,
		TolFacMin:    cfg.TolFacMin,
		TolFacMax:    cfg.TolFacMax,
		MaxRelChange: cfg.MaxRelChange,
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *HTolController) validate() error {
	if c.Slow == nil || c.Fast == nil {
		return fmt.Errorf("%w: htol controller needs slow and fast controllers", ode.ErrIllegalInput)
	}
	if c.InnerOrder < 1 {
		return fmt.Errorf("%w: inner order must be at least 1, got %d", ode.ErrIllegalInput, c.InnerOrder)
	}
	if c.TolFacMin <= 0 || c.TolFacMin > c.TolFacMax {
		return fmt.Errorf("%w: require 0 < tolfac_min <= tolfac_max, got %g, %g", ode.ErrIllegalInput, c.TolFacMin, c.TolFacMax)
	}
	if c.MaxRelChange <= 1 {
		return fmt.Errorf("%w: max_rel_change must exceed 1, got %g", ode.ErrIllegalInput, c.MaxRelChange)
	}
	return nil
}

// EstimateStepTol implements MultirateController.
func (c *HTolController) EstimateStepTol(H, tolfac float64, P int, DSM, dsm float64) (float64, float64, error) {
	Hnew, err := c.Slow.EstimateStep(H, P, DSM)
	if err != nil {
		return 0, 0, fmt.Errorf("slow step: %w", err)
	}
	tolfac = c.clamp(tolfac)
	est, err := c.Fast.EstimateStep(tolfac, c.InnerOrder-1, dsm)
	if err != nil {
		return 0, 0, fmt.Errorf("tolerance factor: %w", err)
	}
	est = math.Min(math.Max(est, tolfac/c.MaxRelChange), tolfac*c.MaxRelChange)
	return Hnew, c.clamp(est), nil
}

// UpdateMRIH implements MultirateController.
func (c *HTolController) UpdateMRIH(H, tolfac, DSM, dsm float64) error {
	if err := c.Slow.UpdateH(H, DSM); err != nil {
		return err
	}
	return c.Fast.UpdateH(c.clamp(tolfac), dsm)
}

// Reset implements MultirateController.
func (c *HTolController) Reset() {
	c.Slow.Reset()
	c.Fast.Reset()
}

func (c *HTolController) clamp(tolfac float64) float64 {
	return math.Min(math.Max(tolfac, c.TolFacMin), c.TolFacMax)
}
