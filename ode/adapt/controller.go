// Package adapt provides step-size controllers. The single-rate controllers
// implement ode.Controller; the multirate tolerance controller and the
// adapter that binds it to an inner stepper live in htol.go and mri.go.
package adapt

import (
	"fmt"
	"math"

	"github.com/mriode/mriode/ode"
)

// dsmFloor keeps a vanishing error estimate from producing an infinite step.
const dsmFloor = 1e-10

// IController is the elementary controller h·safety·dsm^(−k1/(p+1)).
type IController struct {
	Safety float64
	K1     float64
}

// NewIController builds an I controller. A zero K1 selects 1.
func NewIController(cfg ode.ControllerConfig) *IController {
	c := &IController{Safety: cfg.Safety, K1: cfg.K1}
	if c.Safety == 0 {
		c.Safety = 0.9
	}
	if c.K1 == 0 {
		c.K1 = 1
	}
	return c
}

// EstimateStep implements ode.Controller.
func (c *IController) EstimateStep(h float64, p int, dsm float64) (float64, error) {
	if err := checkEstimate(h, p, dsm); err != nil {
		return 0, err
	}
	dsm = math.Max(dsm, dsmFloor)
	return h * c.Safety * math.Pow(dsm, -c.K1/float64(p+1)), nil
}

// UpdateH implements ode.Controller; the I controller keeps no history.
func (c *IController) UpdateH(float64, float64) error { return nil }

// Reset implements ode.Controller.
func (c *IController) Reset() {}

// PIController uses the current and the previous accepted error.
type PIController struct {
	Safety float64
	K1, K2 float64

	ep float64 // error of the previous accepted step, 0 before the first
}

// NewPIController builds a PI controller. Zero gains select 0.8 and 0.31.
func NewPIController(cfg ode.ControllerConfig) *PIController {
	c := &PIController{Safety: cfg.Safety, K1: cfg.K1, K2: cfg.K2}
	if c.Safety == 0 {
		c.Safety = 0.9
	}
	if c.K1 == 0 {
		c.K1 = 0.8
	}
	if c.K2 == 0 {
		c.K2 = 0.31
	}
	return c
}

// EstimateStep implements ode.Controller.
func (c *PIController) EstimateStep(h float64, p int, dsm float64) (float64, error) {
	if err := checkEstimate(h, p, dsm); err != nil {
		return 0, err
	}
	ord := float64(p + 1)
	e1 := math.Max(dsm, dsmFloor)
	e2 := c.ep
	if e2 == 0 {
		e2 = e1
	}
	return h * c.Safety * math.Pow(e1, -c.K1/ord) * math.Pow(e2, c.K2/ord), nil
}

// UpdateH records the error of an accepted step.
func (c *PIController) UpdateH(_, dsm float64) error {
	c.ep = math.Max(dsm, dsmFloor)
	return nil
}

// Reset forgets the error history.
func (c *PIController) Reset() { c.ep = 0 }

func checkEstimate(h float64, p int, dsm float64) error {
	if p < 0 {
		return fmt.Errorf("%w: controller order must be non-negative, got %d", ode.ErrIllegalInput, p)
	}
	if h <= 0 || math.IsNaN(h) || math.IsNaN(dsm) || dsm < 0 {
		return fmt.Errorf("%w: controller inputs h=%g dsm=%g", ode.ErrIllegalInput, h, dsm)
	}
	return nil
}
