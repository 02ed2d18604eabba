package adapt

import (
	"fmt"

	"github.com/mriode/mriode/ode"
)

func init() {
	ode.NewControllerFunc = NewController
}

// NewController builds the single-rate controller named by cfg.Type. The
// "htol" type needs an inner stepper and is built with NewMRIAdapter.
func NewController(cfg ode.ControllerConfig) (ode.Controller, error) {
	switch cfg.Type {
	case "i":
		return NewIController(cfg), nil
	case "", "pi":
		return NewPIController(cfg), nil
	case "htol":
		return nil, fmt.Errorf("%w: controller %q needs an inner stepper, build it with NewMRIAdapter", ode.ErrIllegalInput, cfg.Type)
	}
	return nil, fmt.Errorf("%w: unknown controller %q", ode.ErrIllegalInput, cfg.Type)
}
