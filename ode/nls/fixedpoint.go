package nls

import (
	"fmt"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/nvector"
)

// FixedPoint is the functional iteration zcor ← g(z). It needs no linear
// solver; setup requests are ignored.
type FixedPoint struct {
	cfg  Config
	test ConvTest

	fz, g, delta []float64
}

// NewFixedPoint creates a fixed-point solver.
func NewFixedPoint(cfg Config) (*FixedPoint, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &FixedPoint{cfg: cfg, test: ConvTest{CRDown: cfg.CRDown, RDiv: cfg.RDiv}}, nil
}

func (f *FixedPoint) ensure(size int) {
	if len(f.fz) != size {
		f.fz = nvector.New(size)
		f.g = nvector.New(size)
		f.delta = nvector.New(size)
	}
}

// Solve implements Solver.
func (f *FixedPoint) Solve(sys *System, zcor, z, ewt []float64, tol float64, _, _ bool) (Result, error) {
	var res Result
	if err := sys.Mass.Validate(); err != nil {
		return res, err
	}
	f.ensure(len(zcor))
	f.test.Reset()
	sys.stageValue(zcor, z)

	for m := 0; m < f.cfg.MaxIters; m++ {
		if err := sys.evalF(z, f.fz); err != nil {
			return res, err
		}
		if err := sys.FixedPointMap(f.fz, f.g); err != nil {
			return res, err
		}
		nvector.LinearSum(1, f.g, -1, zcor, f.delta)
		nvector.Copy(f.g, zcor)
		sys.stageValue(zcor, z)
		res.Iters = m + 1

		if f.cfg.LinearlyImplicit {
			return res, nil
		}
		del := nvector.WRMSNorm(f.delta, ewt)
		switch f.test.Check(m, del, tol) {
		case Converged:
			res.Rate = f.test.Rate()
			return res, nil
		case Diverged:
			res.Rate = f.test.Rate()
			return res, fmt.Errorf("%w: fixed-point iteration diverging at iteration %d (update %.3e)",
				ode.ErrConvergence, m, del)
		}
	}
	res.Rate = f.test.Rate()
	return res, fmt.Errorf("%w: fixed-point iteration did not converge in %d iterations", ode.ErrConvergence, f.cfg.MaxIters)
}

// New builds the solver named by nc.Solver.
func New(nc ode.NonlinearConfig, ls LinearSolver) (Solver, error) {
	cfg := ConfigFrom(nc)
	switch nc.Solver {
	case "", "newton":
		return NewNewton(cfg, ls)
	case "fixedpoint":
		return NewFixedPoint(cfg)
	}
	return nil, fmt.Errorf("%w: unknown nonlinear solver %q", ode.ErrIllegalInput, nc.Solver)
}
