package nls

import (
	"fmt"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/nvector"
)

// Newton is a modified Newton iteration over the correction. The iteration
// matrix is rebuilt only when the caller requests a setup. LinearSolver
// errors are returned as classified by the linear solver.
type Newton struct {
	cfg  Config
	ls   LinearSolver
	test ConvTest

	fz, r, tmp []float64
}

// NewNewton creates a Newton solver using ls for the linear sub-step.
func NewNewton(cfg Config, ls LinearSolver) (*Newton, error) {
	if ls == nil {
		return nil, fmt.Errorf("%w: Newton iteration requires a linear solver", ode.ErrIllegalInput)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Newton{cfg: cfg, ls: ls, test: ConvTest{CRDown: cfg.CRDown, RDiv: cfg.RDiv}}, nil
}

func (n *Newton) ensure(size int) {
	if len(n.fz) != size {
		n.fz = nvector.New(size)
		n.r = nvector.New(size)
		n.tmp = nvector.New(size)
	}
}

// Solve implements Solver.
func (n *Newton) Solve(sys *System, zcor, z, ewt []float64, tol float64, callSetup, jbad bool) (Result, error) {
	var res Result
	if err := sys.Mass.Validate(); err != nil {
		return res, err
	}
	n.ensure(len(zcor))
	n.test.Reset()
	gamrat := sys.gamrat()
	sys.stageValue(zcor, z)

	for m := 0; m < n.cfg.MaxIters; m++ {
		if err := sys.evalF(z, n.fz); err != nil {
			return res, err
		}
		if err := sys.Residual(zcor, n.fz, n.r, n.tmp); err != nil {
			return res, err
		}
		if callSetup && m == 0 {
			jcur, err := n.ls.Setup(sys.T, z, n.fz, sys.Gamma, gamrat, jbad)
			res.SetupCalled = true
			res.JacCurrent = jcur
			if err != nil {
				return res, fmt.Errorf("linear setup at t=%g: %w", sys.T, err)
			}
			gamrat = 1
		}

		// r <- -(M - γJ)⁻¹ r is the update
		nvector.Scale(-1, n.r, n.r)
		if err := n.ls.Solve(sys.T, n.r, sys.Gamma, gamrat); err != nil {
			return res, fmt.Errorf("linear solve at t=%g: %w", sys.T, err)
		}
		nvector.AddScaled(1, n.r, zcor)
		sys.stageValue(zcor, z)
		res.Iters = m + 1

		if n.cfg.LinearlyImplicit {
			return res, nil
		}
		del := nvector.WRMSNorm(n.r, ewt)
		switch n.test.Check(m, del, tol) {
		case Converged:
			res.Rate = n.test.Rate()
			return res, nil
		case Diverged:
			res.Rate = n.test.Rate()
			return res, fmt.Errorf("%w: Newton iteration diverging at iteration %d (update %.3e, rate %.3e)",
				ode.ErrConvergence, m, del, n.test.Rate())
		}
	}
	res.Rate = n.test.Rate()
	return res, fmt.Errorf("%w: Newton iteration did not converge in %d iterations", ode.ErrConvergence, n.cfg.MaxIters)
}
