// Package problems holds the model problems the CLI integrates. Each
// problem is split into a slow explicit part, a slow implicit part and a
// fast part; any of them may be nil.
package problems

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/linsol"
)

// Problem is an initial value problem y' = FE + FI + FF, y(T0) = Y0.
type Problem struct {
	Name        string
	Description string
	T0          float64
	Y0          []float64
	Labels      []string // component names for plots and logs

	FE ode.RHSFunc // slow, non-stiff
	FI ode.RHSFunc // slow, stiff
	FF ode.RHSFunc // fast

	// JacI is the analytic Jacobian of FI. Nil means difference quotients.
	JacI linsol.JacobianFunc

	// Exact writes the analytic solution at t into y. Nil when unknown.
	Exact func(t float64, y []float64)
}

// Size returns the system dimension.
func (p *Problem) Size() int { return len(p.Y0) }

// Full returns the complete right-hand side FE + FI + FF.
func (p *Problem) Full() ode.RHSFunc {
	return Combine(p.Size(), p.FE, p.FI, p.FF)
}

// SplitSlow maps the slow parts onto a method that treats them explicitly,
// implicitly, or both. A method with a single slow treatment receives the
// sum of both slow parts; a part the problem lacks becomes zero.
func (p *Problem) SplitSlow(explicit, implicit bool) (fe, fi ode.RHSFunc) {
	n := p.Size()
	switch {
	case explicit && implicit:
		return Combine(n, p.FE), Combine(n, p.FI)
	case explicit:
		return Combine(n, p.FE, p.FI), nil
	case implicit:
		return nil, Combine(n, p.FE, p.FI)
	}
	return nil, nil
}

// ImplicitJacobian returns the Jacobian matching the implicit function
// SplitSlow hands out, or nil when that function folds in FE.
func (p *Problem) ImplicitJacobian(explicit bool) linsol.JacobianFunc {
	if explicit || p.FE == nil {
		return p.JacI
	}
	return nil
}

// Combine returns the sum of the non-nil functions. With none it returns
// the zero function.
func Combine(n int, fs ...ode.RHSFunc) ode.RHSFunc {
	var parts []ode.RHSFunc
	for _, f := range fs {
		if f != nil {
			parts = append(parts, f)
		}
	}
	switch len(parts) {
	case 0:
		return func(_ float64, _, ydot []float64) error {
			for i := range ydot {
				ydot[i] = 0
			}
			return nil
		}
	case 1:
		return parts[0]
	}
	tmp := make([]float64, n)
	return func(t float64, y, ydot []float64) error {
		if err := parts[0](t, y, ydot); err != nil {
			return err
		}
		for _, f := range parts[1:] {
			if err := f(t, y, tmp); err != nil {
				return err
			}
			for i := range ydot {
				ydot[i] += tmp[i]
			}
		}
		return nil
	}
}

var registry = map[string]func() *Problem{
	"decay":     func() *Problem { return NewDecay(DefaultDecayParams()) },
	"kpr":       func() *Problem { return NewKPR(DefaultKPRParams()) },
	"stiffpair": func() *Problem { return NewStiffPair(DefaultStiffPairParams()) },
}

// Lookup returns a fresh instance of the named problem with default
// parameters.
func Lookup(name string) (*Problem, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown problem %q; valid: %s", ode.ErrIllegalInput, name, strings.Join(Names(), ", "))
	}
	return ctor(), nil
}

// Names lists the registered problems in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
