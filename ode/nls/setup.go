package nls

import "math"

// SetupPolicy decides when the Newton iteration matrix must be rebuilt.
// Setup is requested for the first implicit solve, when γ has drifted from
// the γ of the last setup by more than DGMax, every MSBP steps, and after a
// convergence failure. A negative MSBP requests a setup for every solve.
type SetupPolicy struct {
	DGMax float64
	MSBP  int

	done   bool
	forced bool
	gammap float64
	nstlp  int
}

// Need reports whether a solve at step nst with coefficient gamma should
// rebuild the iteration matrix.
func (p *SetupPolicy) Need(gamma float64, nst int) bool {
	switch {
	case !p.done, p.forced, p.MSBP < 0:
		return true
	case math.Abs(p.GammaRatio(gamma)-1) > p.DGMax:
		return true
	case nst >= p.nstlp+p.MSBP:
		return true
	}
	return false
}

// GammaRatio returns gamma over the gamma of the last setup (1 before any).
func (p *SetupPolicy) GammaRatio(gamma float64) float64 {
	if !p.done || p.gammap == 0 {
		return 1
	}
	return gamma / p.gammap
}

// Done records a setup at step nst with coefficient gamma.
func (p *SetupPolicy) Done(gamma float64, nst int) {
	p.done = true
	p.forced = false
	p.gammap = gamma
	p.nstlp = nst
}

// Force requests a setup at the next solve.
func (p *SetupPolicy) Force() { p.forced = true }

// Reset forgets all setup history.
func (p *SetupPolicy) Reset() {
	*p = SetupPolicy{DGMax: p.DGMax, MSBP: p.MSBP}
}
