package inner

import (
	"fmt"

	"github.com/mriode/mriode/ode/nvector"
)

// Forcing is the polynomial the outer method adds to the fast right-hand
// side over one fast stage:
//
//	r(t) = Σ_k Vecs[k]·((t − TShift)/TScale)^k,  k < NVecs.
//
// Vecs has capacity for the coupling table's number of matrices; only the
// first NVecs are active.
type Forcing struct {
	TShift float64
	TScale float64
	Vecs   [][]float64
	NVecs  int
}

// NewForcing allocates room for capacity vectors of length n.
// Panics on negative sizes.
func NewForcing(capacity, n int) *Forcing {
	if capacity < 0 {
		panic(fmt.Sprintf("inner: forcing capacity must be >= 0, got %d", capacity))
	}
	return &Forcing{Vecs: nvector.NewArray(capacity, n)}
}

// Capacity returns the number of allocated vectors.
func (f *Forcing) Capacity() int { return len(f.Vecs) }

// Resize reallocates for capacity vectors of length n when the shape
// changes, and deactivates all vectors.
func (f *Forcing) Resize(capacity, n int) {
	if capacity != len(f.Vecs) || (capacity > 0 && len(f.Vecs[0]) != n) {
		*f = *NewForcing(capacity, n)
	}
	f.NVecs = 0
}

// Set activates the first nvecs vectors over the interval starting at
// tshift with length tscale. The vectors themselves are filled by the caller.
func (f *Forcing) Set(tshift, tscale float64, nvecs int) error {
	if nvecs < 0 || nvecs > len(f.Vecs) {
		return fmt.Errorf("forcing: %d vectors requested, capacity %d", nvecs, len(f.Vecs))
	}
	f.TShift, f.TScale, f.NVecs = tshift, tscale, nvecs
	return nil
}

// Clear deactivates all vectors.
func (f *Forcing) Clear() { f.NVecs = 0 }

// tau maps t to the normalized stage coordinate.
func (f *Forcing) tau(t float64) float64 {
	if f.TScale == 0 {
		return 0
	}
	return (t - f.TShift) / f.TScale
}

// AddTo adds r(t) to y using Horner's rule. Safe on nil.
func (f *Forcing) AddTo(t float64, y []float64) {
	if f == nil || f.NVecs == 0 {
		return
	}
	tau := f.tau(t)
	last := f.NVecs - 1
	for i := range y {
		v := f.Vecs[last][i]
		for k := last - 1; k >= 0; k-- {
			v = v*tau + f.Vecs[k][i]
		}
		y[i] += v
	}
}
