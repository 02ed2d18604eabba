package ode

// RHSFunc evaluates ydot = f(t, y). A nil return is success; an error
// wrapped with Recoverable requests a smaller step; any other error aborts
// the integration.
type RHSFunc func(t float64, y, ydot []float64) error

// RHSMode tells a stepper whether a full right-hand side may be served from
// a cached evaluation.
type RHSMode int

const (
	// RHSFromScratch always re-evaluates.
	RHSFromScratch RHSMode = iota
	// RHSReuseIfCurrent may return the cached evaluation at (t, y) when it
	// is known to be current.
	RHSReuseIfCurrent
)

// Stepper advances a system by single steps on behalf of an Integrator.
// The driver owns the accepted state yn and the candidate ycur; the stepper
// owns its stage caches and working vectors.
type Stepper interface {
	// Init binds the stepper to the initial condition and allocates storage.
	Init(t0 float64, y0 []float64) error

	// TakeStep attempts a step of size h from (t, yn) and writes the
	// candidate solution into ycur. It returns the local error estimate in
	// the WRMS norm weighted by ewt (0 when the method has no estimate).
	// Stage caches visible to later steps are not modified.
	TakeStep(t, h float64, yn, ycur, ewt []float64) (dsm float64, err error)

	// CompleteStep commits stage caches once the driver accepts the step
	// that ended at (t, y).
	CompleteStep(t, h float64, y []float64) error

	// Reset discards cached history and re-seeds the stepper at (t, y).
	Reset(t float64, y []float64) error

	// FullRHS evaluates the complete right-hand side at (t, y).
	FullRHS(t float64, y, f []float64, mode RHSMode) error

	// Orders reports the method order q and embedding order p (0 if none).
	Orders() (q, p int)

	// Counters returns the stepper's work counters.
	Counters() StepperCounters
}

// Relaxer is the optional post-step relaxation collaborator. Given the
// accepted step it returns the relaxation factor r used to rescale both the
// solution increment and the step size. Returning ErrRelaxRetry asks the
// driver to shrink the step and retry.
type Relaxer interface {
	Relax(t, h float64, yOld, yNew []float64, order int) (float64, error)
}

// Controller is the single-rate step-size controller protocol the driver
// knows: estimate the next step from an error norm and an order.
type Controller interface {
	EstimateStep(h float64, p int, dsm float64) (float64, error)
	UpdateH(h, dsm float64) error
	Reset()
}

// NewControllerFunc builds the default controller from configuration. It is
// installed by package ode/adapt in its init function.
var NewControllerFunc func(cfg ControllerConfig) (Controller, error)
