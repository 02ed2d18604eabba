package trace

// TraceLevel controls the verbosity of step tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelSteps captures every step attempt.
	TraceLevelSteps TraceLevel = "steps"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:  true,
	TraceLevelSteps: true,
	"":              true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// StepTrace collects step records during an integration.
type StepTrace struct {
	Level      TraceLevel        `yaml:"level"`
	Steps      []StepRecord      `yaml:"steps"`
	Tolerances []ToleranceRecord `yaml:"tolerances,omitempty"`
}

// NewStepTrace creates a StepTrace ready for recording.
func NewStepTrace(level TraceLevel) *StepTrace {
	return &StepTrace{
		Level: level,
		Steps: make([]StepRecord, 0),
	}
}

// Enabled reports whether records should be collected. Safe on nil.
func (st *StepTrace) Enabled() bool {
	return st != nil && st.Level == TraceLevelSteps
}

// RecordStep appends a step record.
func (st *StepTrace) RecordStep(record StepRecord) {
	if !st.Enabled() {
		return
	}
	st.Steps = append(st.Steps, record)
}

// RecordTolerance appends a tolerance-factor record.
func (st *StepTrace) RecordTolerance(record ToleranceRecord) {
	if !st.Enabled() {
		return
	}
	st.Tolerances = append(st.Tolerances, record)
}
