package trace

// TraceSummary aggregates statistics from a StepTrace.
type TraceSummary struct {
	TotalAttempts int
	AcceptedCount int
	RejectedCount int
	MinStepSize   float64
	MaxStepSize   float64
	MeanDSM       float64 // mean error estimate over accepted steps
	Outcomes      map[StepOutcome]int
}

// Summarize computes aggregate statistics from a StepTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *StepTrace) *TraceSummary {
	summary := &TraceSummary{
		Outcomes: make(map[StepOutcome]int),
	}
	if st == nil {
		return summary
	}

	summary.TotalAttempts = len(st.Steps)
	totalDSM := 0.0
	for _, r := range st.Steps {
		summary.Outcomes[r.Outcome]++
		if r.Outcome != OutcomeAccepted {
			summary.RejectedCount++
			continue
		}
		summary.AcceptedCount++
		totalDSM += r.DSM
		if summary.MinStepSize == 0 || r.StepSize < summary.MinStepSize {
			summary.MinStepSize = r.StepSize
		}
		if r.StepSize > summary.MaxStepSize {
			summary.MaxStepSize = r.StepSize
		}
	}
	if summary.AcceptedCount > 0 {
		summary.MeanDSM = totalDSM / float64(summary.AcceptedCount)
	}
	return summary
}
