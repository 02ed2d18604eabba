package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mriode/mriode/ode"
	"github.com/mriode/mriode/ode/trace"
)

// Result is the outcome of one run.
type Result struct {
	Problem   string
	Method    string
	Multirate bool
	Labels    []string
	Samples   []Sample
	Stats     ode.Statistics
	MaxErr    float64 // max sample error, NaN without an exact solution
	TolFactor float64 // final inner tolerance factor, 0 without the htol controller

	exact func(t float64, y []float64)
}

// Run integrates rc and collects the samples. A non-nil Result accompanies
// an integration failure so partial output can still be written.
func Run(ctx context.Context, rc RunConfig, st *trace.StepTrace) (*Result, error) {
	s, err := newSession(rc, st)
	if err != nil {
		return nil, err
	}
	samples, runErr := s.run(ctx)
	res := &Result{
		Problem:   s.problem.Name,
		Method:    rc.Method,
		Multirate: s.multirate,
		Labels:    s.problem.Labels,
		Samples:   samples,
		Stats:     s.ig.Statistics(),
		MaxErr:    math.NaN(),
		exact:     s.problem.Exact,
	}
	for _, smp := range samples {
		if !math.IsNaN(smp.Err) && (math.IsNaN(res.MaxErr) || smp.Err > res.MaxErr) {
			res.MaxErr = smp.Err
		}
	}
	if s.adapter != nil {
		res.TolFactor = s.adapter.TolFactor()
	}
	return res, runErr
}

// printSamples writes the solution table.
func printSamples(w io.Writer, labels []string, samples []Sample) {
	fmt.Fprintf(w, "%12s", "t")
	for _, l := range labels {
		fmt.Fprintf(w, " %14s", l)
	}
	fmt.Fprintf(w, " %11s\n", "error")
	for _, s := range samples {
		fmt.Fprintf(w, "%12.6g", s.T)
		for _, v := range s.Y {
			fmt.Fprintf(w, " %14.8g", v)
		}
		fmt.Fprintf(w, " %11.3e\n", s.Err)
	}
}

// traceFile is the YAML document written by --trace.
type traceFile struct {
	Problem   string                  `yaml:"problem"`
	Method    string                  `yaml:"method"`
	Summary   traceSummary            `yaml:"summary"`
	Samples   []Sample                `yaml:"samples"`
	Steps     []trace.StepRecord      `yaml:"steps"`
	Tolerance []trace.ToleranceRecord `yaml:"tolerances,omitempty"`
}

type traceSummary struct {
	Attempts    int                       `yaml:"attempts"`
	Accepted    int                       `yaml:"accepted"`
	Rejected    int                       `yaml:"rejected"`
	MinStepSize float64                   `yaml:"min_h"`
	MaxStepSize float64                   `yaml:"max_h"`
	MeanDSM     float64                   `yaml:"mean_dsm"`
	Outcomes    map[trace.StepOutcome]int `yaml:"outcomes"`
}

// writeTrace dumps the step trace and the samples as YAML.
func writeTrace(path string, st *trace.StepTrace, res *Result) error {
	sum := trace.Summarize(st)
	doc := traceFile{
		Problem: res.Problem,
		Method:  res.Method,
		Summary: traceSummary{
			Attempts:    sum.TotalAttempts,
			Accepted:    sum.AcceptedCount,
			Rejected:    sum.RejectedCount,
			MinStepSize: sum.MinStepSize,
			MaxStepSize: sum.MaxStepSize,
			MeanDSM:     sum.MeanDSM,
			Outcomes:    sum.Outcomes,
		},
		Samples: res.Samples,
	}
	if st != nil {
		doc.Steps, doc.Tolerance = st.Steps, st.Tolerances
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("YAML marshal failed: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
