package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mriode/mriode/ode/trace"
)

var (
	// CLI flags for the run command
	configPath    string  // YAML run file
	logLevel      string  // Log verbosity level
	problemName   string  // Model problem
	methodName    string  // Coupling table, IMEX pair, or Butcher table
	tFinal        float64 // Final time
	outputs       int     // Number of output times
	relTol        float64 // Slow relative tolerance
	absTol        float64 // Slow absolute tolerance
	fixedStep     float64 // Fixed slow step, 0 for adaptive
	controller    string  // Step-size controller
	innerTable    string  // Inner explicit Butcher table
	innerStep     float64 // Fixed inner step, 0 for adaptive
	traceOutput   string  // Path of the YAML step trace
	plotOutput    string  // Path of the solution plot
	printStats    bool    // Print integrator statistics
	printSolution bool    // Print the solution table
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "mriode",
	Short: "Multirate adaptive ODE integration",
}

// runCmd integrates a model problem using parameters from the run file and CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Integrate a model problem",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		rc := DefaultRunConfig()
		if configPath != "" {
			if rc, err = LoadRunConfig(configPath); err != nil {
				logrus.Fatalf("%v", err)
			}
		}
		applyRunFlags(cmd, &rc)

		var st *trace.StepTrace
		if traceOutput != "" {
			st = trace.NewStepTrace(trace.TraceLevelSteps)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		logrus.Infof("Integrating %s to t=%g with %s (rtol=%g, atol=%g)",
			rc.Problem, rc.TFinal, rc.Method, rc.Integrator.RelTol, rc.Integrator.AbsTol)
		startTime := time.Now()

		res, runErr := Run(ctx, rc, st)
		if res != nil {
			if printSolution {
				printSamples(os.Stdout, res.Labels, res.Samples)
			}
			if printStats {
				res.Stats.Print(os.Stdout)
			}
			if traceOutput != "" {
				if err := writeTrace(traceOutput, st, res); err != nil {
					logrus.Errorf("Writing trace: %v", err)
				}
			}
			if plotOutput != "" {
				if err := savePlot(plotOutput, res); err != nil {
					logrus.Errorf("Writing plot: %v", err)
				}
			}
		}
		if runErr != nil {
			logrus.Fatalf("%v", runErr)
		}
		logrus.Infof("Integration complete in %s: %d steps, max error %.3e",
			time.Since(startTime).Round(time.Millisecond), res.Stats.Steps, res.MaxErr)
	},
}

// applyRunFlags overrides run-file values with flags the user set.
// Unset flags never overwrite the run file.
func applyRunFlags(cmd *cobra.Command, rc *RunConfig) {
	flags := cmd.Flags()
	if flags.Changed("problem") {
		rc.Problem = problemName
	}
	if flags.Changed("method") {
		rc.Method = methodName
	}
	if flags.Changed("tf") {
		rc.TFinal = tFinal
	}
	if flags.Changed("outputs") {
		rc.Outputs = outputs
	}
	if flags.Changed("rtol") {
		rc.Integrator.RelTol = relTol
	}
	if flags.Changed("atol") {
		rc.Integrator.AbsTol = absTol
	}
	if flags.Changed("fixed-step") {
		rc.Integrator.FixedStep = fixedStep
	}
	if flags.Changed("controller") {
		rc.Integrator.Controller.Type = controller
	}
	if flags.Changed("inner-table") {
		rc.Inner.Table = innerTable
	}
	if flags.Changed("inner-step") {
		rc.Inner.FixedStep = innerStep
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	d := DefaultRunConfig()

	runCmd.Flags().StringVar(&configPath, "config", "", "YAML run file (flags override its values)")
	runCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	runCmd.Flags().StringVar(&problemName, "problem", d.Problem, "Model problem (decay, kpr, stiffpair)")
	runCmd.Flags().StringVar(&methodName, "method", d.Method, "Coupling table, IMEX pair, or Butcher table (see `mriode tables`)")
	runCmd.Flags().Float64Var(&tFinal, "tf", d.TFinal, "Final time")
	runCmd.Flags().IntVar(&outputs, "outputs", d.Outputs, "Number of evenly spaced output times")
	runCmd.Flags().Float64Var(&relTol, "rtol", d.Integrator.RelTol, "Relative tolerance")
	runCmd.Flags().Float64Var(&absTol, "atol", d.Integrator.AbsTol, "Absolute tolerance")
	runCmd.Flags().Float64Var(&fixedStep, "fixed-step", 0, "Fixed slow step size (0 = adaptive)")
	runCmd.Flags().StringVar(&controller, "controller", d.Integrator.Controller.Type, "Step-size controller (i, pi, htol)")

	// Inner stepper
	runCmd.Flags().StringVar(&innerTable, "inner-table", d.Inner.Table, "Explicit Butcher table of the inner stepper")
	runCmd.Flags().Float64Var(&innerStep, "inner-step", 0, "Fixed inner step size (0 = adaptive)")

	// Outputs
	runCmd.Flags().StringVar(&traceOutput, "trace", "", "Write the per-step decision trace to this YAML file")
	runCmd.Flags().StringVar(&plotOutput, "plot", "", "Save a solution plot (.png, .svg, .pdf)")
	runCmd.Flags().BoolVar(&printStats, "stats", true, "Print integrator statistics")
	runCmd.Flags().BoolVar(&printSolution, "solution", true, "Print the solution at the output times")

	// Attach subcommands to `root`
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tablesCmd)
}
