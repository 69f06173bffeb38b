package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/dessim/sim"
	"github.com/inference-sim/dessim/sim/replication"
	"github.com/inference-sim/dessim/sim/store"
	"github.com/inference-sim/dessim/sim/trace"
	"github.com/inference-sim/dessim/sim/workload"
)

var (
	scenarioPath string  // Scenario YAML file
	seed         int64   // Seed of replication 0; overrides the scenario seed when set
	until        float64 // Simulation horizon; overrides the scenario horizon when set
	replications int     // Number of independent replications
	parallel     int     // Concurrent replications (0 = GOMAXPROCS)
	outDir       string  // Directory for CSV export of the monitor tables
	dbPath       string  // SQLite database for run persistence
	logLevel     string  // Log verbosity level
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "dessim",
	Short: "Process-oriented discrete-event simulator",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// runOptions gathers what a run needs after flags are resolved against the
// scenario.
type runOptions struct {
	Scenario     *workload.Scenario
	Name         string
	Seed         int64
	Until        float64
	Replications int
	Parallel     int
	OutDir       string
	DBPath       string
}

// runReport is printed as JSON at the end of a run.
type runReport struct {
	RunID        string         `json:"run_id,omitempty"`
	Scenario     string         `json:"scenario"`
	Seed         int64          `json:"seed"`
	Replications int            `json:"replications"`
	End          float64        `json:"end"`
	InFlight     int            `json:"in_flight"`
	WallTimeMs   int64          `json:"wall_time_ms"`
	Summary      *trace.Summary `json:"summary"`
}

// runScenario executes the replication set and handles the optional exports.
func runScenario(ctx context.Context, opts runOptions) (*runReport, error) {
	start := time.Now()
	results, err := replication.Run(ctx, opts.Scenario.Build, replication.Config{
		Replications: opts.Replications,
		Parallel:     opts.Parallel,
		Seed:         opts.Seed,
		Until:        opts.Until,
	})
	if err != nil {
		return nil, err
	}

	merged := replication.Merge(results)
	end := replication.End(results)
	report := &runReport{
		Scenario:     opts.Name,
		Seed:         opts.Seed,
		Replications: opts.Replications,
		End:          end,
		Summary:      trace.Summarize(merged, end),
	}
	for _, r := range results {
		report.InFlight += r.InFlight
	}

	if opts.OutDir != "" {
		if err := merged.ExportCSV(opts.OutDir); err != nil {
			return nil, fmt.Errorf("export csv: %w", err)
		}
		logrus.Infof("Monitor tables written to %s", opts.OutDir)
	}
	if opts.DBPath != "" {
		db, err := store.New(opts.DBPath)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		meta, err := db.SaveRun(ctx, store.RunMeta{
			Scenario:     opts.Name,
			Seed:         opts.Seed,
			Replications: opts.Replications,
			Until:        opts.Until,
		}, merged)
		if err != nil {
			return nil, err
		}
		report.RunID = meta.ID
		logrus.Infof("Run %s stored in %s", meta.ID, opts.DBPath)
	}
	report.WallTimeMs = time.Since(start).Milliseconds()
	return report, nil
}

func writeReport(w io.Writer, report *runReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// runCmd executes the scenario using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario",
	Run: func(cmd *cobra.Command, args []string) {
		if scenarioPath == "" {
			logrus.Fatalf("Scenario file not provided. Exiting simulation.")
		}
		sc, err := workload.LoadScenario(scenarioPath)
		if err != nil {
			logrus.Fatalf("unable to load scenario: %v", err)
		}

		opts := runOptions{
			Scenario:     sc,
			Name:         filepath.Base(scenarioPath),
			Seed:         sc.Seed,
			Until:        sc.Horizon(),
			Replications: replications,
			Parallel:     parallel,
			OutDir:       outDir,
			DBPath:       dbPath,
		}
		if cmd.Flags().Changed("seed") {
			opts.Seed = seed
		}
		if cmd.Flags().Changed("until") {
			opts.Until = until
		}

		logrus.Infof("Starting %d replication(s) of %s, seed=%d, until=%g",
			opts.Replications, opts.Name, opts.Seed, opts.Until)
		report, err := runScenario(cmd.Context(), opts)
		if err != nil {
			logrus.Fatalf("simulation failed: %v", err)
		}
		if err := writeReport(os.Stdout, report); err != nil {
			logrus.Fatalf("unable to write summary: %v", err)
		}
		logrus.Info("Simulation complete.")
	},
}

// validateScenario loads a scenario and builds it once so reference errors
// surface without running.
func validateScenario(path string) (*sim.Simulator, error) {
	sc, err := workload.LoadScenario(path)
	if err != nil {
		return nil, err
	}
	return sc.Build(sc.Seed)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a scenario file without running it",
	Run: func(cmd *cobra.Command, args []string) {
		if scenarioPath == "" {
			logrus.Fatalf("Scenario file not provided.")
		}
		if _, err := validateScenario(scenarioPath); err != nil {
			logrus.Fatalf("invalid scenario: %v", err)
		}
		fmt.Printf("%s: ok\n", scenarioPath)
	},
}

func listRuns(ctx context.Context, path string, w io.Writer) error {
	db, err := store.New(path)
	if err != nil {
		return err
	}
	defer db.Close()
	runs, err := db.ListRuns(ctx)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\tseed=%d\treplications=%d\tuntil=%g\n",
			r.ID, r.CreatedAt.Format(time.RFC3339), r.Scenario, r.Seed, r.Replications, r.Until)
	}
	return nil
}

// runsCmd lists the runs stored in a database, or exports one of them
var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List stored runs, or export one run's tables with --out-dir",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if dbPath == "" {
			logrus.Fatalf("Database file not provided.")
		}
		if len(args) == 0 {
			if err := listRuns(cmd.Context(), dbPath, os.Stdout); err != nil {
				logrus.Fatalf("unable to list runs: %v", err)
			}
			return
		}
		if outDir == "" {
			logrus.Fatalf("--out-dir is required to export a run")
		}
		db, err := store.New(dbPath)
		if err != nil {
			logrus.Fatalf("unable to open database: %v", err)
		}
		defer db.Close()
		m, err := db.LoadMonitor(cmd.Context(), args[0])
		if err != nil {
			logrus.Fatalf("unable to load run: %v", err)
		}
		if err := m.ExportCSV(outDir); err != nil {
			logrus.Fatalf("export csv: %v", err)
		}
		logrus.Infof("Run %s written to %s", args[0], outDir)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario YAML file")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Seed of replication 0 (overrides the scenario seed)")
	runCmd.Flags().Float64Var(&until, "until", 0, "Simulation horizon (overrides the scenario horizon; +Inf runs until drained)")
	runCmd.Flags().IntVar(&replications, "replications", 1, "Number of independent replications")
	runCmd.Flags().IntVar(&parallel, "parallel", 0, "Concurrent replications (0 = GOMAXPROCS)")
	runCmd.Flags().StringVar(&outDir, "out-dir", "", "Directory for CSV export of the monitor tables")
	runCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database to store the run in")

	validateCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario YAML file")

	runsCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database holding stored runs")
	runsCmd.Flags().StringVar(&outDir, "out-dir", "", "Directory to export the selected run into")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runsCmd)
}
