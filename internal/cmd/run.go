package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/observability"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/catalog"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/scheduler"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create or resume an experiment and run its trials",
	Long: `Run executes every runnable trial of an experiment in batches of at most one
trial per model. FAILED trials are retried until their retry count reaches
--max-retries.

Without --experiment the current experiment is resumed. A new experiment is
created from the catalog when --new is given or nothing is in progress.
Selection flags take glob patterns; an empty selection takes every entry.

An experiment stops being current once nothing is pending or in progress,
even if FAILED trials still have retries left. Retry those with
--experiment <id>; a bare run would start a new experiment.

Examples:
  crengine run
  crengine run --new --models 'claude-*' --scenarios triage-1,triage-2
  crengine run --experiment exp_20260101_120000_01J...   # also retries FAILED trials
  crengine run --new --evaluators strict,lenient   # strict is primary`,
	RunE: runRun,
}

var (
	runExperiment    string
	runNew           bool
	runID            string
	runScenarios     []string
	runConstitutions []string
	runModels        []string
	runEvaluators    []string
	runMaxRetries    int
	runJSON          bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runExperiment, "experiment", "e", "", "Experiment ID to resume (default: current experiment)")
	runCmd.Flags().BoolVar(&runNew, "new", false, "Always create a new experiment")
	runCmd.Flags().StringVar(&runID, "id", "", "ID for a new experiment (default: generated)")
	runCmd.Flags().StringSliceVar(&runScenarios, "scenarios", nil, "Scenario ID patterns for a new experiment")
	runCmd.Flags().StringSliceVar(&runConstitutions, "constitutions", nil, "Constitution ID patterns for a new experiment")
	runCmd.Flags().StringSliceVar(&runModels, "models", nil, "Model ID patterns for a new experiment")
	runCmd.Flags().StringSliceVar(&runEvaluators, "evaluators", nil, "Evaluator IDs for a new experiment; the first is primary")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", -1, "Retry cap for FAILED trials (default: run.max_retries)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run summary as JSON")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := currentConfig()
	if runExperiment != "" && runNew {
		return exitError(foundry.ExitInvalidArgument, "--experiment and --new are mutually exclusive", errors.New("conflicting flags"))
	}

	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	st, err := createOrOpen(ctx, cfg, cat)
	if err != nil {
		return err
	}
	exp := st.Snapshot()

	router, err := buildRouter(ctx, cfg, cat, exp)
	if err != nil {
		return err
	}
	led, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()
	mirror, err := buildMirror(ctx, cfg, st)
	if err != nil {
		return err
	}

	maxRetries := cfg.Run.MaxRetries
	if runMaxRetries >= 0 {
		maxRetries = runMaxRetries
	}
	sched, err := newScheduler(cfg, st, runnerDeps{
		Catalog:   cat,
		Responder: router,
		Ledger:    led,
		Mirror:    mirror,
	}, maxRetries)
	if err != nil {
		return err
	}

	observability.CLILogger.Info("Starting run",
		zap.String("experiment_id", exp.ID),
		zap.Int("trials", exp.Counters.Total),
		zap.Int("pending", exp.Counters.Pending),
		zap.Int("failed", exp.Counters.Failed),
		zap.Int("max_retries", maxRetries))

	summary, err := sched.Run(ctx)
	if summary != nil {
		if perr := printRunSummary(cmd.OutOrStdout(), summary, runJSON); perr != nil {
			return exitError(foundry.ExitFileWriteError, "Cannot write summary", perr)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			observability.CLILogger.Warn("Run interrupted; resume with `crengine run`",
				zap.String("experiment_id", exp.ID))
			return exitError(foundry.ExitSignalInt, "Run cancelled", err)
		}
		observability.CLILogger.Error("Run failed",
			zap.String("experiment_id", exp.ID),
			zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Run failed", err)
	}

	return nil
}

// createOrOpen picks the experiment a run works on.
func createOrOpen(ctx context.Context, cfg *config.Config, cat *catalog.Catalog) (*trialstate.Store, error) {
	if runExperiment != "" {
		return openExperiment(ctx, cfg, runExperiment)
	}
	if !runNew {
		st, err := trialstate.Resume(ctx, storeConfig(cfg))
		if err == nil {
			observability.CLILogger.Info("Resuming current experiment", zap.String("experiment_id", st.ID()))
			return st, nil
		}
		if !errors.Is(err, trialstate.ErrNoCurrentExperiment) {
			return nil, stateExitError("Cannot resume current experiment", err)
		}
	}

	sel, err := cat.Select(catalog.Selection{
		Scenarios:     runScenarios,
		Constitutions: runConstitutions,
		Models:        runModels,
		Evaluators:    runEvaluators,
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid selection", err)
	}
	st, err := trialstate.Create(ctx, storeConfig(cfg), trialstate.Selection{
		ID:              runID,
		ScenarioIDs:     sel.ScenarioIDs,
		ConstitutionIDs: sel.ConstitutionIDs,
		ModelIDs:        sel.ModelIDs,
		EvaluatorIDs:    sel.EvaluatorIDs,
	})
	if err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Cannot create experiment", err)
	}
	return st, nil
}

func printRunSummary(w io.Writer, s *scheduler.Summary, asJSON bool) error {
	if asJSON {
		return writeJSON(w, s)
	}
	c := s.Counters
	_, err := fmt.Fprintf(w, `Experiment: %s
Batches:    %d (%d trials planned, %d dispatched, %d skipped)
This run:   %d completed, %d failed
Totals:     %d/%d completed, %d failed, %d pending, %d in flight
Finalized:  %t
Duration:   %s
`,
		s.ExperimentID,
		s.Batches, s.Planned, s.Dispatched, s.Skipped,
		s.Completed, s.Failed,
		c.Completed, c.Total, c.Failed, c.Pending, c.InFlight,
		s.Finalized,
		s.Duration.Round(time.Millisecond))
	return err
}
