package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/observability"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reset trials left IN_PROGRESS by a crash or interrupt",
	Long: `Repair resets IN_PROGRESS trials dispatched at least --older-than ago. A
trial that never failed goes back to PENDING, a retried one back to FAILED.

Only run this while no other crengine process executes the experiment.

Examples:
  crengine repair
  crengine repair --older-than 1h`,
	RunE: runRepair,
}

var (
	repairExperiment string
	repairOlderThan  string
)

func init() {
	rootCmd.AddCommand(repairCmd)

	repairCmd.Flags().StringVarP(&repairExperiment, "experiment", "e", "", "Experiment ID (default: current experiment)")
	repairCmd.Flags().StringVar(&repairOlderThan, "older-than", "0s", "Only reset trials dispatched at least this long ago (e.g. 30m, 2h, 1d)")
}

func runRepair(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()

	olderThan, err := parseAge(repairOlderThan)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --older-than", err)
	}

	st, err := openExperiment(ctx, cfg, repairExperiment)
	if err != nil {
		return err
	}
	repaired, err := st.RepairStale(olderThan)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Repair failed", err)
	}

	observability.CLILogger.Info("Repair finished",
		zap.String("experiment_id", st.ID()),
		zap.Ints("trials", repaired))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Reset %d trials in %s\n", len(repaired), st.ID())
	return err
}

// parseAge parses a non-negative duration that may use a day suffix ("2d").
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var (
		d   time.Duration
		err error
	)
	if strings.HasSuffix(s, "d") {
		var days int
		if _, serr := fmt.Sscanf(s, "%dd", &days); serr != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		d = time.Duration(days) * 24 * time.Hour
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative: %s", s)
	}
	return d, nil
}
