package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/observability"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/catalog"
)

var addModelsCmd = &cobra.Command{
	Use:   "add-models <pattern>...",
	Short: "Add catalog models to an existing experiment",
	Long: `Add-models extends an experiment with trials for models it does not have
yet, over the experiment's existing scenarios and constitutions. Trial IDs
continue the existing sequence. A completed experiment is reopened.

Examples:
  crengine add-models 'gpt-*'
  crengine add-models --experiment exp_... grok-3 gemini-2.5-pro`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAddModels,
}

var addModelsExperiment string

func init() {
	rootCmd.AddCommand(addModelsCmd)
	addModelsCmd.Flags().StringVarP(&addModelsExperiment, "experiment", "e", "", "Experiment ID (default: current experiment)")
}

func runAddModels(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()

	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	models, err := catalog.MatchIDs(cat.ModelIDs(), args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid model selection", err)
	}

	st, err := openExperiment(ctx, cfg, addModelsExperiment)
	if err != nil {
		return err
	}
	added, err := st.AddModels(ctx, models)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot add models", err)
	}

	observability.CLILogger.Info("Models added",
		zap.String("experiment_id", st.ID()),
		zap.Strings("models", models),
		zap.Int("new_trials", len(added)))
	if len(added) == 0 {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s already has every selected model\n", st.ID())
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Added %d trials (%d-%d) to %s\n",
		len(added), added[0].ID, added[len(added)-1].ID, st.ID())
	return err
}
