package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the scenario/constitution/model catalog",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a catalog file against its schema",
	Long: `Validate loads the catalog (default: catalog.path), checks it against the
embedded JSON schema and resolves every cross reference.

Examples:
  crengine catalog validate
  crengine catalog validate experiments/catalog.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCatalogValidate,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogValidateCmd)
}

func runCatalogValidate(cmd *cobra.Command, args []string) error {
	cfg := *currentConfig()
	if len(args) == 1 {
		cfg.Catalog.Path = args[0]
	}
	cat, err := loadCatalog(&cfg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d scenarios, %d constitutions, %d models, %d evaluators\n",
		cfg.Catalog.Path, len(cat.Scenarios), len(cat.Constitutions), len(cat.Models), len(cat.Evaluators))
	return err
}
