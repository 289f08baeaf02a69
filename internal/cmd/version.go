package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "crengine %s (commit %s, built %s, %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate, runtime.Version())
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
