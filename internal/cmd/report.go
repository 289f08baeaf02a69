package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/ledger"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize backend calls from the call ledger",
	Long: `Report aggregates the call ledger per model and layer: call counts,
truncations, ladder escalations, failures, latency and token usage.

With --trial it lists the individual calls of one trial instead.

Examples:
  crengine report
  crengine report --experiment exp_... --json
  crengine report --trial 17`,
	RunE: runReport,
}

var (
	reportExperiment string
	reportTrial      int
	reportJSON       bool
)

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVarP(&reportExperiment, "experiment", "e", "", "Experiment ID (default: current experiment)")
	reportCmd.Flags().IntVar(&reportTrial, "trial", 0, "List the calls of one trial")
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Output as JSON")
}

func runReport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()
	out := cmd.OutOrStdout()

	if !cfg.Ledger.Enabled {
		return exitError(foundry.ExitInvalidArgument, "Call ledger is disabled", errors.New("ledger.enabled is false"))
	}
	path := cfg.Ledger.ResolvedPath(cfg.Data.Root)
	if _, err := os.Stat(path); err != nil {
		return exitError(foundry.ExitFileNotFound, "Call ledger not found", err)
	}

	st, err := openLatest(ctx, cfg, reportExperiment)
	if err != nil {
		return err
	}
	id := st.ID()

	l, err := ledger.Open(ctx, ledger.Config{Path: path})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot open call ledger", err)
	}
	defer func() { _ = l.Close() }()

	if reportTrial > 0 {
		calls, err := l.Calls(ctx, ledger.Filter{ExperimentID: id, TrialID: reportTrial})
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Cannot query call ledger", err)
		}
		if reportJSON {
			return writeJSON(out, calls)
		}
		_, err = io.WriteString(out, renderCalls(calls))
		return err
	}

	rows, err := l.Summary(ctx, id)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot query call ledger", err)
	}
	if reportJSON {
		return writeJSON(out, rows)
	}
	_, err = io.WriteString(out, renderLedgerSummary(id, rows))
	return err
}

func renderLedgerSummary(id string, rows []ledger.Row) string {
	if len(rows) == 0 {
		return statusMutedStyle.Render("No calls recorded for "+id+".") + "\n"
	}
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, []string{
			r.ModelID,
			strconv.Itoa(r.Layer),
			strconv.Itoa(r.Calls),
			strconv.Itoa(r.Truncations),
			strconv.Itoa(r.Escalations),
			strconv.Itoa(r.Failures),
			fmt.Sprintf("%.0f", r.MeanLatencyMS),
			strconv.FormatInt(r.InputTokens, 10),
			strconv.FormatInt(r.OutputTokens, 10),
		})
	}
	return statusTitleStyle.Render("Calls for "+id) + "\n" +
		renderTable([]string{"MODEL", "LAYER", "CALLS", "TRUNC", "ESCAL", "FAIL", "MEAN MS", "IN TOK", "OUT TOK"}, cells) + "\n"
}

func renderCalls(calls []ledger.Call) string {
	if len(calls) == 0 {
		return statusMutedStyle.Render("No calls recorded.") + "\n"
	}
	cells := make([][]string, 0, len(calls))
	for _, c := range calls {
		outcome := c.ParseStatus
		if c.Error != "" {
			outcome = truncateRunes(c.Error, 60)
		}
		cells = append(cells, []string{
			c.RecordedAt.Format("15:04:05"),
			strconv.Itoa(c.Layer),
			c.ModelID,
			c.Evaluator,
			strconv.Itoa(c.Attempt),
			strconv.Itoa(c.MaxTokens),
			strconv.FormatBool(c.Truncated),
			outcome,
		})
	}
	return renderTable([]string{"TIME", "LAYER", "MODEL", "EVALUATOR", "ATTEMPT", "MAX TOK", "TRUNC", "OUTCOME"}, cells) + "\n"
}
