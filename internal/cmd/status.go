package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show experiment progress",
	Long: `Status prints the counters of an experiment, a per-model breakdown and the
trials that are currently FAILED.

Examples:
  crengine status
  crengine status --experiment exp_... --json
  crengine status --list`,
	RunE: runStatus,
}

var (
	statusExperiment string
	statusJSON       bool
	statusList       bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusExperiment, "experiment", "e", "", "Experiment ID (default: current experiment)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	statusCmd.Flags().BoolVar(&statusList, "list", false, "List all experiments under the data root")
}

var (
	statusTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statusMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	statusOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	statusPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	statusHeadStyle  = lipgloss.NewStyle().Bold(true)
)

// statusReport is the --json shape.
type statusReport struct {
	Experiment trialstate.Experiment `json:"experiment"`
	Models     []modelProgress       `json:"models"`
	Failed     []trialstate.Trial    `json:"failed"`
}

type modelProgress struct {
	ModelID    string `json:"model_id"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Pending    int    `json:"pending"`
	InProgress int    `json:"in_progress"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()
	out := cmd.OutOrStdout()

	if statusList {
		exps, err := trialstate.ListExperiments(storeConfig(cfg))
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Cannot list experiments", err)
		}
		if statusJSON {
			return writeJSON(out, exps)
		}
		_, err = io.WriteString(out, renderExperimentList(exps))
		return err
	}

	st, err := openLatest(ctx, cfg, statusExperiment)
	if err != nil {
		return err
	}
	report := buildStatusReport(st.Snapshot(), st.Trials())
	if statusJSON {
		return writeJSON(out, report)
	}
	_, err = io.WriteString(out, renderStatus(report))
	return err
}

func buildStatusReport(exp trialstate.Experiment, trials []trialstate.Trial) statusReport {
	byModel := make(map[string]*modelProgress)
	order := append([]string(nil), exp.ModelIDs...)
	failed := []trialstate.Trial{}
	for _, t := range trials {
		mp, ok := byModel[t.ModelID]
		if !ok {
			mp = &modelProgress{ModelID: t.ModelID}
			byModel[t.ModelID] = mp
			if !containsID(order, t.ModelID) {
				order = append(order, t.ModelID)
			}
		}
		mp.Total++
		switch t.Status {
		case trialstate.StatusCompleted:
			mp.Completed++
		case trialstate.StatusFailed:
			mp.Failed++
			failed = append(failed, t)
		case trialstate.StatusPending:
			mp.Pending++
		case trialstate.StatusInProgress:
			mp.InProgress++
		}
	}

	models := make([]modelProgress, 0, len(order))
	for _, id := range order {
		if mp, ok := byModel[id]; ok {
			models = append(models, *mp)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
	return statusReport{Experiment: exp, Models: models, Failed: failed}
}

func renderStatus(r statusReport) string {
	exp := r.Experiment
	c := exp.Counters

	state := statusOKStyle.Render(string(exp.Status))
	if exp.Status != trialstate.ExperimentCompleted {
		state = statusTitleStyle.Render(string(exp.Status))
	}
	header := lipgloss.JoinVertical(lipgloss.Left,
		statusTitleStyle.Render("Experiment "+exp.ID)+"  "+state,
		statusMutedStyle.Render(fmt.Sprintf("created %s  updated %s",
			exp.CreatedAt.Format("2006-01-02 15:04:05Z07:00"),
			exp.UpdatedAt.Format("2006-01-02 15:04:05Z07:00"))),
		statusMutedStyle.Render(fmt.Sprintf("%d scenarios x %d constitutions x %d models, evaluators: %s",
			len(exp.ScenarioIDs), len(exp.ConstitutionIDs), len(exp.ModelIDs), strings.Join(exp.EvaluatorIDs, ", "))),
	)

	counters := statusPanelStyle.Render(fmt.Sprintf("%s %d/%d   failed %d   pending %d   in flight %d",
		"completed", c.Completed, c.Total, c.Failed, c.Pending, c.InFlight))

	rows := make([][]string, 0, len(r.Models))
	for _, m := range r.Models {
		rows = append(rows, []string{
			m.ModelID,
			strconv.Itoa(m.Completed) + "/" + strconv.Itoa(m.Total),
			strconv.Itoa(m.Failed),
			strconv.Itoa(m.Pending),
			strconv.Itoa(m.InProgress),
		})
	}
	parts := []string{header, counters, renderTable([]string{"MODEL", "DONE", "FAILED", "PENDING", "ACTIVE"}, rows)}

	if len(r.Failed) > 0 {
		frows := make([][]string, 0, len(r.Failed))
		for _, t := range r.Failed {
			msg := ""
			if t.LastError != nil {
				msg = truncateRunes(t.LastError.Error(), 80)
			}
			frows = append(frows, []string{
				strconv.Itoa(t.ID),
				t.ModelID,
				t.ScenarioID + "/" + t.ConstitutionID,
				strconv.Itoa(t.RetryCount),
				msg,
			})
		}
		parts = append(parts,
			statusErrorStyle.Render(fmt.Sprintf("Failed trials (%d)", len(r.Failed))),
			renderTable([]string{"ID", "MODEL", "SCENARIO/CONSTITUTION", "RETRIES", "ERROR"}, frows))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
}

func renderExperimentList(exps []trialstate.Experiment) string {
	if len(exps) == 0 {
		return statusMutedStyle.Render("No experiments.") + "\n"
	}
	rows := make([][]string, 0, len(exps))
	for _, e := range exps {
		rows = append(rows, []string{
			e.ID,
			string(e.Status),
			strconv.Itoa(e.Counters.Completed) + "/" + strconv.Itoa(e.Counters.Total),
			strconv.Itoa(e.Counters.Failed),
			e.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	return renderTable([]string{"EXPERIMENT", "STATUS", "DONE", "FAILED", "CREATED"}, rows) + "\n"
}

// renderTable pads every column to its widest cell.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		out := make([]string, len(cells))
		for i, cell := range cells {
			s := lipgloss.NewStyle().Width(widths[i] + 2)
			if style != nil {
				s = s.Inherit(*style)
			}
			out[i] = s.Render(cell)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, out...), " ")
	}

	lines := []string{line(headers, &statusHeadStyle)}
	for _, row := range rows {
		lines = append(lines, line(row, nil))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
