package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Filter narrows Calls. Zero values match everything.
type Filter struct {
	ExperimentID string
	TrialID      int
	Layer        int
}

// Calls returns matching rows in recording order.
func (s *Store) Calls(ctx context.Context, f Filter) ([]Call, error) {
	var (
		where []string
		args  []any
	)
	if f.ExperimentID != "" {
		where = append(where, "experiment_id = ?")
		args = append(args, f.ExperimentID)
	}
	if f.TrialID != 0 {
		where = append(where, "trial_id = ?")
		args = append(args, f.TrialID)
	}
	if f.Layer != 0 {
		where = append(where, "layer = ?")
		args = append(args, f.Layer)
	}

	q := `SELECT call_id, experiment_id, trial_id, layer, model_id, evaluator,
		attempt, max_tokens, truncated, truncation_reason, parse_status,
		latency_ms, input_tokens, output_tokens, error, recorded_at
		FROM calls`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY recorded_at, rowid"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Call
	for rows.Next() {
		var (
			c         Call
			truncated int
			recorded  string
		)
		if err := rows.Scan(&c.ID, &c.ExperimentID, &c.TrialID, &c.Layer, &c.ModelID, &c.Evaluator,
			&c.Attempt, &c.MaxTokens, &truncated, &c.TruncationReason, &c.ParseStatus,
			&c.LatencyMS, &c.InputTokens, &c.OutputTokens, &c.Error, &recorded); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		c.Truncated = truncated != 0
		if t, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
			c.RecordedAt = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Row aggregates calls for one model at one layer.
type Row struct {
	ModelID string `json:"model_id"`
	Layer   int    `json:"layer"`

	Calls       int `json:"calls"`
	Truncations int `json:"truncations"`

	// Escalations counts calls made above the first ladder rung.
	Escalations int `json:"escalations"`
	Failures    int `json:"failures"`

	MeanLatencyMS float64 `json:"mean_latency_ms"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
}

// Summary aggregates an experiment's calls per model and layer, ordered by
// model then layer.
func (s *Store) Summary(ctx context.Context, experimentID string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
			model_id,
			layer,
			COUNT(*),
			SUM(truncated),
			SUM(CASE WHEN attempt > 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN error <> '' OR parse_status = 'MANUAL_REVIEW' THEN 1 ELSE 0 END),
			AVG(latency_ms),
			SUM(input_tokens),
			SUM(output_tokens)
		FROM calls
		WHERE experiment_id = ?
		GROUP BY model_id, layer
		ORDER BY model_id, layer`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var (
			r       Row
			latency sql.NullFloat64
		)
		if err := rows.Scan(&r.ModelID, &r.Layer, &r.Calls, &r.Truncations, &r.Escalations, &r.Failures,
			&latency, &r.InputTokens, &r.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		r.MeanLatencyMS = latency.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}
