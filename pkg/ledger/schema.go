package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates the ledger schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS calls (
			call_id TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			trial_id INTEGER NOT NULL,
			layer INTEGER NOT NULL,
			model_id TEXT NOT NULL,
			-- evaluator is empty outside the evaluation layer.
			evaluator TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL,
			max_tokens INTEGER NOT NULL,
			truncated INTEGER NOT NULL DEFAULT 0,
			truncation_reason TEXT NOT NULL DEFAULT '',
			parse_status TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_experiment ON calls(experiment_id, trial_id);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_model_layer ON calls(experiment_id, model_id, layer);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1 AND schema_version < ?`, SchemaVersion, SchemaVersion); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return tx.Commit()
}
