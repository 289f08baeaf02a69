// Package ledger records every backend call attempt in a SQLite database.
//
// The ledger is an audit trail, not a source of truth: trial state lives in
// the trial state store. Rows are append-only and keyed by a random call ID,
// so re-running a trial after a crash adds new rows rather than replacing
// old ones.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// Call is one backend call attempt.
type Call struct {
	ID           string
	ExperimentID string
	TrialID      int
	Layer        int
	ModelID      string
	Evaluator    string

	// Attempt is the 1-based position on the token ladder.
	Attempt   int
	MaxTokens int

	Truncated        bool
	TruncationReason string
	ParseStatus      string

	LatencyMS    int64
	InputTokens  int
	OutputTokens int

	// Error is empty for calls that returned a response.
	Error string

	RecordedAt time.Time
}

// Recorder accepts call rows.
type Recorder interface {
	Record(ctx context.Context, c Call) error
}

// Nop discards calls.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Call) error { return nil }

// Config selects the database.
type Config struct {
	// Path is a filesystem path, or ":memory:".
	Path string

	// Now overrides the clock used for RecordedAt. Defaults to time.Now.
	Now func() time.Time
}

// Store is a SQLite-backed Recorder.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger at cfg.Path and applies the
// schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
			// #nosec G301 -- results directories use 0755 like the rest of the tree
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create ledger directory: %w", err)
			}
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if err := configure(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	s, err := New(ctx, db, cfg.Now)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection and applies the schema.
func New(ctx context.Context, db *sql.DB, now func() time.Time) (*Store, error) {
	if db == nil {
		return nil, errors.New("ledger db is nil")
	}
	if now == nil {
		now = time.Now
	}
	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}
	return &Store{db: db, now: now}, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func configure(ctx context.Context, db *sql.DB, dsn string) error {
	// A single connection serializes writers from concurrent trials; WAL
	// lets readers (report, serve) proceed alongside a running experiment.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if dsn == ":memory:" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Record implements Recorder. A missing ID or timestamp is filled in.
func (s *Store) Record(ctx context.Context, c Call) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.RecordedAt.IsZero() {
		c.RecordedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO calls (
		call_id, experiment_id, trial_id, layer, model_id, evaluator,
		attempt, max_tokens, truncated, truncation_reason, parse_status,
		latency_ms, input_tokens, output_tokens, error, recorded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ExperimentID, c.TrialID, c.Layer, c.ModelID, c.Evaluator,
		c.Attempt, c.MaxTokens, boolToInt(c.Truncated), c.TruncationReason, c.ParseStatus,
		c.LatencyMS, c.InputTokens, c.OutputTokens, c.Error, c.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
