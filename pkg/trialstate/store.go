package trialstate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Config locates the data root a Store persists into.
type Config struct {
	// Fs is the filesystem all state lives on. Default: the OS filesystem.
	Fs afero.Fs

	// Root is the data root. Default: "results".
	Root string

	// Logger receives transition and repair events. Default: no-op.
	Logger *zap.Logger

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	c.Root = strings.TrimSpace(c.Root)
	if c.Root == "" {
		c.Root = "results"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Store persists one experiment: the aggregate counters, the trial registry
// and the per-layer records.
//
// Directory layout:
//
//	<root>/current_experiment.json
//	<root>/experiments/<id>/experiment.json
//	<root>/experiments/<id>/trials.json
//	<root>/experiments/<id>/layers/trial_<n>/layer<k>.json
//	<root>/experiments/<id>/review/
//
// Every mutation is serialized by one mutex and flushed to disk before it
// returns. Store operations never retry.
type Store struct {
	cfg Config

	mu         sync.Mutex
	exp        Experiment
	trials     []Trial // trials[i].ID == i+1
	pointerSet bool
}

// registry is the on-disk shape of trials.json.
type registry struct {
	ExperimentID string        `json:"experiment_id"`
	Revision     int64         `json:"revision"`
	Trials       map[int]Trial `json:"trials"`
}

// ExperimentDir returns the directory of experiment id under root.
func ExperimentDir(root, id string) string {
	return filepath.Join(root, "experiments", id)
}

// Create initializes a new experiment from the cross product of sel. Trial
// IDs run from 1 in scenario, constitution, model order.
func Create(ctx context.Context, cfg Config, sel Selection) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	for name, ids := range map[string][]string{
		"scenarios":     sel.ScenarioIDs,
		"constitutions": sel.ConstitutionIDs,
		"models":        sel.ModelIDs,
		"evaluators":    sel.EvaluatorIDs,
	} {
		if err := checkIDs(name, ids); err != nil {
			return nil, err
		}
	}

	id := strings.TrimSpace(sel.ID)
	if id == "" {
		id = newExperimentID(cfg.Now())
	}
	if _, err := cfg.Fs.Stat(filepath.Join(ExperimentDir(cfg.Root, id), "experiment.json")); err == nil {
		return nil, fmt.Errorf("experiment %s already exists", id)
	}

	now := cfg.Now().UTC()
	s := &Store{
		cfg: cfg,
		exp: Experiment{
			ID:              id,
			Status:          ExperimentRunning,
			CreatedAt:       now,
			UpdatedAt:       now,
			ScenarioIDs:     append([]string(nil), sel.ScenarioIDs...),
			ConstitutionIDs: append([]string(nil), sel.ConstitutionIDs...),
			ModelIDs:        append([]string(nil), sel.ModelIDs...),
			EvaluatorIDs:    append([]string(nil), sel.EvaluatorIDs...),
		},
	}
	s.trials = s.crossProduct(sel.ScenarioIDs, sel.ConstitutionIDs, sel.ModelIDs, now)
	s.exp.Counters = deriveCounters(s.trials)

	if err := s.flush(); err != nil {
		return nil, err
	}
	cfg.Logger.Info("experiment created",
		zap.String("experiment_id", id),
		zap.Int("trials", len(s.trials)))
	return s, nil
}

// Open loads an existing experiment. Files that are unreadable or disagree
// with each other are reported as ErrCorruptState.
func Open(ctx context.Context, cfg Config, id string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("experiment id is required")
	}

	dir := ExperimentDir(cfg.Root, id)
	var exp Experiment
	if err := readJSON(cfg.Fs, filepath.Join(dir, "experiment.json"), &exp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
		}
		return nil, err
	}
	var reg registry
	if err := readJSON(cfg.Fs, filepath.Join(dir, "trials.json"), &reg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s has experiment.json but no trials.json", ErrCorruptState, id)
		}
		return nil, err
	}

	if exp.ID == id && reg.ExperimentID == id && reg.Revision == exp.Revision+1 {
		// The registry is renamed first, so a stop between the two renames
		// leaves it exactly one revision ahead.
		recovered, err := recoverAggregate(id, exp, reg)
		if err != nil {
			return nil, err
		}
		cfg.Logger.Warn("experiment aggregate behind trial registry; rebuilt from registry",
			zap.String("experiment_id", id),
			zap.Int64("aggregate_revision", exp.Revision),
			zap.Int64("registry_revision", reg.Revision))
		if err := writeJSON(cfg.Fs, filepath.Join(dir, "experiment.json"), recovered); err != nil {
			cfg.Logger.Warn("rewrite recovered aggregate failed",
				zap.String("experiment_id", id), zap.Error(err))
		}
		exp = recovered
	}

	trials, err := validate(id, exp, reg)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, exp: exp, trials: trials}, nil
}

// recoverAggregate rebuilds the aggregate for a registry one revision ahead
// of it. Counters come from the trial states and models added by the lost
// write are appended.
func recoverAggregate(id string, exp Experiment, reg registry) (Experiment, error) {
	trials, err := registryTrials(id, reg)
	if err != nil {
		return Experiment{}, err
	}
	out := exp.clone()
	out.Revision = reg.Revision
	out.Counters = deriveCounters(trials)

	known := make(map[string]bool, len(out.ModelIDs))
	for _, m := range out.ModelIDs {
		known[m] = true
	}
	for _, t := range trials {
		if !known[t.ModelID] {
			known[t.ModelID] = true
			out.ModelIDs = append(out.ModelIDs, t.ModelID)
		}
	}
	if out.Status == ExperimentCompleted && out.Counters.Pending+out.Counters.InFlight > 0 {
		out.Status = ExperimentRunning
		out.CompletedAt = nil
	}
	return out, nil
}

func corruptf(id, format string, args ...any) error {
	return fmt.Errorf("%w: experiment %s: %s", ErrCorruptState, id, fmt.Sprintf(format, args...))
}

// registryTrials orders the registry's trials by ID, rejecting gaps and
// unknown statuses.
func registryTrials(id string, reg registry) ([]Trial, error) {
	trials := make([]Trial, len(reg.Trials))
	for key, t := range reg.Trials {
		if key < 1 || key > len(trials) || t.ID != key {
			return nil, corruptf(id, "trial ids are not contiguous (key %d, id %d)", key, t.ID)
		}
		if _, err := ParseStatus(string(t.Status)); err != nil {
			return nil, corruptf(id, "trial %d: %v", key, err)
		}
		trials[key-1] = t
	}
	return trials, nil
}

func validate(id string, exp Experiment, reg registry) ([]Trial, error) {
	corrupt := func(format string, args ...any) error {
		return corruptf(id, format, args...)
	}

	if exp.ID != id || reg.ExperimentID != id {
		return nil, corrupt("id mismatch (experiment.json %q, trials.json %q)", exp.ID, reg.ExperimentID)
	}
	if exp.Revision != reg.Revision {
		return nil, corrupt("revision mismatch (experiment.json %d, trials.json %d)", exp.Revision, reg.Revision)
	}

	trials, err := registryTrials(id, reg)
	if err != nil {
		return nil, err
	}

	if !exp.Counters.Balanced() {
		return nil, corrupt("counters do not balance: %+v", exp.Counters)
	}
	if derived := deriveCounters(trials); derived != exp.Counters {
		return nil, corrupt("counters %+v disagree with trial states %+v", exp.Counters, derived)
	}
	return trials, nil
}

// ListExperiments returns every readable experiment under root, newest
// first. Unreadable experiments are skipped.
func ListExperiments(cfg Config) ([]Experiment, error) {
	cfg = cfg.withDefaults()
	entries, err := afero.ReadDir(cfg.Fs, filepath.Join(cfg.Root, "experiments"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read experiments dir: %w", err)
	}

	out := make([]Experiment, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var exp Experiment
		if err := readJSON(cfg.Fs, filepath.Join(cfg.Root, "experiments", entry.Name(), "experiment.json"), &exp); err != nil {
			continue
		}
		out = append(out, exp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ID returns the experiment ID.
func (s *Store) ID() string {
	return s.exp.ID
}

// Root returns the data root.
func (s *Store) Root() string {
	return s.cfg.Root
}

// Fs returns the filesystem the store writes to.
func (s *Store) Fs() afero.Fs {
	return s.cfg.Fs
}

// Dir returns the experiment directory.
func (s *Store) Dir() string {
	return ExperimentDir(s.cfg.Root, s.exp.ID)
}

// ReviewDir returns the directory manual-review files belong in.
func (s *Store) ReviewDir() string {
	return filepath.Join(s.Dir(), "review")
}

// ExperimentPath returns the path of experiment.json.
func (s *Store) ExperimentPath() string {
	return filepath.Join(s.Dir(), "experiment.json")
}

// TrialsPath returns the path of trials.json.
func (s *Store) TrialsPath() string {
	return filepath.Join(s.Dir(), "trials.json")
}

// AddModels appends trials for models not yet in the experiment. IDs continue
// the existing sequence. It returns the new trials.
func (s *Store) AddModels(ctx context.Context, models []string) ([]Trial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkIDs("models", models); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool, len(s.exp.ModelIDs))
	for _, m := range s.exp.ModelIDs {
		existing[m] = true
	}
	var fresh []string
	for _, m := range models {
		if !existing[m] {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	var added []Trial
	err := s.mutate(func(now time.Time) error {
		added = s.crossProduct(s.exp.ScenarioIDs, s.exp.ConstitutionIDs, fresh, now)
		s.trials = append(s.trials, added...)
		s.exp.ModelIDs = append(s.exp.ModelIDs, fresh...)
		s.exp.Counters.Total += len(added)
		s.exp.Counters.Pending += len(added)
		if s.exp.Status == ExperimentCompleted {
			s.exp.Status = ExperimentRunning
			s.exp.CompletedAt = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cfg.Logger.Info("models added",
		zap.String("experiment_id", s.exp.ID),
		zap.Strings("models", fresh),
		zap.Int("trials", len(added)))
	return append([]Trial(nil), added...), nil
}

// Snapshot returns a copy of the experiment aggregate.
func (s *Store) Snapshot() Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp.clone()
}

// Trial returns a copy of trial id.
func (s *Store) Trial(id int) (Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lookup(id)
	if err != nil {
		return Trial{}, err
	}
	return *t, nil
}

// Trials returns a copy of every trial in ID order.
func (s *Store) Trials() []Trial {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Trial(nil), s.trials...)
}

// PendingTrials returns the PENDING trials in ID order.
func (s *Store) PendingTrials() []Trial {
	return s.filter(func(t Trial) bool { return t.Status == StatusPending })
}

// FailedTrials returns FAILED trials retried fewer than maxRetries times.
func (s *Store) FailedTrials(maxRetries int) []Trial {
	return s.filter(func(t Trial) bool {
		return t.Status == StatusFailed && t.RetryCount < maxRetries
	})
}

func (s *Store) filter(keep func(Trial) bool) []Trial {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Trial
	for _, t := range s.trials {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// MarkInProgress dispatches a PENDING or FAILED trial. The first dispatch of
// an experiment writes the resumption pointer before the transition is
// flushed, so an IN_PROGRESS trial on disk always has a pointer to it.
func (s *Store) MarkInProgress(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensurePointer(); err != nil {
		return err
	}
	return s.mutate(func(now time.Time) error {
		t, err := s.lookup(id)
		if err != nil {
			return err
		}
		if err := transition(t, StatusInProgress, &s.exp.Counters); err != nil {
			return err
		}
		t.Attempts++
		t.StartedAt = &now
		t.CompletedAt = nil
		t.UpdatedAt = now
		return nil
	})
}

// MarkCompleted records a successful trial with its final score.
func (s *Store) MarkCompleted(id int, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutate(func(now time.Time) error {
		t, err := s.lookup(id)
		if err != nil {
			return err
		}
		if err := transition(t, StatusCompleted, &s.exp.Counters); err != nil {
			return err
		}
		sc := score
		t.FinalScore = &sc
		t.CompletedAt = &now
		t.UpdatedAt = now
		return nil
	})
}

// MarkFailed records a failed trial. A nil detail is stored as an unknown
// error.
func (s *Store) MarkFailed(id int, detail *TrialError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutate(func(now time.Time) error {
		t, err := s.lookup(id)
		if err != nil {
			return err
		}
		if err := transition(t, StatusFailed, &s.exp.Counters); err != nil {
			return err
		}
		if detail == nil {
			detail = &TrialError{Type: "unknown", Message: "trial failed"}
		}
		d := *detail
		if d.Timestamp.IsZero() {
			d.Timestamp = now
		}
		t.LastError = &d
		t.UpdatedAt = now
		return nil
	})
}

// Finalize marks the experiment COMPLETED and clears the resumption pointer
// once nothing is pending or in progress. It reports whether it did so.
func (s *Store) Finalize() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.trials {
		if t.Status == StatusPending || t.Status == StatusInProgress {
			return false, nil
		}
	}
	if s.exp.Status != ExperimentCompleted {
		err := s.mutate(func(now time.Time) error {
			s.exp.Status = ExperimentCompleted
			s.exp.CompletedAt = &now
			return nil
		})
		if err != nil {
			return false, err
		}
	}
	if err := s.clearPointer(); err != nil {
		return false, err
	}
	s.cfg.Logger.Info("experiment finalized",
		zap.String("experiment_id", s.exp.ID),
		zap.Int("completed", s.exp.Counters.Completed),
		zap.Int("failed", s.exp.Counters.Failed))
	return true, nil
}

// mutate runs fn against the in-memory state and flushes it. If fn or the
// flush fails the in-memory state is rolled back. Caller holds s.mu.
func (s *Store) mutate(fn func(now time.Time) error) error {
	prevExp := s.exp.clone()
	prevTrials := append([]Trial(nil), s.trials...)

	now := s.cfg.Now().UTC()
	if err := fn(now); err != nil {
		s.exp, s.trials = prevExp, prevTrials
		return err
	}
	s.exp.UpdatedAt = now
	if !s.exp.Counters.Balanced() {
		s.exp, s.trials = prevExp, prevTrials
		return fmt.Errorf("%w: counters would not balance", ErrCorruptState)
	}
	if err := s.flush(); err != nil {
		s.exp, s.trials = prevExp, prevTrials
		return err
	}
	return nil
}

// flush writes the registry and then the aggregate under the next revision.
func (s *Store) flush() error {
	rev := s.exp.Revision + 1

	reg := registry{
		ExperimentID: s.exp.ID,
		Revision:     rev,
		Trials:       make(map[int]Trial, len(s.trials)),
	}
	for _, t := range s.trials {
		reg.Trials[t.ID] = t
	}
	if err := writeJSON(s.cfg.Fs, s.TrialsPath(), reg); err != nil {
		return fmt.Errorf("write trial registry: %w", err)
	}

	exp := s.exp.clone()
	exp.Revision = rev
	if err := writeJSON(s.cfg.Fs, s.ExperimentPath(), exp); err != nil {
		return fmt.Errorf("write experiment aggregate: %w", err)
	}
	s.exp.Revision = rev
	return nil
}

func (s *Store) lookup(id int) (*Trial, error) {
	if id < 1 || id > len(s.trials) {
		return nil, fmt.Errorf("%w: %d", ErrTrialNotFound, id)
	}
	return &s.trials[id-1], nil
}

func (s *Store) crossProduct(scenarios, constitutions, models []string, now time.Time) []Trial {
	next := len(s.trials) + 1
	out := make([]Trial, 0, len(scenarios)*len(constitutions)*len(models))
	for _, sc := range scenarios {
		for _, c := range constitutions {
			for _, m := range models {
				out = append(out, Trial{
					ID:             next,
					ScenarioID:     sc,
					ConstitutionID: c,
					ModelID:        m,
					Status:         StatusPending,
					CreatedAt:      now,
					UpdatedAt:      now,
				})
				next++
			}
		}
	}
	return out
}

func checkIDs(name string, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no %s selected", ErrInvalidSelection, name)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty id in %s", ErrInvalidSelection, name)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate %s id %q", ErrInvalidSelection, name, id)
		}
		seen[id] = true
	}
	return nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newExperimentID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
