// Package scheduler runs an experiment's runnable trials in rate-limit-safe
// batches.
//
// A batch holds at most one trial per model, so no backend ever sees two
// concurrent reasoning calls from one batch. Trials within a batch run
// concurrently; batches run one after another with a cooldown in between.
// The trial state store is the only state shared between trials.
//
// Run is safe to re-invoke: trials already COMPLETED are skipped, and an
// experiment with nothing runnable performs no backend calls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
)

// Store is the slice of the trial state store the scheduler reads and
// finalizes.
type Store interface {
	ID() string
	Snapshot() trialstate.Experiment
	Trial(id int) (trialstate.Trial, error)
	PendingTrials() []trialstate.Trial
	FailedTrials(maxRetries int) []trialstate.Trial
	RepairStale(olderThan time.Duration) ([]int, error)
	Finalize() (bool, error)
}

// Runner drives one trial. A non-nil error is fatal for the run.
type Runner interface {
	RunTrial(ctx context.Context, t trialstate.Trial) (bool, error)
}

// Mirror copies the files touched by a batch to secondary storage.
type Mirror interface {
	MirrorBatch(ctx context.Context, trialIDs []int) error
}

// Config tunes the scheduler.
type Config struct {
	// MaxRetries caps how often a FAILED trial is re-dispatched.
	MaxRetries int

	// Cooldown is slept between batches.
	Cooldown time.Duration

	// StaleAfter resets IN_PROGRESS trials older than this before the run.
	// Zero disables the repair pass.
	StaleAfter time.Duration
}

// Summary describes one Run.
type Summary struct {
	ExperimentID string              `json:"experiment_id"`
	Batches      int                 `json:"batches"`
	Planned      int                 `json:"planned"`
	Dispatched   int                 `json:"dispatched"`
	Completed    int                 `json:"completed"`
	Failed       int                 `json:"failed"`
	Skipped      int                 `json:"skipped"`
	Repaired     []int               `json:"repaired,omitempty"`
	Finalized    bool                `json:"finalized"`
	Counters     trialstate.Counters `json:"counters"`
	Duration     time.Duration       `json:"duration"`
}

// Scheduler runs batches for one experiment.
type Scheduler struct {
	cfg    Config
	store  Store
	runner Runner
	mirror Mirror
	log    *zap.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMirror mirrors files after each batch.
func WithMirror(m Mirror) Option {
	return func(s *Scheduler) { s.mirror = m }
}

// New creates a Scheduler.
func New(cfg Config, store Store, runner Runner, opts ...Option) (*Scheduler, error) {
	if store == nil || runner == nil {
		return nil, errors.New("scheduler: store and runner are required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("scheduler: max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	s := &Scheduler{cfg: cfg, store: store, runner: runner, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PlanBatches groups trials round-robin across models. Batch i holds the
// i-th trial (by ID) of every model that has one, so no batch contains two
// trials of the same model. Models appear in order of their lowest trial ID.
func PlanBatches(trials []trialstate.Trial) [][]trialstate.Trial {
	sorted := append([]trialstate.Trial(nil), trials...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var models []string
	queues := make(map[string][]trialstate.Trial)
	for _, t := range sorted {
		if _, ok := queues[t.ModelID]; !ok {
			models = append(models, t.ModelID)
		}
		queues[t.ModelID] = append(queues[t.ModelID], t)
	}

	var batches [][]trialstate.Trial
	for round := 0; ; round++ {
		var batch []trialstate.Trial
		for _, m := range models {
			if q := queues[m]; round < len(q) {
				batch = append(batch, q[round])
			}
		}
		if len(batch) == 0 {
			return batches
		}
		batches = append(batches, batch)
	}
}

// Runnable returns PENDING trials plus FAILED trials under the retry cap,
// ordered by ID.
func (s *Scheduler) Runnable() []trialstate.Trial {
	out := append(s.store.PendingTrials(), s.store.FailedTrials(s.cfg.MaxRetries)...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run executes every runnable trial and finalizes the experiment when
// nothing is left pending.
//
// When ctx is cancelled, Run stops at the current batch and returns the
// context error with a partial summary. Trials interrupted mid-call stay
// IN_PROGRESS until a repair pass resets them.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	sum := &Summary{ExperimentID: s.store.ID()}
	log := s.log.With(zap.String("experiment_id", sum.ExperimentID))
	done := func(err error) (*Summary, error) {
		sum.Counters = s.store.Snapshot().Counters
		sum.Duration = time.Since(start)
		return sum, err
	}

	if s.cfg.StaleAfter > 0 {
		repaired, err := s.store.RepairStale(s.cfg.StaleAfter)
		if err != nil {
			return done(fmt.Errorf("repair stale trials: %w", err))
		}
		sum.Repaired = repaired
	}

	plan := PlanBatches(s.Runnable())
	for _, b := range plan {
		sum.Planned += len(b)
	}
	log.Info("Run planned",
		zap.Int("runnable", sum.Planned),
		zap.Int("batches", len(plan)),
		zap.Int("repaired", len(sum.Repaired)))

	for i, batch := range plan {
		if err := ctx.Err(); err != nil {
			log.Warn("Run cancelled before batch", zap.Int("batch", i+1))
			return done(err)
		}

		ids, err := s.runBatch(ctx, batch, sum)
		sum.Batches++
		if err != nil {
			if ctx.Err() != nil {
				log.Warn("Run cancelled during batch", zap.Int("batch", i+1), zap.Error(err))
				return done(ctx.Err())
			}
			return done(fmt.Errorf("batch %d: %w", i+1, err))
		}

		c := s.store.Snapshot().Counters
		log.Info("Batch finished",
			zap.Int("batch", i+1),
			zap.Int("of", len(plan)),
			zap.Int("trials", len(ids)),
			zap.Int("completed", c.Completed),
			zap.Int("failed", c.Failed),
			zap.Int("pending", c.Pending),
			zap.Int("in_flight", c.InFlight),
			zap.Int("total", c.Total))

		if s.mirror != nil && len(ids) > 0 {
			if err := s.mirror.MirrorBatch(ctx, ids); err != nil {
				log.Warn("Failed to mirror batch artifacts", zap.Int("batch", i+1), zap.Error(err))
			}
		}

		if i < len(plan)-1 && s.cfg.Cooldown > 0 {
			if err := sleepCtx(ctx, s.cfg.Cooldown); err != nil {
				log.Warn("Run cancelled during cooldown", zap.Int("batch", i+1))
				return done(err)
			}
		}
	}

	finalized, err := s.store.Finalize()
	if err != nil {
		return done(fmt.Errorf("finalize: %w", err))
	}
	sum.Finalized = finalized
	log.Info("Run finished",
		zap.Int("dispatched", sum.Dispatched),
		zap.Int("completed", sum.Completed),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Bool("finalized", finalized))
	return done(nil)
}

// runBatch fans the batch out and waits for every trial. It returns the IDs
// that were dispatched.
func (s *Scheduler) runBatch(ctx context.Context, batch []trialstate.Trial, sum *Summary) ([]int, error) {
	g, gctx := errgroup.WithContext(ctx)
	var (
		mu  sync.Mutex
		ids []int
	)

	for _, planned := range batch {
		// Another invocation may have advanced the trial since planning.
		cur, err := s.store.Trial(planned.ID)
		if err != nil {
			// Trials already dispatched still finish before the run stops.
			_ = g.Wait()
			return ids, err
		}
		if !s.dispatchable(cur) {
			sum.Skipped++
			s.log.Debug("Skipping trial", zap.Int("trial_id", cur.ID), zap.String("status", string(cur.Status)))
			continue
		}

		sum.Dispatched++
		ids = append(ids, cur.ID)
		g.Go(func() error {
			ok, err := s.runner.RunTrial(gctx, cur)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				sum.Completed++
			} else {
				sum.Failed++
			}
			return nil
		})
	}
	return ids, g.Wait()
}

func (s *Scheduler) dispatchable(t trialstate.Trial) bool {
	switch t.Status {
	case trialstate.StatusPending:
		return true
	case trialstate.StatusFailed:
		return t.RetryCount < s.cfg.MaxRetries
	case trialstate.StatusInProgress, trialstate.StatusCompleted:
		return false
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
