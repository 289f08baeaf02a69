package trialstate

import (
	"time"

	"go.uber.org/zap"
)

// RepairStale resets IN_PROGRESS trials dispatched at least olderThan ago,
// as left behind by a crash or interrupt. A trial that never failed goes back
// to PENDING; one that was being retried goes back to FAILED and gets back
// the retry the interrupted dispatch used. A zero threshold repairs every
// IN_PROGRESS trial.
//
// Only call this when no other process is executing the experiment.
func (s *Store) RepairStale(olderThan time.Duration) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var repaired []int
	err := s.mutate(func(now time.Time) error {
		for i := range s.trials {
			t := &s.trials[i]
			if t.Status != StatusInProgress {
				continue
			}
			if t.StartedAt != nil && now.Sub(*t.StartedAt) < olderThan {
				continue
			}
			to := StatusPending
			if t.EverFailed {
				to = StatusFailed
			}
			if err := transition(t, to, &s.exp.Counters); err != nil {
				return err
			}
			if to == StatusFailed && t.RetryCount > 0 {
				t.RetryCount--
			}
			t.UpdatedAt = now
			repaired = append(repaired, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(repaired) > 0 {
		s.cfg.Logger.Warn("reset stale in-progress trials",
			zap.String("experiment_id", s.exp.ID),
			zap.Ints("trial_ids", repaired),
			zap.Duration("older_than", olderThan))
	}
	return repaired, nil
}
