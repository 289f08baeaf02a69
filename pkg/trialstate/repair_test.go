package trialstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairStale(t *testing.T) {
	s, clock := newTestStore(t)

	// Trial 1: dispatched long ago, never failed.
	require.NoError(t, s.MarkInProgress(1))
	// Trial 2: failed once, retry dispatched long ago.
	require.NoError(t, s.MarkInProgress(2))
	require.NoError(t, s.MarkFailed(2, nil))
	require.NoError(t, s.MarkInProgress(2))

	clock.Advance(time.Hour)
	// Trial 3: dispatched just now.
	require.NoError(t, s.MarkInProgress(3))

	repaired, err := s.RepairStale(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, repaired)

	t1, _ := s.Trial(1)
	t2, _ := s.Trial(2)
	t3, _ := s.Trial(3)
	assert.Equal(t, StatusPending, t1.Status)
	assert.Equal(t, StatusFailed, t2.Status)
	assert.Equal(t, StatusInProgress, t3.Status)
	assert.Equal(t, 0, t2.RetryCount, "interrupted retry is not charged")
	assert.Equal(t, 2, t2.Attempts)

	c := requireBalanced(t, s)
	assert.Equal(t, Counters{Total: 12, Pending: 10, Failed: 1, InFlight: 1}, c)

	// Zero threshold repairs everything still in progress.
	repaired, err = s.RepairStale(0)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, repaired)
	requireBalanced(t, s)

	reopened, err := Open(context.Background(), s.cfg, s.ID())
	require.NoError(t, err)
	assert.Equal(t, s.Snapshot().Counters, reopened.Snapshot().Counters)
}

func TestRepairStale_NothingToDo(t *testing.T) {
	s, _ := newTestStore(t)
	before := s.Snapshot().Counters

	repaired, err := s.RepairStale(time.Minute)
	require.NoError(t, err)
	assert.Empty(t, repaired)
	assert.Equal(t, before, s.Snapshot().Counters)
}

func TestRepairStale_RetryStaysAvailable(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.MarkInProgress(1))
	require.NoError(t, s.MarkFailed(1, nil))
	require.NoError(t, s.MarkInProgress(1))

	_, err := s.RepairStale(0)
	require.NoError(t, err)

	retryable := s.FailedTrials(1)
	require.Len(t, retryable, 1)
	assert.Equal(t, 1, retryable[0].ID)
}
