package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/artifactsink"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func newStore(t *testing.T) (*trialstate.Store, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := trialstate.Create(context.Background(), trialstate.Config{Fs: afero.NewMemMapFs(), Root: "/data", Now: clock.Now}, trialstate.Selection{
		ID:              "exp",
		ScenarioIDs:     []string{"s1", "s2"},
		ConstitutionIDs: []string{"c1", "c2"},
		ModelIDs:        []string{"m1", "m2", "m3"},
		EvaluatorIDs:    []string{"e1"},
	})
	require.NoError(t, err)
	return s, clock
}

// fakeRunner drives trials straight through the store.
type fakeRunner struct {
	store *trialstate.Store

	mu        sync.Mutex
	calls     []int
	active    map[string]int
	maxActive map[string]int
	fail      map[int]int
	errOn     map[int]error
	block     bool
	hook      func(t trialstate.Trial)
}

func newFakeRunner(store *trialstate.Store) *fakeRunner {
	return &fakeRunner{
		store:     store,
		active:    map[string]int{},
		maxActive: map[string]int{},
		fail:      map[int]int{},
		errOn:     map[int]error{},
	}
}

func (r *fakeRunner) RunTrial(ctx context.Context, t trialstate.Trial) (bool, error) {
	r.mu.Lock()
	r.calls = append(r.calls, t.ID)
	r.active[t.ModelID]++
	if r.active[t.ModelID] > r.maxActive[t.ModelID] {
		r.maxActive[t.ModelID] = r.active[t.ModelID]
	}
	fail := r.fail[t.ID] > 0
	if fail {
		r.fail[t.ID]--
	}
	err := r.errOn[t.ID]
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active[t.ModelID]--
		r.mu.Unlock()
	}()

	if err := r.store.MarkInProgress(t.ID); err != nil {
		return false, err
	}
	if r.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if r.hook != nil {
		r.hook(t)
	}
	if err != nil {
		return false, err
	}
	time.Sleep(time.Millisecond)
	if err := r.store.SaveLayerResult(t.ID, trialstate.LayerFacts, trialstate.LayerRecord{Source: "static"}); err != nil {
		return false, err
	}
	if fail {
		return false, r.store.MarkFailed(t.ID, &trialstate.TrialError{Type: "test", Message: "boom", Layer: 2})
	}
	return true, r.store.MarkCompleted(t.ID, 50)
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func ids(batches [][]trialstate.Trial) [][]int {
	out := make([][]int, len(batches))
	for i, b := range batches {
		for _, t := range b {
			out[i] = append(out[i], t.ID)
		}
	}
	return out
}

func TestPlanBatches(t *testing.T) {
	trials := []trialstate.Trial{
		{ID: 5, ModelID: "b"},
		{ID: 1, ModelID: "a"},
		{ID: 2, ModelID: "b"},
		{ID: 3, ModelID: "a"},
		{ID: 4, ModelID: "c"},
		{ID: 6, ModelID: "a"},
	}
	want := [][]int{{1, 2, 4}, {3, 5}, {6}}
	if diff := cmp.Diff(want, ids(PlanBatches(trials))); diff != "" {
		t.Fatalf("PlanBatches mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, PlanBatches(nil))
}

func TestPlanBatches_OneTrialPerModel(t *testing.T) {
	s, _ := newStore(t)
	plan := PlanBatches(s.Trials())
	require.Len(t, plan, 4)

	seen := 0
	for _, b := range plan {
		models := map[string]bool{}
		for _, tr := range b {
			assert.False(t, models[tr.ModelID], "model %s twice in one batch", tr.ModelID)
			models[tr.ModelID] = true
			seen++
		}
	}
	assert.Equal(t, 12, seen)
}

func TestRun_CompletesAll(t *testing.T) {
	s, _ := newStore(t)
	r := newFakeRunner(s)
	sched, err := New(Config{MaxRetries: 2}, s, r)
	require.NoError(t, err)

	sum, err := sched.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Batches)
	assert.Equal(t, 12, sum.Dispatched)
	assert.Equal(t, 12, sum.Completed)
	assert.True(t, sum.Finalized)
	assert.Equal(t, trialstate.Counters{Total: 12, Completed: 12}, sum.Counters)
	for m, n := range r.maxActive {
		assert.Equal(t, 1, n, "model %s", m)
	}
	assert.Equal(t, trialstate.ExperimentCompleted, s.Snapshot().Status)
}

func TestRun_IdempotentWhenNothingRunnable(t *testing.T) {
	s, _ := newStore(t)
	r := newFakeRunner(s)
	sched, err := New(Config{MaxRetries: 2}, s, r)
	require.NoError(t, err)

	_, err = sched.Run(context.Background())
	require.NoError(t, err)
	before := s.Snapshot().Counters
	calls := r.callCount()

	sum, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, calls, r.callCount(), "no trials dispatched")
	assert.Zero(t, sum.Batches)
	assert.Equal(t, before, s.Snapshot().Counters)
}

func TestRun_RetriesFailedUnderCap(t *testing.T) {
	s, _ := newStore(t)
	r := newFakeRunner(s)
	r.fail[1] = 5
	sched, err := New(Config{MaxRetries: 2}, s, r)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := sched.Run(context.Background())
		require.NoError(t, err)
		require.True(t, s.Snapshot().Counters.Balanced())
	}

	tr, err := s.Trial(1)
	require.NoError(t, err)
	assert.Equal(t, trialstate.StatusFailed, tr.Status)
	assert.Equal(t, 2, tr.RetryCount)

	n := 0
	for _, id := range r.calls {
		if id == 1 {
			n++
		}
	}
	assert.Equal(t, 3, n, "first attempt plus two retries")
	assert.Equal(t, trialstate.Counters{Total: 12, Completed: 11, Failed: 1}, s.Snapshot().Counters)
}

func TestRun_RetrySucceeds(t *testing.T) {
	s, _ := newStore(t)
	r := newFakeRunner(s)
	r.fail[2] = 1
	sched, err := New(Config{MaxRetries: 1}, s, r)
	require.NoError(t, err)

	sum, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	sum, err = sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, trialstate.Counters{Total: 12, Completed: 12}, sum.Counters)
}

func TestRun_SkipsTrialsCompletedElsewhere(t *testing.T) {
	s, _ := newStore(t)
	r := newFakeRunner(s)
	r.hook = func(tr trialstate.Trial) {
		if tr.ID != 1 {
			return
		}
		assert.NoError(t, s.MarkInProgress(4))
		assert.NoError(t, s.MarkCompleted(4, 99))
	}
	sched, err := New(Config{}, s, r)
	require.NoError(t, err)

	sum, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 11, sum.Dispatched)
	assert.NotContains(t, r.calls, 4)
	assert.Equal(t, trialstate.Counters{Total: 12, Completed: 12}, sum.Counters)
}

func TestRun_CancellationLeavesInProgress(t *testing.T) {
	s, _ := newStore(t)
	r := newFakeRunner(s)
	r.block = true
	sched, err := New(Config{}, s, r)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for r.callCount() < 3 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	sum, err := sched.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.Equal(t, 1, sum.Batches)
	assert.False(t, sum.Finalized)

	c := s.Snapshot().Counters
	assert.Equal(t, 3, c.InFlight)
	assert.Equal(t, 9, c.Pending)
	assert.True(t, c.Balanced())
}

func TestRun_RepairsStaleTrials(t *testing.T) {
	s, clock := newStore(t)
	require.NoError(t, s.MarkInProgress(1))
	clock.t = clock.t.Add(time.Hour)

	r := newFakeRunner(s)
	sched, err := New(Config{StaleAfter: 30 * time.Minute}, s, r)
	require.NoError(t, err)

	sum, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, sum.Repaired)
	assert.Contains(t, r.calls, 1)
	assert.Equal(t, trialstate.Counters{Total: 12, Completed: 12}, sum.Counters)
}

func TestRun_FatalRunnerErrorStopsRun(t *testing.T) {
	s, _ := newStore(t)
	r := newFakeRunner(s)
	r.errOn[2] = errors.New("disk full")
	sched, err := New(Config{}, s, r)
	require.NoError(t, err)

	sum, err := sched.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "batch 1")
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, sum.Batches)
	assert.False(t, sum.Finalized)
}

// lookupFailStore fails Trial lookups for one ID.
type lookupFailStore struct {
	*trialstate.Store
	failID int
}

var errLookup = errors.New("registry unreadable")

func (s lookupFailStore) Trial(id int) (trialstate.Trial, error) {
	if id == s.failID {
		return trialstate.Trial{}, errLookup
	}
	return s.Store.Trial(id)
}

func TestRun_LookupErrorWaitsForDispatched(t *testing.T) {
	s, _ := newStore(t)
	r := newFakeRunner(s)
	release := make(chan struct{})
	r.hook = func(trialstate.Trial) { <-release }
	sched, err := New(Config{}, lookupFailStore{Store: s, failID: 2}, r)
	require.NoError(t, err)

	go func() {
		// Let trial 1 start, then unblock it.
		for r.callCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()

	_, err = sched.Run(context.Background())
	require.ErrorIs(t, err, errLookup)

	tr, err := s.Trial(1)
	require.NoError(t, err)
	assert.Equal(t, trialstate.StatusCompleted, tr.Status, "dispatched trial finished before Run returned")
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 0, r.active["m1"])
}

func TestRun_CancelDuringCooldown(t *testing.T) {
	s, _ := newStore(t)
	r := newFakeRunner(s)
	sched, err := New(Config{Cooldown: time.Hour}, s, r)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	sum, err := sched.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, sum.Batches)
	assert.Equal(t, 3, sum.Completed)
}

func TestRun_MirrorsBatches(t *testing.T) {
	s, _ := newStore(t)
	dst := afero.NewMemMapFs()
	r := newFakeRunner(s)
	sched, err := New(Config{}, s, r, WithMirror(SinkMirror{Sink: artifactsink.FsSink{Fs: dst, Dir: "/mirror"}, Store: s}))
	require.NoError(t, err)

	_, err = sched.Run(context.Background())
	require.NoError(t, err)

	for _, p := range []string{
		"/mirror/experiments/exp/trials.json",
		"/mirror/experiments/exp/experiment.json",
		"/mirror/experiments/exp/layers/trial_0001/layer1.json",
		"/mirror/experiments/exp/layers/trial_0012/layer1.json",
	} {
		ok, err := afero.Exists(dst, p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)

	s, _ := newStore(t)
	_, err = New(Config{MaxRetries: -1}, s, newFakeRunner(s))
	assert.Error(t, err)
}
