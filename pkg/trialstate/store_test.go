package trialstate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestConfig(t *testing.T) (Config, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return Config{Fs: afero.NewMemMapFs(), Root: "/data", Now: clock.Now}, clock
}

func testSelection() Selection {
	return Selection{
		ID:              "exp-test",
		ScenarioIDs:     []string{"s1", "s2"},
		ConstitutionIDs: []string{"c1", "c2"},
		ModelIDs:        []string{"m1", "m2", "m3"},
		EvaluatorIDs:    []string{"e1", "e2"},
	}
}

func requireBalanced(t *testing.T, s *Store) Counters {
	t.Helper()
	c := s.Snapshot().Counters
	require.True(t, c.Balanced(), "counters: %+v", c)
	require.Equal(t, deriveCounters(s.Trials()), c)
	return c
}

func TestCreate_CrossProduct(t *testing.T) {
	cfg, _ := newTestConfig(t)

	s, err := Create(context.Background(), cfg, testSelection())
	require.NoError(t, err)

	trials := s.Trials()
	require.Len(t, trials, 12)
	for i, tr := range trials {
		assert.Equal(t, i+1, tr.ID)
		assert.Equal(t, StatusPending, tr.Status)
	}
	assert.Equal(t, "m1", trials[0].ModelID)
	assert.Equal(t, "m2", trials[1].ModelID)
	assert.Equal(t, "c2", trials[3].ConstitutionID)
	assert.Equal(t, "s2", trials[6].ScenarioID)

	c := requireBalanced(t, s)
	assert.Equal(t, Counters{Total: 12, Pending: 12}, c)
	assert.Equal(t, ExperimentRunning, s.Snapshot().Status)
	assert.Equal(t, "e1", s.Snapshot().PrimaryEvaluator())

	_, err = CurrentPointer(cfg)
	assert.ErrorIs(t, err, ErrNoCurrentExperiment, "pointer is written on first dispatch, not on create")
}

func TestCreate_GeneratesID(t *testing.T) {
	cfg, _ := newTestConfig(t)
	sel := testSelection()
	sel.ID = ""

	a, err := Create(context.Background(), cfg, sel)
	require.NoError(t, err)
	b, err := Create(context.Background(), cfg, sel)
	require.NoError(t, err)

	assert.Len(t, a.ID(), 26)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestCreate_RejectsBadSelection(t *testing.T) {
	cfg, _ := newTestConfig(t)

	tests := []struct {
		name string
		mut  func(*Selection)
	}{
		{"no scenarios", func(s *Selection) { s.ScenarioIDs = nil }},
		{"no evaluators", func(s *Selection) { s.EvaluatorIDs = nil }},
		{"duplicate model", func(s *Selection) { s.ModelIDs = []string{"m1", "m1"} }},
		{"blank constitution", func(s *Selection) { s.ConstitutionIDs = []string{" "} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := testSelection()
			tt.mut(&sel)
			_, err := Create(context.Background(), cfg, sel)
			assert.ErrorIs(t, err, ErrInvalidSelection)
		})
	}
}

func TestCreate_ExistingID(t *testing.T) {
	cfg, _ := newTestConfig(t)
	_, err := Create(context.Background(), cfg, testSelection())
	require.NoError(t, err)

	_, err = Create(context.Background(), cfg, testSelection())
	assert.Error(t, err)
}

func TestTransitions_CounterInvariant(t *testing.T) {
	cfg, _ := newTestConfig(t)
	s, err := Create(context.Background(), cfg, testSelection())
	require.NoError(t, err)

	step := func(fn func() error) {
		t.Helper()
		require.NoError(t, fn())
		requireBalanced(t, s)
	}

	step(func() error { return s.MarkInProgress(1) })
	step(func() error { return s.MarkInProgress(2) })
	step(func() error { return s.MarkInProgress(3) })
	assert.Equal(t, Counters{Total: 12, Pending: 9, InFlight: 3}, s.Snapshot().Counters)

	step(func() error { return s.MarkCompleted(1, 80) })
	step(func() error { return s.MarkFailed(2, &TrialError{Type: "BackendError", Message: "503", Layer: 2}) })
	assert.Equal(t, Counters{Total: 12, Completed: 1, Failed: 1, Pending: 9, InFlight: 1}, s.Snapshot().Counters)

	// Retry that fails again: failed is not incremented twice.
	step(func() error { return s.MarkInProgress(2) })
	step(func() error { return s.MarkFailed(2, &TrialError{Type: "BackendError", Message: "503 again", Layer: 2}) })
	assert.Equal(t, 1, s.Snapshot().Counters.Failed)

	// Retry that succeeds: failed is decremented exactly once.
	step(func() error { return s.MarkInProgress(2) })
	step(func() error { return s.MarkCompleted(2, 70) })
	assert.Equal(t, Counters{Total: 12, Completed: 2, Failed: 0, Pending: 9, InFlight: 1}, s.Snapshot().Counters)

	tr, err := s.Trial(2)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tr.Status)
	assert.Equal(t, 3, tr.Attempts)
	assert.Equal(t, 2, tr.RetryCount)
	assert.True(t, tr.EverFailed)
	require.NotNil(t, tr.FinalScore)
	assert.Equal(t, 70, *tr.FinalScore)
	require.NotNil(t, tr.LastError)
	assert.Equal(t, "503 again", tr.LastError.Message)
}

func TestTransitions_Invalid(t *testing.T) {
	cfg, _ := newTestConfig(t)
	s, err := Create(context.Background(), cfg, testSelection())
	require.NoError(t, err)

	assert.ErrorIs(t, s.MarkCompleted(1, 50), ErrInvalidTransition, "pending cannot complete")
	assert.ErrorIs(t, s.MarkFailed(1, nil), ErrInvalidTransition, "pending cannot fail")

	require.NoError(t, s.MarkInProgress(1))
	assert.ErrorIs(t, s.MarkInProgress(1), ErrInvalidTransition)
	require.NoError(t, s.MarkCompleted(1, 50))
	assert.ErrorIs(t, s.MarkInProgress(1), ErrInvalidTransition, "completed is terminal")

	assert.ErrorIs(t, s.MarkInProgress(99), ErrTrialNotFound)
	requireBalanced(t, s)
}

func TestFailedTrials_RetryCap(t *testing.T) {
	cfg, _ := newTestConfig(t)
	s, err := Create(context.Background(), cfg, testSelection())
	require.NoError(t, err)

	require.NoError(t, s.MarkInProgress(5))
	require.NoError(t, s.MarkFailed(5, nil))
	assert.Len(t, s.FailedTrials(2), 1)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.MarkInProgress(5))
		require.NoError(t, s.MarkFailed(5, nil))
	}
	assert.Empty(t, s.FailedTrials(2), "two retries exhaust a cap of two")
	assert.Len(t, s.FailedTrials(3), 1)
	assert.Len(t, s.PendingTrials(), 11)
}

func TestOpen_RoundTrip(t *testing.T) {
	cfg, _ := newTestConfig(t)
	s, err := Create(context.Background(), cfg, testSelection())
	require.NoError(t, err)
	require.NoError(t, s.MarkInProgress(1))
	require.NoError(t, s.MarkCompleted(1, 90))

	reopened, err := Open(context.Background(), cfg, "exp-test")
	require.NoError(t, err)
	assert.Equal(t, s.Snapshot(), reopened.Snapshot())
	assert.Equal(t, s.Trials(), reopened.Trials())
}

func TestOpen_NotFound(t *testing.T) {
	cfg, _ := newTestConfig(t)
	_, err := Open(context.Background(), cfg, "missing")
	assert.ErrorIs(t, err, ErrExperimentNotFound)
}

func TestOpen_CorruptState(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, fs afero.Fs, s *Store)
	}{
		{
			name: "unparseable aggregate",
			corrupt: func(t *testing.T, fs afero.Fs, s *Store) {
				require.NoError(t, afero.WriteFile(fs, s.ExperimentPath(), []byte("{not json"), 0o644))
			},
		},
		{
			name: "empty registry",
			corrupt: func(t *testing.T, fs afero.Fs, s *Store) {
				require.NoError(t, afero.WriteFile(fs, s.TrialsPath(), nil, 0o644))
			},
		},
		{
			name: "missing registry",
			corrupt: func(t *testing.T, fs afero.Fs, s *Store) {
				require.NoError(t, fs.Remove(s.TrialsPath()))
			},
		},
		{
			name: "revision mismatch",
			corrupt: func(t *testing.T, fs afero.Fs, s *Store) {
				editJSON(t, fs, s.ExperimentPath(), func(m map[string]any) { m["revision"] = 999 })
			},
		},
		{
			name: "counters do not balance",
			corrupt: func(t *testing.T, fs afero.Fs, s *Store) {
				editJSON(t, fs, s.ExperimentPath(), func(m map[string]any) {
					m["counters"].(map[string]any)["pending"] = 3
				})
			},
		},
		{
			name: "unknown trial status",
			corrupt: func(t *testing.T, fs afero.Fs, s *Store) {
				editJSON(t, fs, s.TrialsPath(), func(m map[string]any) {
					m["trials"].(map[string]any)["1"].(map[string]any)["status"] = "DONE"
				})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := newTestConfig(t)
			s, err := Create(context.Background(), cfg, testSelection())
			require.NoError(t, err)

			tt.corrupt(t, cfg.Fs, s)

			_, err = Open(context.Background(), cfg, "exp-test")
			require.Error(t, err)
			assert.True(t, IsCorrupt(err), "got %v", err)
		})
	}
}

// tornFs fails renames onto one target, as if the process stopped between
// writing the registry and the aggregate.
type tornFs struct {
	afero.Fs
	target string
	armed  bool
}

func (f *tornFs) Rename(oldname, newname string) error {
	if f.armed && newname == f.target {
		return errors.New("process stopped")
	}
	return f.Fs.Rename(oldname, newname)
}

func TestOpen_RecoversAggregateBehindRegistry(t *testing.T) {
	cfg, _ := newTestConfig(t)
	base := cfg.Fs
	torn := &tornFs{Fs: base}
	cfg.Fs = torn

	s, err := Create(context.Background(), cfg, testSelection())
	require.NoError(t, err)
	torn.target = s.ExperimentPath()
	torn.armed = true

	require.Error(t, s.MarkInProgress(1))

	var exp Experiment
	require.NoError(t, readJSON(base, s.ExperimentPath(), &exp))
	var reg registry
	require.NoError(t, readJSON(base, s.TrialsPath(), &reg))
	require.Equal(t, exp.Revision+1, reg.Revision, "registry landed, aggregate did not")

	resumed, err := Resume(context.Background(), Config{Fs: base, Root: cfg.Root})
	require.NoError(t, err, "pointer is written before the first dispatch")
	assert.Equal(t, reg.Revision, resumed.Snapshot().Revision)

	tr, err := resumed.Trial(1)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, tr.Status)
	c := requireBalanced(t, resumed)
	assert.Equal(t, 1, c.InFlight)
	assert.Equal(t, 11, c.Pending)

	require.NoError(t, readJSON(base, s.ExperimentPath(), &exp))
	assert.Equal(t, reg.Revision, exp.Revision, "aggregate rewritten")

	require.NoError(t, resumed.MarkCompleted(1, 70))
	reopened, err := Open(context.Background(), Config{Fs: base, Root: cfg.Root}, "exp-test")
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Snapshot().Counters.Completed)
}

func TestOpen_RecoveryAddsLostModels(t *testing.T) {
	cfg, _ := newTestConfig(t)
	base := cfg.Fs
	torn := &tornFs{Fs: base}
	cfg.Fs = torn

	s, err := Create(context.Background(), cfg, testSelection())
	require.NoError(t, err)
	torn.target = s.ExperimentPath()
	torn.armed = true

	_, err = s.AddModels(context.Background(), []string{"m4"})
	require.Error(t, err)

	reopened, err := Open(context.Background(), Config{Fs: base, Root: cfg.Root}, "exp-test")
	require.NoError(t, err)
	snap := reopened.Snapshot()
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, snap.ModelIDs)
	assert.Equal(t, 16, snap.Counters.Total)
	assert.Equal(t, 16, snap.Counters.Pending)
}

func TestOpen_RevisionSkewOutsideRecovery(t *testing.T) {
	tests := []struct {
		name string
		edit func(t *testing.T, fs afero.Fs, s *Store)
	}{
		{
			name: "aggregate ahead of registry",
			edit: func(t *testing.T, fs afero.Fs, s *Store) {
				editJSON(t, fs, s.ExperimentPath(), func(m map[string]any) { m["revision"] = m["revision"].(float64) + 1 })
			},
		},
		{
			name: "registry two revisions ahead",
			edit: func(t *testing.T, fs afero.Fs, s *Store) {
				editJSON(t, fs, s.TrialsPath(), func(m map[string]any) { m["revision"] = m["revision"].(float64) + 2 })
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := newTestConfig(t)
			s, err := Create(context.Background(), cfg, testSelection())
			require.NoError(t, err)

			tt.edit(t, cfg.Fs, s)

			_, err = Open(context.Background(), cfg, "exp-test")
			assert.True(t, IsCorrupt(err), "got %v", err)
		})
	}
}

func editJSON(t *testing.T, fs afero.Fs, path string, edit func(map[string]any)) {
	t.Helper()
	b, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	edit(m)
	b, err = json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, b, 0o644))
}

func TestPointer_LifecycleAndResume(t *testing.T) {
	cfg, _ := newTestConfig(t)
	sel := testSelection()
	sel.ScenarioIDs = []string{"s1"}
	sel.ConstitutionIDs = []string{"c1"}
	sel.ModelIDs = []string{"m1", "m2"}

	_, err := Resume(context.Background(), cfg)
	require.ErrorIs(t, err, ErrNoCurrentExperiment)

	s, err := Create(context.Background(), cfg, sel)
	require.NoError(t, err)
	require.NoError(t, s.MarkInProgress(1))

	ptr, err := CurrentPointer(cfg)
	require.NoError(t, err)
	assert.Equal(t, "exp-test", ptr.ExperimentID)

	resumed, err := Resume(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, s.ID(), resumed.ID())

	require.NoError(t, s.MarkCompleted(1, 75))
	done, err := s.Finalize()
	require.NoError(t, err)
	assert.False(t, done, "trial 2 is still pending")
	_, err = CurrentPointer(cfg)
	require.NoError(t, err, "pointer stays while work remains")

	require.NoError(t, s.MarkInProgress(2))
	require.NoError(t, s.MarkFailed(2, nil))
	done, err = s.Finalize()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, ExperimentCompleted, s.Snapshot().Status)

	_, err = CurrentPointer(cfg)
	assert.ErrorIs(t, err, ErrNoCurrentExperiment)
	exists, err := afero.Exists(cfg.Fs, PointerPath(cfg.Root))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFinalize_WaitsForInFlight(t *testing.T) {
	cfg, _ := newTestConfig(t)
	sel := testSelection()
	sel.ScenarioIDs, sel.ConstitutionIDs, sel.ModelIDs = []string{"s1"}, []string{"c1"}, []string{"m1"}

	s, err := Create(context.Background(), cfg, sel)
	require.NoError(t, err)
	require.NoError(t, s.MarkInProgress(1))

	done, err := s.Finalize()
	require.NoError(t, err)
	assert.False(t, done)
}

func TestAddModels_ContinuesSequence(t *testing.T) {
	cfg, _ := newTestConfig(t)
	s, err := Create(context.Background(), cfg, testSelection())
	require.NoError(t, err)
	require.NoError(t, s.MarkInProgress(1))
	require.NoError(t, s.MarkCompleted(1, 60))

	added, err := s.AddModels(context.Background(), []string{"m2", "m4"})
	require.NoError(t, err)
	require.Len(t, added, 4, "only the new model is crossed with 2x2")
	for i, tr := range added {
		assert.Equal(t, 13+i, tr.ID)
		assert.Equal(t, "m4", tr.ModelID)
		assert.Equal(t, StatusPending, tr.Status)
	}

	c := requireBalanced(t, s)
	assert.Equal(t, 16, c.Total)
	assert.Equal(t, 15, c.Pending)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, s.Snapshot().ModelIDs)

	none, err := s.AddModels(context.Background(), []string{"m1"})
	require.NoError(t, err)
	assert.Empty(t, none)

	reopened, err := Open(context.Background(), cfg, s.ID())
	require.NoError(t, err)
	assert.Len(t, reopened.Trials(), 16)
}

func TestMutate_RollsBackOnWriteFailure(t *testing.T) {
	cfg, _ := newTestConfig(t)
	s, err := Create(context.Background(), cfg, testSelection())
	require.NoError(t, err)
	before := s.Snapshot()

	s.cfg.Fs = afero.NewReadOnlyFs(cfg.Fs)
	err = s.MarkInProgress(1)
	require.Error(t, err)

	assert.Equal(t, before, s.Snapshot())
	tr, err := s.Trial(1)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tr.Status)
}

func TestListExperiments(t *testing.T) {
	cfg, clock := newTestConfig(t)
	sel := testSelection()
	_, err := Create(context.Background(), cfg, sel)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	sel.ID = "exp-later"
	_, err = Create(context.Background(), cfg, sel)
	require.NoError(t, err)

	require.NoError(t, cfg.Fs.MkdirAll("/data/experiments/broken", 0o755))

	exps, err := ListExperiments(cfg)
	require.NoError(t, err)
	require.Len(t, exps, 2)
	assert.Equal(t, "exp-later", exps[0].ID)

	empty, err := ListExperiments(Config{Fs: afero.NewMemMapFs(), Root: "/none"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStatus_TextRoundTrip(t *testing.T) {
	for _, st := range []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed} {
		b, err := json.Marshal(st)
		require.NoError(t, err)
		var back Status
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, st, back)
	}

	var st Status
	assert.Error(t, json.Unmarshal([]byte(`"pending"`), &st))
	_, err := json.Marshal(Status("DONE"))
	assert.Error(t, err)
	_, err = ParseStatus("")
	assert.Error(t, err)
}

func TestReadJSON_MissingIsNotExist(t *testing.T) {
	var v map[string]any
	err := readJSON(afero.NewMemMapFs(), "/nope.json", &v)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
