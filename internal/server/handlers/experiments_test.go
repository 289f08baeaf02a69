package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
)

func newReader(t *testing.T) StoreReader {
	t.Helper()
	cfg := trialstate.Config{Fs: afero.NewMemMapFs(), Root: "/data"}
	s, err := trialstate.Create(context.Background(), cfg, trialstate.Selection{
		ID:              "exp1",
		ScenarioIDs:     []string{"s1"},
		ConstitutionIDs: []string{"c1"},
		ModelIDs:        []string{"m1", "m2"},
		EvaluatorIDs:    []string{"e1"},
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkInProgress(1))
	require.NoError(t, s.MarkCompleted(1, 72))
	return StoreReader{Config: cfg}
}

func router(h ExperimentHandlers) http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/experiments", h.List)
	r.Get("/v1/experiments/{id}", h.Get)
	r.Get("/v1/experiments/{id}/trials", h.Trials)
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestExperimentHandlers_Get(t *testing.T) {
	h := router(ExperimentHandlers{Reader: newReader(t)})

	rec := get(t, h, "/v1/experiments/exp1")
	require.Equal(t, http.StatusOK, rec.Code)

	var exp trialstate.Experiment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&exp))
	assert.Equal(t, "exp1", exp.ID)
	assert.Equal(t, trialstate.Counters{Total: 2, Completed: 1, Pending: 1}, exp.Counters)
}

func TestExperimentHandlers_GetMissing(t *testing.T) {
	h := router(ExperimentHandlers{Reader: newReader(t)})
	rec := get(t, h, "/v1/experiments/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExperimentHandlers_Trials(t *testing.T) {
	h := router(ExperimentHandlers{Reader: newReader(t)})

	tests := []struct {
		query string
		want  []int
	}{
		{"", []int{1, 2}},
		{"?status=completed", []int{1}},
		{"?status=PENDING", []int{2}},
		{"?status=FAILED", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := get(t, h, "/v1/experiments/exp1/trials"+tt.query)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp TrialsResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			var ids []int
			for _, tr := range resp.Trials {
				ids = append(ids, tr.ID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, len(tt.want), resp.Count)
		})
	}
}

func TestExperimentHandlers_TrialsBadStatus(t *testing.T) {
	h := router(ExperimentHandlers{Reader: newReader(t)})
	rec := get(t, h, "/v1/experiments/exp1/trials?status=done")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExperimentHandlers_List(t *testing.T) {
	h := router(ExperimentHandlers{Reader: newReader(t)})
	rec := get(t, h, "/v1/experiments")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []ExperimentSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "exp1", list[0].ID)
	assert.Equal(t, trialstate.ExperimentRunning, list[0].Status)
}
