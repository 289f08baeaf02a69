package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/errors"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
)

// ExperimentReader reads persisted experiments.
type ExperimentReader interface {
	List(ctx context.Context) ([]trialstate.Experiment, error)
	Load(ctx context.Context, id string) (trialstate.Experiment, []trialstate.Trial, error)
}

// StoreReader reads experiments from a data root. Every call reloads from
// disk, so a concurrent run is visible as it progresses.
type StoreReader struct {
	Config trialstate.Config
}

// List implements ExperimentReader.
func (s StoreReader) List(ctx context.Context) ([]trialstate.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return trialstate.ListExperiments(s.Config)
}

// Load implements ExperimentReader.
func (s StoreReader) Load(ctx context.Context, id string) (trialstate.Experiment, []trialstate.Trial, error) {
	st, err := trialstate.Open(ctx, s.Config, id)
	if err != nil {
		return trialstate.Experiment{}, nil, err
	}
	return st.Snapshot(), st.Trials(), nil
}

// ExperimentSummary is one entry of the experiment list.
type ExperimentSummary struct {
	ID       string                      `json:"experiment_id"`
	Status   trialstate.ExperimentStatus `json:"status"`
	Counters trialstate.Counters         `json:"counters"`
}

// TrialsResponse is the body of the trial listing.
type TrialsResponse struct {
	ExperimentID string             `json:"experiment_id"`
	Count        int                `json:"count"`
	Trials       []trialstate.Trial `json:"trials"`
}

// ExperimentHandlers serves the read-only experiment endpoints.
type ExperimentHandlers struct {
	Reader ExperimentReader
}

// List handles GET /v1/experiments.
func (h ExperimentHandlers) List(w http.ResponseWriter, r *http.Request) {
	exps, err := h.Reader.List(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make([]ExperimentSummary, 0, len(exps))
	for _, e := range exps {
		out = append(out, ExperimentSummary{ID: e.ID, Status: e.Status, Counters: e.Counters})
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /v1/experiments/{id}.
func (h ExperimentHandlers) Get(w http.ResponseWriter, r *http.Request) {
	exp, _, err := h.Reader.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// Trials handles GET /v1/experiments/{id}/trials. The optional status
// query filters by trial status.
func (h ExperimentHandlers) Trials(w http.ResponseWriter, r *http.Request) {
	var want trialstate.Status
	if q := strings.TrimSpace(r.URL.Query().Get("status")); q != "" {
		st, err := trialstate.ParseStatus(strings.ToUpper(q))
		if err != nil {
			respondWithError(w, r, apperrors.NewBadRequestError(err.Error()))
			return
		}
		want = st
	}

	exp, trials, err := h.Reader.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make([]trialstate.Trial, 0, len(trials))
	for _, t := range trials {
		if want == "" || t.Status == want {
			out = append(out, t)
		}
	}
	writeJSON(w, http.StatusOK, TrialsResponse{ExperimentID: exp.ID, Count: len(out), Trials: out})
}
