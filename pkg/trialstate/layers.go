package trialstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LayerPath returns the file a trial's layer record is stored in.
func (s *Store) LayerPath(trialID, layer int) string {
	return filepath.Join(s.Dir(), "layers", fmt.Sprintf("trial_%04d", trialID), fmt.Sprintf("layer%d.json", layer))
}

// SaveLayerResult persists the record for a facts or reasoning layer,
// replacing any earlier attempt. Evaluation records go through
// MergeEvaluation.
func (s *Store) SaveLayerResult(trialID, layer int, rec LayerRecord) error {
	if layer == LayerEvaluation {
		return fmt.Errorf("layer %d records are merged per evaluator; use MergeEvaluation", layer)
	}
	if layer < LayerFacts || layer > LayerEvaluation {
		return fmt.Errorf("unknown layer %d", layer)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(trialID); err != nil {
		return err
	}

	rec.TrialID = trialID
	rec.Layer = layer
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.cfg.Now().UTC()
	}
	if err := writeJSON(s.cfg.Fs, s.LayerPath(trialID, layer), rec); err != nil {
		return fmt.Errorf("save layer %d of trial %d: %w", layer, trialID, err)
	}
	return nil
}

// MergeEvaluation adds or replaces one evaluator's record in the trial's
// evaluation file, leaving every other evaluator's record untouched.
//
// The merge is a read-modify-write of the whole file. Evaluators of one
// trial run one after another, so there is a single writer per file at a
// time; the store mutex additionally serializes writers across trials.
func (s *Store) MergeEvaluation(trialID int, evaluatorID string, rec LayerRecord) error {
	if evaluatorID == "" {
		return fmt.Errorf("evaluator id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(trialID); err != nil {
		return err
	}

	set, err := s.loadEvaluationSet(trialID)
	if err != nil {
		return err
	}

	now := s.cfg.Now().UTC()
	rec.TrialID = trialID
	rec.Layer = LayerEvaluation
	rec.Evaluator = evaluatorID
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = now
	}
	set.Evaluations[evaluatorID] = rec
	set.UpdatedAt = now

	if err := writeJSON(s.cfg.Fs, s.LayerPath(trialID, LayerEvaluation), set); err != nil {
		return fmt.Errorf("merge evaluation %s of trial %d: %w", evaluatorID, trialID, err)
	}
	return nil
}

// LoadLayer reads a facts or reasoning layer record. A missing record is
// reported with os.ErrNotExist.
func (s *Store) LoadLayer(trialID, layer int) (*LayerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec LayerRecord
	if err := readJSON(s.cfg.Fs, s.LayerPath(trialID, layer), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadEvaluations returns the evaluation records of a trial keyed by
// evaluator. A trial with no evaluations yields an empty map.
func (s *Store) LoadEvaluations(trialID int) (map[string]LayerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.loadEvaluationSet(trialID)
	if err != nil {
		return nil, err
	}
	return set.Evaluations, nil
}

// EvaluatorIDs returns the evaluators recorded for a trial, sorted.
func (s *Store) EvaluatorIDs(trialID int) ([]string, error) {
	evals, err := s.LoadEvaluations(trialID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(evals))
	for id := range evals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// loadEvaluationSet reads the evaluation file or starts an empty one. Caller
// holds s.mu.
func (s *Store) loadEvaluationSet(trialID int) (*EvaluationSet, error) {
	set := &EvaluationSet{TrialID: trialID}
	err := readJSON(s.cfg.Fs, s.LayerPath(trialID, LayerEvaluation), set)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if set.Evaluations == nil {
		set.Evaluations = make(map[string]LayerRecord)
	}
	return set, nil
}
