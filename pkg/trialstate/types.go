package trialstate

import (
	"fmt"
	"time"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/parse"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/truncation"
)

// Status is the lifecycle state of a trial.
//
// NOTE: These values are persisted in trials.json and are part of the stable
// on-disk contract.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus converts s to a Status, rejecting anything outside the defined
// set.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown trial status %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if _, err := ParseStatus(string(s)); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentRunning   ExperimentStatus = "RUNNING"
	ExperimentCompleted ExperimentStatus = "COMPLETED"
)

// Layer numbers of the per-trial pipeline.
const (
	LayerFacts      = 1
	LayerReasoning  = 2
	LayerEvaluation = 3
)

// Selection is the input to Create: the catalog entries whose cross product
// forms the trial set. The first evaluator is the primary one.
type Selection struct {
	// ID overrides the generated experiment ID. Optional.
	ID string

	ScenarioIDs     []string
	ConstitutionIDs []string
	ModelIDs        []string
	EvaluatorIDs    []string
}

// TrialError is the structured detail recorded when a trial fails.
type TrialError struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Layer     int       `json:"layer"`
	Evaluator string    `json:"evaluator,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *TrialError) Error() string {
	if e.Evaluator != "" {
		return fmt.Sprintf("layer %d (%s): %s: %s", e.Layer, e.Evaluator, e.Type, e.Message)
	}
	return fmt.Sprintf("layer %d: %s: %s", e.Layer, e.Type, e.Message)
}

// Trial is one (scenario, constitution, model) combination. The triple never
// changes after creation.
type Trial struct {
	ID             int    `json:"id"`
	ScenarioID     string `json:"scenario_id"`
	ConstitutionID string `json:"constitution_id"`
	ModelID        string `json:"model_id"`
	Status         Status `json:"status"`

	// Attempts counts dispatches; RetryCount counts dispatches out of FAILED.
	Attempts   int  `json:"attempts"`
	RetryCount int  `json:"retry_count"`
	EverFailed bool `json:"ever_failed"`

	FinalScore *int        `json:"final_score,omitempty"`
	LastError  *TrialError `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Counters are the aggregate trial counts of an experiment.
//
// Failed counts every trial that has failed and not yet completed, including
// one being retried. InFlight counts dispatched trials that have never
// failed. Completed+Failed+Pending+InFlight always equals Total.
type Counters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
}

// Balanced reports whether the counters add up to the total.
func (c Counters) Balanced() bool {
	return c.Completed+c.Failed+c.Pending+c.InFlight == c.Total &&
		c.Completed >= 0 && c.Failed >= 0 && c.Pending >= 0 && c.InFlight >= 0
}

// Experiment is the aggregate record written to experiment.json.
type Experiment struct {
	ID        string           `json:"experiment_id"`
	Status    ExperimentStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Counters  Counters         `json:"counters"`

	ScenarioIDs     []string `json:"scenario_ids"`
	ConstitutionIDs []string `json:"constitution_ids"`
	ModelIDs        []string `json:"model_ids"`
	EvaluatorIDs    []string `json:"evaluator_ids"`

	// Revision is shared with trials.json; both files are written in the
	// same step and must agree.
	Revision int64 `json:"revision"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (e Experiment) clone() Experiment {
	e.ScenarioIDs = append([]string(nil), e.ScenarioIDs...)
	e.ConstitutionIDs = append([]string(nil), e.ConstitutionIDs...)
	e.ModelIDs = append([]string(nil), e.ModelIDs...)
	e.EvaluatorIDs = append([]string(nil), e.EvaluatorIDs...)
	return e
}

// PrimaryEvaluator returns the evaluator whose result decides the trial.
func (e Experiment) PrimaryEvaluator() string {
	if len(e.EvaluatorIDs) == 0 {
		return ""
	}
	return e.EvaluatorIDs[0]
}

// Pointer is the process-wide record of the experiment being executed.
type Pointer struct {
	ExperimentID string    `json:"experiment_id"`
	Root         string    `json:"root"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Metrics describe the backend call behind a layer record.
type Metrics struct {
	Attempts     int   `json:"attempts"`
	MaxTokens    int   `json:"max_tokens,omitempty"`
	LatencyMS    int64 `json:"latency_ms"`
	InputTokens  int   `json:"input_tokens,omitempty"`
	OutputTokens int   `json:"output_tokens,omitempty"`
}

// LayerRecord is the persisted result of one pipeline layer for one trial,
// or of one evaluator within the evaluation layer.
type LayerRecord struct {
	TrialID   int    `json:"trial_id"`
	Layer     int    `json:"layer"`
	Model     string `json:"model,omitempty"`
	Evaluator string `json:"evaluator,omitempty"`

	// Source is "model" for records produced by a backend call and "static"
	// for facts taken from the catalog.
	Source string `json:"source"`

	SystemPrompt string `json:"system_prompt,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	RawResponse  string `json:"raw_response"`

	Parsed      *parse.Record     `json:"parsed,omitempty"`
	Diagnostics parse.Diagnostics `json:"diagnostics"`
	Truncation  truncation.Result `json:"truncation"`
	Metrics     Metrics           `json:"metrics"`

	Error      *TrialError `json:"error,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Usable reports whether the record carries data later layers can build on.
func (r *LayerRecord) Usable() bool {
	return r != nil && r.Error == nil && r.Diagnostics.Status.Usable()
}

// EvaluationSet is the evaluation-layer file of a trial: one independent
// record per evaluator.
type EvaluationSet struct {
	TrialID     int                    `json:"trial_id"`
	Evaluations map[string]LayerRecord `json:"evaluations"`
	UpdatedAt   time.Time              `json:"updated_at"`
}
