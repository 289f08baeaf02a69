// Package parse turns free-form model output into structured records.
//
// Parsing never fails outright. A cascade of progressively more forgiving
// strategies is tried in order; when none yields a record of the expected
// shape, named fields are recovered by pattern matching, and as a last resort
// the raw text is saved to a review file and a clearly-marked placeholder is
// returned. The raw input is always retrievable from the Outcome.
package parse

import "math"

// Status is the outcome class of a parse. Values are persisted in layer
// records and are part of the on-disk contract.
type Status string

const (
	StatusSuccess        Status = "SUCCESS"
	StatusPartialSuccess Status = "PARTIAL_SUCCESS"
	StatusManualReview   Status = "MANUAL_REVIEW"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusPartialSuccess, StatusManualReview:
		return true
	default:
		return false
	}
}

// Usable reports whether a record with this status carries model data the
// pipeline can continue with.
func (s Status) Usable() bool {
	switch s {
	case StatusSuccess, StatusPartialSuccess:
		return true
	case StatusManualReview:
		return false
	default:
		return false
	}
}

// Kind selects which record shape the parser validates against.
type Kind string

const (
	KindFacts      Kind = "facts"
	KindReasoning  Kind = "reasoning"
	KindEvaluation Kind = "evaluation"
)

// Method names the strategy that produced a result.
type Method string

const (
	MethodDirectJSON      Method = "direct_json"
	MethodControlStripped Method = "control_chars_stripped"
	MethodBalancedBraces  Method = "balanced_braces"
	MethodTrailingTrimmed Method = "trailing_trimmed"
	MethodRegexFields     Method = "regex_fields"
	MethodManualReview    Method = "manual_review"

	// MethodStatic marks a record taken from configuration, not parsed.
	MethodStatic Method = "static"
)

// Error codes recorded in Diagnostics.
const (
	ErrCodeEmptyResponse     = "empty_response"
	ErrCodeNoValidShape      = "no_valid_shape"
	ErrCodeInternalPanic     = "internal_panic"
	ErrCodeReviewWriteFailed = "review_write_failed"
	ErrCodeUnknownKind       = "unknown_kind"
)

// ManualReviewScore marks a score that must be filled in by a person. Valid
// scores are never negative.
const ManualReviewScore = -1

// Bounds of a valid dimension score. A score outside them is treated as
// missing.
const (
	MinScore = 0
	MaxScore = 100
)

// scoreInRange rounds v and reports whether it is a valid score.
func scoreInRange(v float64) (int, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	n := math.Round(v)
	if n < MinScore || n > MaxScore {
		return 0, false
	}
	return int(n), true
}

// ManualReviewMarker fills text fields of a placeholder record.
const ManualReviewMarker = "MANUAL_REVIEW_REQUIRED"

// DefaultDimensions are the scored dimensions expected in an evaluation.
var DefaultDimensions = []string{"epistemicIntegrity", "valueTransparency", "overallSignificance"}

// Facts is the stage-1 record.
type Facts struct {
	EstablishedFacts  []string `json:"establishedFacts,omitempty"`
	AmbiguousElements []string `json:"ambiguousElements,omitempty"`
	KeyQuestions      []string `json:"keyQuestions,omitempty"`
}

// Reasoning is the stage-2 record. Fields are optional so a partial
// recovery can say exactly which ones it found.
type Reasoning struct {
	Reasoning             *string  `json:"reasoning,omitempty"`
	Recommendation        *string  `json:"recommendation,omitempty"`
	ValuesApplied         []string `json:"valuesApplied,omitempty"`
	TradeoffsAcknowledged *string  `json:"tradeoffsAcknowledged,omitempty"`
}

// ScoreBlock is one scored dimension of an evaluation.
type ScoreBlock struct {
	Score       int      `json:"score"`
	Explanation string   `json:"explanation,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// Evaluation is the stage-3 record, keyed by dimension name.
type Evaluation struct {
	Dimensions map[string]ScoreBlock `json:"dimensions"`
}

// MeanScore averages the non-sentinel dimension scores, rounded to the
// nearest integer. ok is false when no dimension carries a real score.
func (e *Evaluation) MeanScore() (score int, ok bool) {
	if e == nil || len(e.Dimensions) == 0 {
		return 0, false
	}
	total, n := 0, 0
	for _, block := range e.Dimensions {
		if block.Score == ManualReviewScore {
			continue
		}
		total += block.Score
		n++
	}
	if n == 0 {
		return 0, false
	}
	return int(math.Round(float64(total) / float64(n))), true
}

// ManualReview points at the saved raw text of an unparseable response.
type ManualReview struct {
	Marker     string `json:"marker"`
	ReviewPath string `json:"review_path,omitempty"`
	Reason     string `json:"reason"`
}

// Record is the structured result. Exactly one of Facts, Reasoning and
// Evaluation is set, matching Kind.
type Record struct {
	Kind         Kind          `json:"kind"`
	Facts        *Facts        `json:"facts,omitempty"`
	Reasoning    *Reasoning    `json:"reasoning,omitempty"`
	Evaluation   *Evaluation   `json:"evaluation,omitempty"`
	ManualReview *ManualReview `json:"manual_review,omitempty"`
}

// Diagnostics describes how a parse went. It is persisted with every layer
// record.
type Diagnostics struct {
	Success         bool     `json:"success"`
	Status          Status   `json:"status"`
	Method          Method   `json:"method"`
	ErrorCode       string   `json:"error_code,omitempty"`
	Error           string   `json:"error,omitempty"`
	RecoveredFields []string `json:"recovered_fields,omitempty"`
	ReviewPath      string   `json:"review_path,omitempty"`
}

// Input is one response to parse.
type Input struct {
	Raw       string
	TrialID   int
	Layer     int
	Kind      Kind
	Evaluator string
}

// Outcome is what Parse returns. Raw always equals Input.Raw.
type Outcome struct {
	Status      Status      `json:"status"`
	Record      Record      `json:"record"`
	Raw         string      `json:"raw"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Succeeded reports whether a full-shape parse was achieved. Only this
// suppresses the truncation retry.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}
