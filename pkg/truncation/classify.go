// Package truncation decides whether a model response was cut short by its
// generation-length budget, and owns the budget ladder used to re-issue
// truncated calls.
package truncation

import (
	"strings"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/jsontext"
)

// Reason explains a classification. Values are persisted in layer records.
type Reason string

const (
	ReasonEmpty              Reason = "empty"
	ReasonParsed             Reason = "parsed"
	ReasonUnbalancedBraces   Reason = "unbalanced braces"
	ReasonUnbalancedBrackets Reason = "unbalanced brackets"
	ReasonUnterminatedString Reason = "unterminated string"
	ReasonAbruptEnding       Reason = "abrupt ending"
	ReasonComplete           Reason = "complete"
)

// Result is the outcome of Classify.
type Result struct {
	Truncated bool   `json:"truncated"`
	Reason    Reason `json:"reason"`
}

// terminal lists the characters a finished response may plausibly end with.
const terminal = `.!?}]"`

// Classify applies the truncation heuristics in order; the first matching
// rule wins.
//
// An empty response is never reported as truncated: it is a hard failure
// handled by the caller. A response that already parsed is never truncated,
// whatever it looks like.
func Classify(raw string, parseSucceeded bool) Result {
	if strings.TrimSpace(raw) == "" {
		return Result{Reason: ReasonEmpty}
	}
	if parseSucceeded {
		return Result{Reason: ReasonParsed}
	}

	body := jsontext.StripFences(raw)
	if body == "" {
		return Result{Reason: ReasonEmpty}
	}

	if opens, closes := jsontext.Count(body, '{', '}'); opens > closes {
		return Result{Truncated: true, Reason: ReasonUnbalancedBraces}
	}
	if opens, closes := jsontext.Count(body, '[', ']'); opens > closes {
		return Result{Truncated: true, Reason: ReasonUnbalancedBrackets}
	}
	if strings.Count(body, `"`)%2 == 1 {
		return Result{Truncated: true, Reason: ReasonUnterminatedString}
	}

	last := body[len(body)-1]
	if !strings.ContainsRune(terminal, rune(last)) {
		return Result{Truncated: true, Reason: ReasonAbruptEnding}
	}
	return Result{Reason: ReasonComplete}
}
