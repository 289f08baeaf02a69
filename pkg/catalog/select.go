package catalog

import (
	"errors"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is returned for a pattern doublestar cannot compile.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// ErrNoMatch is returned when a pattern selects nothing.
var ErrNoMatch = errors.New("pattern matched no ids")

// PatternError wraps a selection error with the offending pattern.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Selection holds glob patterns per catalog section. An empty list selects
// every entry of that section.
type Selection struct {
	Scenarios     []string
	Constitutions []string
	Models        []string
	Evaluators    []string
}

// Selected is the resolved ID lists, in catalog order.
type Selected struct {
	ScenarioIDs     []string
	ConstitutionIDs []string
	ModelIDs        []string
	EvaluatorIDs    []string
}

// Select resolves patterns against the catalog. Every pattern must match at
// least one ID, so a typo fails loudly instead of shrinking the experiment.
//
// Evaluators keep catalog order unless patterns are all literal IDs, in
// which case the given order is kept: the first evaluator is primary.
func (c *Catalog) Select(sel Selection) (Selected, error) {
	var (
		out Selected
		err error
	)
	if out.ScenarioIDs, err = selectIDs(idsOf(len(c.Scenarios), func(i int) string { return c.Scenarios[i].ID }), sel.Scenarios); err != nil {
		return Selected{}, err
	}
	if out.ConstitutionIDs, err = selectIDs(idsOf(len(c.Constitutions), func(i int) string { return c.Constitutions[i].ID }), sel.Constitutions); err != nil {
		return Selected{}, err
	}
	if out.ModelIDs, err = selectIDs(c.ModelIDs(), sel.Models); err != nil {
		return Selected{}, err
	}

	evaluators := idsOf(len(c.Evaluators), func(i int) string { return c.Evaluators[i].ID })
	if literal(sel.Evaluators) {
		for _, id := range sel.Evaluators {
			if _, ok := c.evaluators[id]; !ok {
				return Selected{}, &PatternError{Pattern: id, Err: ErrNoMatch}
			}
		}
		out.EvaluatorIDs = dedupe(sel.Evaluators)
	} else if out.EvaluatorIDs, err = selectIDs(evaluators, sel.Evaluators); err != nil {
		return Selected{}, err
	}
	return out, nil
}

// MatchIDs returns the IDs matching any pattern, in input order.
func MatchIDs(ids, patterns []string) ([]string, error) {
	return selectIDs(ids, patterns)
}

func selectIDs(ids, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return append([]string(nil), ids...), nil
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
	}

	hit := make(map[string]bool, len(patterns))
	var out []string
	for _, id := range ids {
		matched := false
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, id); ok {
				hit[p] = true
				matched = true
			}
		}
		if matched {
			out = append(out, id)
		}
	}
	for _, p := range patterns {
		if !hit[p] {
			return nil, &PatternError{Pattern: p, Err: ErrNoMatch}
		}
	}
	return out, nil
}

func literal(patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, p := range patterns {
		for _, r := range p {
			switch r {
			case '*', '?', '[', '{', '\\':
				return false
			}
		}
	}
	return true
}

func idsOf(n int, id func(int) string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = id(i)
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
