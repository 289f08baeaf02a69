package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errNotObject = errors.New("response is not a JSON object")

// shapeError reports a decoded object that lacks required fields.
type shapeError struct {
	kind    Kind
	missing []string
}

func (e *shapeError) Error() string {
	return fmt.Sprintf("%s record missing fields: %s", e.kind, strings.Join(e.missing, ", "))
}

// decode parses doc as a JSON object and validates it against kind.
func (p *Parser) decode(kind Kind, doc string) (Record, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &obj); err != nil {
		return Record{}, err
	}
	if obj == nil {
		return Record{}, errNotObject
	}

	switch kind {
	case KindFacts:
		return decodeFacts(obj)
	case KindReasoning:
		return decodeReasoning(obj)
	case KindEvaluation:
		return decodeEvaluation(obj, p.dimensions)
	default:
		return Record{}, fmt.Errorf("unknown record kind %q", kind)
	}
}

func decodeFacts(obj map[string]json.RawMessage) (Record, error) {
	var missing []string
	established, ok := stringList(obj["establishedFacts"])
	if !ok {
		missing = append(missing, "establishedFacts")
	}
	ambiguous, ok := stringList(obj["ambiguousElements"])
	if !ok {
		missing = append(missing, "ambiguousElements")
	}
	if len(missing) > 0 {
		return Record{}, &shapeError{kind: KindFacts, missing: missing}
	}
	questions, _ := stringList(obj["keyQuestions"])

	return Record{
		Kind: KindFacts,
		Facts: &Facts{
			EstablishedFacts:  established,
			AmbiguousElements: ambiguous,
			KeyQuestions:      questions,
		},
	}, nil
}

func decodeReasoning(obj map[string]json.RawMessage) (Record, error) {
	var missing []string
	reasoning, ok := text(obj["reasoning"])
	if !ok {
		missing = append(missing, "reasoning")
	}
	recommendation, ok := text(obj["recommendation"])
	if !ok {
		missing = append(missing, "recommendation")
	}
	values, ok := stringList(obj["valuesApplied"])
	if !ok {
		missing = append(missing, "valuesApplied")
	}
	tradeoffs, ok := text(obj["tradeoffsAcknowledged"])
	if !ok {
		missing = append(missing, "tradeoffsAcknowledged")
	}
	if len(missing) > 0 {
		return Record{}, &shapeError{kind: KindReasoning, missing: missing}
	}

	return Record{
		Kind: KindReasoning,
		Reasoning: &Reasoning{
			Reasoning:             &reasoning,
			Recommendation:        &recommendation,
			ValuesApplied:         values,
			TradeoffsAcknowledged: &tradeoffs,
		},
	}, nil
}

func decodeEvaluation(obj map[string]json.RawMessage, dimensions []string) (Record, error) {
	// Some models nest the blocks under a wrapper key.
	if inner, ok := obj["dimensions"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(inner, &nested); err == nil && nested != nil {
			obj = nested
		}
	}

	eval := &Evaluation{Dimensions: make(map[string]ScoreBlock, len(dimensions))}
	var missing []string
	for _, dim := range dimensions {
		block, ok := scoreBlock(obj[dim])
		if !ok {
			missing = append(missing, dim)
			continue
		}
		eval.Dimensions[dim] = block
	}
	if len(missing) > 0 {
		return Record{}, &shapeError{kind: KindEvaluation, missing: missing}
	}
	return Record{Kind: KindEvaluation, Evaluation: eval}, nil
}

// text accepts a string, or a list of strings joined with "; ".
func text(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	if list, ok := stringList(raw); ok {
		return strings.Join(list, "; "), true
	}
	return "", false
}

// stringList accepts a list of strings, or a single string as a one-item
// list.
func stringList(raw json.RawMessage) ([]string, bool) {
	if isNull(raw) {
		return nil, false
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && list != nil {
		return list, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, true
	}
	return nil, false
}

func scoreBlock(raw json.RawMessage) (ScoreBlock, bool) {
	if isNull(raw) {
		return ScoreBlock{}, false
	}
	var wire struct {
		Score       *float64        `json:"score"`
		Explanation string          `json:"explanation"`
		Examples    json.RawMessage `json:"examples"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil || wire.Score == nil {
		return ScoreBlock{}, false
	}
	score, ok := scoreInRange(*wire.Score)
	if !ok {
		return ScoreBlock{}, false
	}
	examples, _ := stringList(wire.Examples)
	return ScoreBlock{
		Score:       score,
		Explanation: wire.Explanation,
		Examples:    examples,
	}, true
}

func isNull(raw json.RawMessage) bool {
	t := strings.TrimSpace(string(raw))
	return t == "" || t == "null"
}
