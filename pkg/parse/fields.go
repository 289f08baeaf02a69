package parse

import (
	"encoding/json"
	"regexp"
	"strconv"
)

// MinRecoveredFields is the number of fields field-by-field extraction must
// find before its result counts as a partial success.
const MinRecoveredFields = 2

// stringValue matches a JSON string body. A value cut off at end of input
// still matches so truncated responses give up what they have.
const stringValue = `"((?:[^"\\]|\\.)*)(?:"|$)`

var (
	arrayItemRe   = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
	scoreRe       = regexp.MustCompile(`"score"\s*:\s*(-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?)`)
	explanationRe = regexp.MustCompile(`"explanation"\s*:\s*` + stringValue)
)

func keyPrefix(name string) string {
	return `"` + regexp.QuoteMeta(name) + `"\s*:\s*`
}

// extractFields recovers named fields from text that would not decode as a
// whole. It returns the record and the names of the fields found.
func (p *Parser) extractFields(kind Kind, raw string) (Record, []string) {
	switch kind {
	case KindReasoning:
		return extractReasoning(raw)
	case KindFacts:
		return extractFacts(raw)
	case KindEvaluation:
		return extractEvaluation(raw, p.dimensions)
	default:
		return Record{Kind: kind}, nil
	}
}

func extractReasoning(raw string) (Record, []string) {
	r := &Reasoning{}
	var found []string

	if s, ok := stringField(raw, "reasoning"); ok {
		r.Reasoning = &s
		found = append(found, "reasoning")
	}
	if s, ok := stringField(raw, "recommendation"); ok {
		r.Recommendation = &s
		found = append(found, "recommendation")
	}
	if list, ok := arrayField(raw, "valuesApplied"); ok {
		r.ValuesApplied = list
		found = append(found, "valuesApplied")
	}
	if s, ok := stringField(raw, "tradeoffsAcknowledged"); ok {
		r.TradeoffsAcknowledged = &s
		found = append(found, "tradeoffsAcknowledged")
	}
	return Record{Kind: KindReasoning, Reasoning: r}, found
}

func extractFacts(raw string) (Record, []string) {
	f := &Facts{}
	var found []string

	if list, ok := arrayField(raw, "establishedFacts"); ok {
		f.EstablishedFacts = list
		found = append(found, "establishedFacts")
	}
	if list, ok := arrayField(raw, "ambiguousElements"); ok {
		f.AmbiguousElements = list
		found = append(found, "ambiguousElements")
	}
	if list, ok := arrayField(raw, "keyQuestions"); ok {
		f.KeyQuestions = list
		found = append(found, "keyQuestions")
	}
	return Record{Kind: KindFacts, Facts: f}, found
}

func extractEvaluation(raw string, dimensions []string) (Record, []string) {
	e := &Evaluation{Dimensions: make(map[string]ScoreBlock)}
	var found []string

	for _, dim := range dimensions {
		re := regexp.MustCompile(keyPrefix(dim) + `\{([^{}]*)`)
		m := re.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		sm := scoreRe.FindStringSubmatch(m[1])
		if sm == nil {
			continue
		}
		v, err := strconv.ParseFloat(sm[1], 64)
		if err != nil {
			continue
		}
		score, ok := scoreInRange(v)
		if !ok {
			continue
		}
		block := ScoreBlock{Score: score}
		if em := explanationRe.FindStringSubmatch(m[1]); em != nil {
			block.Explanation = unescape(em[1])
		}
		e.Dimensions[dim] = block
		found = append(found, dim)
	}
	return Record{Kind: KindEvaluation, Evaluation: e}, found
}

func stringField(raw, name string) (string, bool) {
	re := regexp.MustCompile(keyPrefix(name) + stringValue)
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return unescape(m[1]), true
}

func arrayField(raw, name string) ([]string, bool) {
	re := regexp.MustCompile(keyPrefix(name) + `\[([^\]]*)`)
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return nil, false
	}
	items := arrayItemRe.FindAllStringSubmatch(m[1], -1)
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, unescape(it[1]))
	}
	return out, true
}

// unescape decodes JSON string escapes, falling back to the captured text.
func unescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
