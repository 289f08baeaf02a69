// Package jsontext holds the low-level text scanners shared by the truncation
// classifier and the response parser.
//
// Model output rarely arrives as clean JSON. It is wrapped in markdown fences,
// carries stray control bytes, or trails off after the closing brace. The
// helpers here never fail: they return the best candidate substring and let
// the caller decide whether it decodes.
package jsontext

import (
	"strings"
)

const fence = "```"

// StripFences removes a markdown code-fence wrapper.
//
// The first fenced block wins. Text before the opening fence is discarded, as
// is the language tag on the opening line. A missing closing fence (common in
// truncated output) keeps everything after the opening line.
func StripFences(s string) string {
	t := strings.TrimSpace(s)
	start := strings.Index(t, fence)
	if start < 0 {
		return t
	}

	rest := t[start+len(fence):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = strings.TrimLeft(rest, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	}

	if end := strings.Index(rest, fence); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// StripControl drops ASCII control characters. Tab, newline and carriage
// return become a single space so that raw line breaks inside string values
// no longer invalidate the document.
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// FirstBalancedObject returns the substring spanning the first '{' and its
// matching '}'.
//
// The walk tracks quoted strings and backslash escapes so braces inside
// string values do not affect depth. ok is false when there is no '{' or the
// object never closes.
func FirstBalancedObject(s string) (obj string, ok bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// TrimAfterLastBrace cuts everything after the last '}'. ok is false when
// the text has no closing brace.
func TrimAfterLastBrace(s string) (string, bool) {
	end := strings.LastIndexByte(s, '}')
	if end < 0 {
		return "", false
	}
	return s[:end+1], true
}

// ObjectStarts returns the offsets of up to limit '{' characters in s, in
// order. A limit of zero or less means no limit.
func ObjectStarts(s string, limit int) []int {
	var out []int
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		out = append(out, i)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Count reports how many times each of open and close appears in s.
func Count(s string, open, close byte) (opens, closes int) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case open:
			opens++
		case close:
			closes++
		}
	}
	return opens, closes
}
