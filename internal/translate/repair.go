package translate

import (
	"encoding/json"
	"regexp"
	"strings"
)

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// RepairToolArguments parses a tool-call argument string into JSON. Malformed
// input gets one repair pass (trailing commas stripped, braces balanced);
// the second return is false when even the repaired form does not parse, in
// which case the caller keeps the raw string and marks the envelope partial.
func RepairToolArguments(raw string) (json.RawMessage, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`), true
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), true
	}

	repaired := trailingComma.ReplaceAllString(raw, "$1")
	repaired = balanceBraces(repaired)
	if json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired), true
	}
	return nil, false
}

// balanceBraces appends closers for unclosed braces and brackets, ignoring
// characters inside string literals.
func balanceBraces(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, c)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}
