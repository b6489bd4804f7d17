// Package protocol guards the boundary between the transformer and dispatch
// layers. Payloads that carry fields from the opposing dialect, or any
// internal annotation, are rejected before they reach the wire.
package protocol

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/quenya/palantir/internal"
)

// requestFields enumerates the legal top-level keys per outgoing dialect.
var requestFields = map[gateway.Dialect]map[string]bool{
	gateway.DialectOpenAI: {
		"model":                 true,
		"messages":              true,
		"tools":                 true,
		"tool_choice":           true,
		"temperature":           true,
		"top_p":                 true,
		"max_tokens":            true,
		"max_completion_tokens": true,
		"stop":                  true,
		"stream":                true,
		"stream_options":        true,
		"n":                     true,
		"user":                  true,
		"seed":                  true,
		"presence_penalty":      true,
		"frequency_penalty":     true,
		"logit_bias":            true,
		"response_format":       true,
		"parallel_tool_calls":   true,
	},
	gateway.DialectGemini: {
		"contents":          true,
		"systemInstruction": true,
		"tools":             true,
		"toolConfig":        true,
		"generationConfig":  true,
		"safetySettings":    true,
		"cachedContent":     true,
	},
	gateway.DialectCodeWhisperer: {
		"profileArn":        true,
		"conversationState": true,
	},
}

// responseFields enumerates the legal top-level keys of an Anthropic-shaped
// response heading back to the client.
var responseFields = map[string]bool{
	"id":            true,
	"type":          true,
	"role":          true,
	"model":         true,
	"content":       true,
	"stop_reason":   true,
	"stop_sequence": true,
	"usage":         true,
}

// ValidateRequest checks an encoded outbound payload against the target
// dialect's field whitelist. Any unknown top-level key, and any key at any
// depth beginning with "__", fails the request. This is a correctness
// guardrail, not a recoverable condition.
func ValidateRequest(dialect gateway.Dialect, payload []byte) error {
	allowed, ok := requestFields[dialect]
	if !ok {
		return fmt.Errorf("%w: unknown dialect %q", gateway.ErrProtocolLeak, dialect)
	}
	r := gjson.ParseBytes(payload)
	if !r.IsObject() {
		return fmt.Errorf("%w: %s payload is not a JSON object", gateway.ErrProtocolLeak, dialect)
	}
	var leak error
	r.ForEach(func(key, _ gjson.Result) bool {
		if !allowed[key.String()] {
			leak = fmt.Errorf("%w: field %q is not part of the %s dialect", gateway.ErrProtocolLeak, key.String(), dialect)
			return false
		}
		return true
	})
	if leak != nil {
		return leak
	}
	if path, found := findInternalKey(r, ""); found {
		return fmt.Errorf("%w: internal annotation %q leaked into %s payload", gateway.ErrProtocolLeak, path, dialect)
	}
	return nil
}

// ValidateResponse checks a translated Anthropic response payload on the way
// back up: only canonical response fields, no internal annotations.
func ValidateResponse(payload []byte) error {
	r := gjson.ParseBytes(payload)
	if !r.IsObject() {
		return fmt.Errorf("%w: response payload is not a JSON object", gateway.ErrProtocolLeak)
	}
	var leak error
	r.ForEach(func(key, _ gjson.Result) bool {
		if !responseFields[key.String()] {
			leak = fmt.Errorf("%w: field %q is not part of the response shape", gateway.ErrProtocolLeak, key.String())
			return false
		}
		return true
	})
	if leak != nil {
		return leak
	}
	if path, found := findInternalKey(r, ""); found {
		return fmt.Errorf("%w: internal annotation %q leaked into response", gateway.ErrProtocolLeak, path)
	}
	return nil
}

// findInternalKey walks the value tree looking for a key with the "__" prefix
// at any depth. Returns the dotted path of the first hit.
func findInternalKey(v gjson.Result, prefix string) (string, bool) {
	var hit string
	v.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if v.IsObject() && strings.HasPrefix(name, "__") {
			hit = path
			return false
		}
		if value.IsObject() || value.IsArray() {
			if p, found := findInternalKey(value, path); found {
				hit = p
				return false
			}
		}
		return true
	})
	return hit, hit != ""
}
