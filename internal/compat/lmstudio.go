package compat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/quenya/palantir/internal"
)

const (
	loadedModelsTTL    = 30 * time.Second
	loadedModelsMaxLen = 16
)

// defaultModelMap translates Anthropic model names to the MLX community
// builds LM Studio typically serves.
var defaultModelMap = map[string]string{
	"claude-3-5-haiku-20241022":  "mlx-community/Qwen2.5-7B-Instruct-4bit",
	"claude-3-5-sonnet-20241022": "mlx-community/Qwen2.5-32B-Instruct-4bit",
	"claude-sonnet-4-20250514":   "mlx-community/Qwen2.5-32B-Instruct-4bit",
}

// lmStudioAdapter remaps model names for a local LM Studio server, checks
// the target against the server's loaded-model set, and recovers tool calls
// that local models emit as plain text instead of structured tool_calls.
type lmStudioAdapter struct {
	endpoint string
	client   *http.Client
	modelMap map[string]string
	loaded   *otter.Cache[string, map[string]bool]
}

func newLMStudio(opts Options) *lmStudioAdapter {
	m := make(map[string]string, len(defaultModelMap)+len(opts.ModelMap))
	for k, v := range defaultModelMap {
		m[k] = v
	}
	for k, v := range opts.ModelMap {
		m[k] = v
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &lmStudioAdapter{
		endpoint: strings.TrimSuffix(opts.Endpoint, "/"),
		client:   client,
		modelMap: m,
		loaded: otter.Must(&otter.Options[string, map[string]bool]{
			MaximumSize:      loadedModelsMaxLen,
			ExpiryCalculator: otter.ExpiryWriting[string, map[string]bool](loadedModelsTTL),
		}),
	}
}

func (a *lmStudioAdapter) Name() string { return "lmstudio" }

// PrepareRequest remaps the model name and validates it against the set of
// models the server reports as loaded. The loaded-set check is best-effort:
// if the models endpoint is unreachable the request proceeds.
func (a *lmStudioAdapter) PrepareRequest(ctx context.Context, payload []byte) ([]byte, error) {
	model := gjson.GetBytes(payload, "model").String()
	if mapped, ok := a.modelMap[model]; ok {
		var err error
		payload, err = sjson.SetBytes(payload, "model", mapped)
		if err != nil {
			return nil, fmt.Errorf("lmstudio: remap model: %w", err)
		}
		model = mapped
	}

	if loaded := a.loadedModels(ctx); loaded != nil && !loaded[model] {
		return nil, fmt.Errorf("%w: model %q is not loaded on %s", gateway.ErrNoProvider, model, a.endpoint)
	}
	return payload, nil
}

// loadedModels returns the server's loaded-model set, cached briefly.
// Returns nil when the set cannot be determined.
func (a *lmStudioAdapter) loadedModels(ctx context.Context) map[string]bool {
	if set, ok := a.loaded.GetIfPresent(a.endpoint); ok {
		return set
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/v1/models", nil)
	if err != nil {
		return nil
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}

	set := map[string]bool{}
	gjson.GetBytes(body, "data.#.id").ForEach(func(_, id gjson.Result) bool {
		set[id.String()] = true
		return true
	})
	if len(set) == 0 {
		return nil
	}
	a.loaded.Set(a.endpoint, set)
	return set
}

// NormalizeResponse recovers tool calls that the model wrote into the text
// content instead of the tool_calls array. When an extraction fires, the
// triggering text is elided and a structured tool_calls entry takes its place.
func (a *lmStudioAdapter) NormalizeResponse(payload []byte) ([]byte, error) {
	msg := gjson.GetBytes(payload, "choices.0.message")
	if !msg.Exists() || msg.Get("tool_calls").Exists() {
		return payload, nil
	}
	content := msg.Get("content").String()
	if content == "" {
		return payload, nil
	}

	name, args, ok := ExtractEmbeddedToolCall(content)
	if !ok {
		return payload, nil
	}

	call := map[string]any{
		"id":   "call_extracted_0",
		"type": "function",
		"function": map[string]any{
			"name":      name,
			"arguments": args,
		},
	}
	out, err := sjson.SetBytes(payload, "choices.0.message.tool_calls", []any{call})
	if err != nil {
		return nil, fmt.Errorf("lmstudio: set tool_calls: %w", err)
	}
	out, err = sjson.SetBytes(out, "choices.0.message.content", "")
	if err != nil {
		return nil, fmt.Errorf("lmstudio: clear content: %w", err)
	}
	return out, nil
}

var (
	glmCallRe     = regexp.MustCompile(`Tool call:\s*([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	xmlCallRe     = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
	channelCallRe = regexp.MustCompile(`<\|channel\|>commentary to=functions\.([A-Za-z_][A-Za-z0-9_]*)\b.*?<\|message\|>`)
)

// ExtractEmbeddedToolCall recognizes the tool-call syntaxes local models
// embed in plain text. Extraction is deliberately strict: the call must be
// the last structured element of the message, outside any fenced code block,
// and not part of an enumerated example. Returns the function name and its
// raw JSON arguments.
func ExtractEmbeddedToolCall(content string) (name, args string, ok bool) {
	// Hermes/Qwen XML form: <tool_call>{"name":...,"arguments":{...}}</tool_call>
	if m := xmlCallRe.FindStringSubmatch(content); m != nil {
		inner := gjson.Parse(m[1])
		if n := inner.Get("name").String(); n != "" {
			a := inner.Get("arguments").Raw
			if a == "" {
				a = "{}"
			}
			return n, a, true
		}
	}

	// gpt-oss channel commentary: <|channel|>commentary to=functions.f <|message|>{...}
	if m := channelCallRe.FindStringSubmatchIndex(content); m != nil {
		fname := content[m[2]:m[3]]
		rest := content[m[1]:]
		if body, n := balancedJSON(rest); n > 0 && strings.TrimSpace(rest[n:]) == "" {
			return fname, body, true
		}
	}

	// GLM style: Tool call: f({...})
	if m := glmCallRe.FindStringSubmatchIndex(content); m != nil {
		fname := content[m[2]:m[3]]
		openParen := m[1] - 1
		if tutorialContext(content, m[0]) {
			return "", "", false
		}
		rest := content[openParen+1:]
		body, n := balancedJSON(rest)
		if n == 0 {
			return "", "", false
		}
		after := strings.TrimSpace(rest[n:])
		if !strings.HasPrefix(after, ")") {
			return "", "", false
		}
		// The call must close out the message.
		if strings.TrimSpace(after[1:]) != "" {
			return "", "", false
		}
		return fname, body, true
	}

	return "", "", false
}

// tutorialContext reports whether the match at offset sits in quoted or
// instructional surroundings rather than a live call.
func tutorialContext(content string, offset int) bool {
	before := content[:offset]
	// Inside an unclosed code fence.
	if strings.Count(before, "```")%2 == 1 {
		return true
	}
	// On a numbered or bulleted list line.
	lineStart := strings.LastIndexByte(before, '\n') + 1
	line := strings.TrimSpace(content[lineStart:offset])
	if listMarkerRe.MatchString(line) {
		return true
	}
	return false
}

var listMarkerRe = regexp.MustCompile(`^(\d+\.|[-*])\s`)

// balancedJSON scans a leading JSON object from s, honoring string literals
// and escapes. Returns the object text and the number of bytes consumed;
// n == 0 means no balanced object starts at s.
func balancedJSON(s string) (string, int) {
	start := len(s) - len(strings.TrimLeft(s, " \t\r\n"))
	if start >= len(s) || s[start] != '{' {
		return "", 0
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
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
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], i + 1
				}
			}
		}
	}
	return "", 0
}
