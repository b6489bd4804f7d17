package openai

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/quenya/palantir/internal"
)

func TestEncodeRequestBasic(t *testing.T) {
	t.Parallel()

	req := &gateway.MessagesRequest{
		Model:     "default",
		Messages:  []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		MaxTokens: 8,
	}
	out, err := EncodeRequest(req, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	r := gjson.ParseBytes(out)
	if got := r.Get("model").String(); got != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", got)
	}
	if got := r.Get("messages.0.role").String(); got != "user" {
		t.Errorf("messages[0].role = %q", got)
	}
	if got := r.Get("messages.0.content").String(); got != "hi" {
		t.Errorf("messages[0].content = %q", got)
	}
	if got := r.Get("max_tokens").Int(); got != 8 {
		t.Errorf("max_tokens = %d, want 8", got)
	}
	if r.Get("system").Exists() {
		t.Error("unexpected system field in outgoing payload")
	}
	if r.Get("tools").Exists() {
		t.Error("unexpected tools field in outgoing payload")
	}
}

func TestEncodeRequestSystemAndTools(t *testing.T) {
	t.Parallel()

	req := &gateway.MessagesRequest{
		Model:     "default",
		System:    json.RawMessage(`[{"type":"text","text":"be brief"},{"type":"text","text":"be kind"}]`),
		Messages:  []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		MaxTokens: 100,
		Tools: []gateway.Tool{{
			Name:        "calculator",
			Description: "adds",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}}}`),
		}},
		ToolChoice: json.RawMessage(`{"type":"any"}`),
	}
	out, err := EncodeRequest(req, "gpt-4o")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	r := gjson.ParseBytes(out)
	if got := r.Get("messages.0.role").String(); got != "system" {
		t.Fatalf("messages[0].role = %q, want system", got)
	}
	if got := r.Get("messages.0.content").String(); got != "be brief\nbe kind" {
		t.Errorf("system content = %q", got)
	}
	if got := r.Get("tools.0.function.name").String(); got != "calculator" {
		t.Errorf("tool name = %q", got)
	}
	if !r.Get("tools.0.function.parameters.properties.a").Exists() {
		t.Error("input_schema not carried into function.parameters")
	}
	if got := r.Get("tool_choice").String(); got != "required" {
		t.Errorf("tool_choice = %q, want required", got)
	}
}

func TestEncodeRequestToolChoiceBareString(t *testing.T) {
	t.Parallel()

	// tool_choice also arrives as a bare string, not only the object form.
	req := &gateway.MessagesRequest{
		Model:      "default",
		MaxTokens:  100,
		Messages:   []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		Tools:      []gateway.Tool{{Name: "calculator", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice: json.RawMessage(`"any"`),
	}
	out, err := EncodeRequest(req, "gpt-4o")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if got := gjson.GetBytes(out, "tool_choice").String(); got != "required" {
		t.Errorf("tool_choice = %q, want required", got)
	}

	req.ToolChoice = json.RawMessage(`"auto"`)
	out, err = EncodeRequest(req, "gpt-4o")
	if err != nil {
		t.Fatalf("EncodeRequest auto: %v", err)
	}
	if got := gjson.GetBytes(out, "tool_choice").String(); got != "auto" {
		t.Errorf("tool_choice = %q, want auto", got)
	}
}

func TestEncodeRequestToolRoundTripMessages(t *testing.T) {
	t.Parallel()

	req := &gateway.MessagesRequest{
		Model:     "default",
		MaxTokens: 10,
		Messages: []gateway.Message{
			{Role: "user", Content: json.RawMessage(`"add 1+2"`)},
			{Role: "assistant", Content: json.RawMessage(`[{"type":"text","text":"sure"},{"type":"tool_use","id":"call_1","name":"calculator","input":{"a":1,"b":2}}]`)},
			{Role: "user", Content: json.RawMessage(`[{"type":"tool_result","tool_use_id":"call_1","content":"3"}]`)},
		},
	}
	out, err := EncodeRequest(req, "gpt-4o")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	r := gjson.ParseBytes(out)

	msgs := r.Get("messages").Array()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	asst := msgs[1]
	if got := asst.Get("tool_calls.0.function.name").String(); got != "calculator" {
		t.Errorf("tool_calls name = %q", got)
	}
	// Arguments must be a JSON-encoded string.
	args := asst.Get("tool_calls.0.function.arguments").String()
	if !json.Valid([]byte(args)) {
		t.Errorf("arguments not valid JSON string payload: %q", args)
	}
	tool := msgs[2]
	if got := tool.Get("role").String(); got != "tool" {
		t.Errorf("tool result role = %q, want tool", got)
	}
	if got := tool.Get("tool_call_id").String(); got != "call_1" {
		t.Errorf("tool_call_id = %q", got)
	}
}

func TestDecodeResponseBasic(t *testing.T) {
	t.Parallel()

	body := `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":1}}`
	resp, partial, err := DecodeResponse([]byte(body), "gpt-4o-mini")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if partial {
		t.Error("partial = true for clean response")
	}
	if len(resp.Content) != 1 || resp.Content[0].Type != "text" || resp.Content[0].Text != "hello" {
		t.Errorf("content = %+v, want one text block 'hello'", resp.Content)
	}
	if resp.StopReason != gateway.StopEndTurn {
		t.Errorf("stop_reason = %q, want end_turn", resp.StopReason)
	}
	if resp.Usage.InputTokens != 2 || resp.Usage.OutputTokens != 1 {
		t.Errorf("usage = %+v, want {2 1}", resp.Usage)
	}
	if resp.Role != "assistant" || resp.Type != "message" {
		t.Errorf("role/type = %q/%q", resp.Role, resp.Type)
	}
}

func TestDecodeResponseToolCalls(t *testing.T) {
	t.Parallel()

	body := `{"id":"chatcmpl-2","choices":[{"message":{"role":"assistant","tool_calls":[{"id":"call_9","type":"function","function":{"name":"get_time","arguments":"{\"timezone\":\"UTC\"}"}}]},"finish_reason":"tool_calls"}]}`
	resp, partial, err := DecodeResponse([]byte(body), "gpt-4o")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if partial {
		t.Error("partial = true for parseable arguments")
	}
	if len(resp.Content) != 1 {
		t.Fatalf("got %d blocks, want 1", len(resp.Content))
	}
	b := resp.Content[0]
	if b.Type != "tool_use" || b.Name != "get_time" || b.ID != "call_9" {
		t.Errorf("tool_use block = %+v", b)
	}
	if got := gjson.GetBytes(b.Input, "timezone").String(); got != "UTC" {
		t.Errorf("input.timezone = %q", got)
	}
	if resp.StopReason != gateway.StopToolUse {
		t.Errorf("stop_reason = %q, want tool_use", resp.StopReason)
	}
}

func TestDecodeResponseMalformedArgumentsRepaired(t *testing.T) {
	t.Parallel()

	// Trailing comma: repaired in one pass, not partial.
	body := `{"choices":[{"message":{"tool_calls":[{"id":"c","function":{"name":"f","arguments":"{\"a\":1,}"}}]},"finish_reason":"tool_calls"}]}`
	resp, partial, err := DecodeResponse([]byte(body), "m")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if partial {
		t.Error("partial = true after successful repair")
	}
	if got := gjson.GetBytes(resp.Content[0].Input, "a").Int(); got != 1 {
		t.Errorf("input.a = %d, want 1", got)
	}
}

func TestDecodeResponseHopelessArgumentsKeptRaw(t *testing.T) {
	t.Parallel()

	body := `{"choices":[{"message":{"tool_calls":[{"id":"c","function":{"name":"f","arguments":"not json at all <<<"}}]},"finish_reason":"tool_calls"}]}`
	resp, partial, err := DecodeResponse([]byte(body), "m")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !partial {
		t.Error("partial = false for unrepairable arguments")
	}
	if resp.Content[0].Raw != "not json at all <<<" {
		t.Errorf("raw = %q", resp.Content[0].Raw)
	}
}

func TestMapFinishReason(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"stop":           gateway.StopEndTurn,
		"eos":            gateway.StopEndTurn,
		"length":         gateway.StopMaxTokens,
		"tool_calls":     gateway.StopToolUse,
		"function_call":  gateway.StopToolUse,
		"content_filter": gateway.StopStopSequence,
		"weird_reason":   gateway.StopEndTurn,
	}
	for in, want := range tests {
		if got := MapFinishReason(in); got != want {
			t.Errorf("MapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
