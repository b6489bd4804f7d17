package gemini

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/quenya/palantir/internal"
)

func TestEncodeRequestToolChoiceAny(t *testing.T) {
	t.Parallel()

	req := &gateway.MessagesRequest{
		Model:     "default",
		MaxTokens: 64,
		Messages:  []gateway.Message{{Role: "user", Content: json.RawMessage(`"what is 2+2"`)}},
		Tools: []gateway.Tool{{
			Name:        "calculator",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		ToolChoice: json.RawMessage(`{"type":"any"}`),
	}
	out, err := EncodeRequest(req, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	r := gjson.ParseBytes(out)

	if got := r.Get("toolConfig.functionCallingConfig.mode").String(); got != "ANY" {
		t.Errorf("mode = %q, want ANY", got)
	}
	names := r.Get("toolConfig.functionCallingConfig.allowedFunctionNames").Array()
	if len(names) != 1 || names[0].String() != "calculator" {
		t.Errorf("allowedFunctionNames = %v, want [calculator]", names)
	}
	if got := r.Get("tools.0.functionDeclarations.0.name").String(); got != "calculator" {
		t.Errorf("declaration name = %q", got)
	}
	if got := r.Get("generationConfig.maxOutputTokens").Int(); got != 64 {
		t.Errorf("maxOutputTokens = %d, want 64", got)
	}
	// The model never rides in the body for Gemini.
	if r.Get("model").Exists() {
		t.Error("unexpected model field in body")
	}
}

func TestEncodeRequestToolChoiceSpecific(t *testing.T) {
	t.Parallel()

	req := &gateway.MessagesRequest{
		Model:     "default",
		MaxTokens: 10,
		Messages:  []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		Tools: []gateway.Tool{
			{Name: "a", InputSchema: json.RawMessage(`{}`)},
			{Name: "b", InputSchema: json.RawMessage(`{}`)},
		},
		ToolChoice: json.RawMessage(`{"type":"tool","name":"b"}`),
	}
	out, err := EncodeRequest(req, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	r := gjson.ParseBytes(out)
	if got := r.Get("toolConfig.functionCallingConfig.mode").String(); got != "ANY" {
		t.Errorf("mode = %q, want ANY", got)
	}
	names := r.Get("toolConfig.functionCallingConfig.allowedFunctionNames").Array()
	if len(names) != 1 || names[0].String() != "b" {
		t.Errorf("allowedFunctionNames = %v, want [b]", names)
	}
}

func TestEncodeRequestToolChoiceBareString(t *testing.T) {
	t.Parallel()

	// tool_choice also arrives as a bare string, not only the object form.
	req := &gateway.MessagesRequest{
		Model:      "default",
		MaxTokens:  10,
		Messages:   []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		Tools:      []gateway.Tool{{Name: "calculator", InputSchema: json.RawMessage(`{}`)}},
		ToolChoice: json.RawMessage(`"any"`),
	}
	out, err := EncodeRequest(req, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	r := gjson.ParseBytes(out)
	if got := r.Get("toolConfig.functionCallingConfig.mode").String(); got != "ANY" {
		t.Errorf("mode = %q, want ANY", got)
	}
	names := r.Get("toolConfig.functionCallingConfig.allowedFunctionNames").Array()
	if len(names) != 1 || names[0].String() != "calculator" {
		t.Errorf("allowedFunctionNames = %v, want [calculator]", names)
	}

	req.ToolChoice = json.RawMessage(`"auto"`)
	out, err = EncodeRequest(req, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("EncodeRequest auto: %v", err)
	}
	if got := gjson.GetBytes(out, "toolConfig.functionCallingConfig.mode").String(); got != "AUTO" {
		t.Errorf("mode = %q, want AUTO", got)
	}
}

func TestEncodeRequestRolesAndFunctionResponse(t *testing.T) {
	t.Parallel()

	req := &gateway.MessagesRequest{
		Model:     "default",
		MaxTokens: 10,
		Messages: []gateway.Message{
			{Role: "user", Content: json.RawMessage(`"add"`)},
			{Role: "assistant", Content: json.RawMessage(`[{"type":"tool_use","id":"t1","name":"calculator","input":{"a":2,"b":2}}]`)},
			{Role: "user", Content: json.RawMessage(`[{"type":"tool_result","tool_use_id":"t1","content":"4"}]`)},
		},
	}
	out, err := EncodeRequest(req, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	r := gjson.ParseBytes(out)

	contents := r.Get("contents").Array()
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(contents))
	}
	if got := contents[1].Get("role").String(); got != "model" {
		t.Errorf("assistant role = %q, want model", got)
	}
	if got := contents[1].Get("parts.0.functionCall.name").String(); got != "calculator" {
		t.Errorf("functionCall name = %q", got)
	}
	// tool_result resolves to the function name, not the tool_use id.
	fr := contents[2].Get("parts.0.functionResponse")
	if got := fr.Get("name").String(); got != "calculator" {
		t.Errorf("functionResponse name = %q, want calculator", got)
	}
	if got := fr.Get("response.result").String(); got != "4" {
		t.Errorf("functionResponse payload = %q, want wrapped result 4", got)
	}
}

func TestDecodeResponseFunctionCall(t *testing.T) {
	t.Parallel()

	body := `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"calculator","args":{"a":2,"b":2}}}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":3}}`
	resp, partial, err := DecodeResponse([]byte(body), "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if partial {
		t.Error("partial = true for clean response")
	}
	if len(resp.Content) != 1 {
		t.Fatalf("got %d blocks, want 1", len(resp.Content))
	}
	b := resp.Content[0]
	if b.Type != "tool_use" || b.Name != "calculator" {
		t.Errorf("block = %+v", b)
	}
	if b.ID == "" {
		t.Error("tool_use block has empty id")
	}
	if got := gjson.GetBytes(b.Input, "a").Int(); got != 2 {
		t.Errorf("input.a = %d, want 2", got)
	}
	if resp.StopReason != gateway.StopEndTurn {
		t.Errorf("stop_reason = %q, want end_turn for STOP finish", resp.StopReason)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestDecodeResponseTextBeforeCall(t *testing.T) {
	t.Parallel()

	body := `{"candidates":[{"content":{"parts":[{"text":"let me "},{"text":"compute"},{"functionCall":{"name":"f","args":{}}}]},"finishReason":"STOP"}]}`
	resp, _, err := DecodeResponse([]byte(body), "m")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("got %d blocks, want 2", len(resp.Content))
	}
	if resp.Content[0].Type != "text" || resp.Content[0].Text != "let me compute" {
		t.Errorf("text block = %+v", resp.Content[0])
	}
	if resp.Content[1].Type != "tool_use" {
		t.Errorf("second block = %+v", resp.Content[1])
	}
}

func TestDecodeResponseUnexpectedToolCall(t *testing.T) {
	t.Parallel()

	body := `{"candidates":[{"content":{"parts":[]},"finishReason":"UNEXPECTED_TOOL_CALL"}]}`
	resp, _, err := DecodeResponse([]byte(body), "m")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.StopReason != gateway.StopToolUse {
		t.Errorf("stop_reason = %q, want tool_use", resp.StopReason)
	}
	if len(resp.Content) == 0 || resp.Content[len(resp.Content)-1].Type != "text" {
		t.Error("missing diagnostic text block")
	}
}

func TestDecodeResponseNoCandidates(t *testing.T) {
	t.Parallel()

	_, _, err := DecodeResponse([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`), "m")
	if err == nil {
		t.Fatal("expected error for empty candidates")
	}
}
