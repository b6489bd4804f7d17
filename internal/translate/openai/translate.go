// Package openai translates between the Anthropic Messages shape and the
// OpenAI chat-completions dialect, in both directions.
package openai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/translate"
)

// chatRequest is the outgoing OpenAI chat-completions request body. Only
// dialect-standard fields exist on this struct; the protocol validator
// re-verifies the serialized form.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []chatTool     `json:"tools,omitempty"`
	ToolChoice    any            `json:"tool_choice,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded string
}

type chatTool struct {
	Type     string   `json:"type"` // always "function"
	Function toolSpec `json:"function"`
}

type toolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// EncodeRequest converts an Anthropic Messages request into the OpenAI
// chat-completions dialect, targeting the concrete upstream model.
func EncodeRequest(req *gateway.MessagesRequest, model string) ([]byte, error) {
	out := &chatRequest{
		Model:       model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.Stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if sys, err := systemText(req.System); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrValidation, err)
	} else if sys != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: sys})
	}

	for i, m := range req.Messages {
		blocks, err := gateway.DecodeBlocks(m.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", gateway.ErrValidation, i, err)
		}
		msgs, err := encodeMessage(m.Role, blocks)
		if err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", gateway.ErrValidation, i, err)
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: toolSpec{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}

	if tc, err := encodeToolChoice(req.ToolChoice); err != nil {
		return nil, err
	} else if tc != nil {
		out.ToolChoice = tc
	}

	return json.Marshal(out)
}

// encodeMessage maps one Anthropic message to one or more OpenAI messages.
// tool_result blocks become separate role:"tool" messages; tool_use blocks
// become tool_calls on the assistant message carrying the turn's text.
func encodeMessage(role string, blocks []gateway.ContentBlock) ([]chatMessage, error) {
	var out []chatMessage
	var text strings.Builder
	var calls []toolCall

	for _, b := range blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, toolCall{
				ID:       b.ID,
				Type:     "function",
				Function: toolFunction{Name: b.Name, Arguments: args},
			})
		case "tool_result":
			out = append(out, chatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    resultText(b.Content),
			})
		default:
			return nil, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}

	if text.Len() > 0 || len(calls) > 0 {
		out = append(out, chatMessage{Role: role, Content: text.String(), ToolCalls: calls})
	}
	return out, nil
}

// encodeToolChoice maps Anthropic tool_choice onto the OpenAI form:
// auto -> "auto", any -> "required", tool(name) -> function selector.
// The bare-string shorthand ("auto", "any") is accepted alongside the
// object form.
func encodeToolChoice(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	r := gjson.ParseBytes(raw)
	kind := r.Get("type").String()
	if r.Type == gjson.String {
		kind = r.String()
	}
	switch kind {
	case "auto":
		return "auto", nil
	case "any":
		return "required", nil
	case "tool":
		name := r.Get("name").String()
		if name == "" {
			return nil, fmt.Errorf("%w: tool_choice of type tool requires a name", gateway.ErrValidation)
		}
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": name},
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tool_choice type", gateway.ErrValidation)
	}
}

// systemText flattens the system field (string or block array) into one string.
func systemText(raw json.RawMessage) (string, error) {
	blocks, err := gateway.DecodeBlocks(raw)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// resultText flattens tool_result content (string or blocks) for the
// role:"tool" message body.
func resultText(raw json.RawMessage) string {
	blocks, err := gateway.DecodeBlocks(raw)
	if err != nil {
		return string(raw)
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// DecodeResponse converts an OpenAI chat-completions JSON response into the
// Anthropic shape. The second return is true when tool arguments survived
// only in raw form and the envelope should be marked partial.
func DecodeResponse(data []byte, model string) (*gateway.MessagesResponse, bool, error) {
	r := gjson.ParseBytes(data)
	msg := r.Get("choices.0.message")
	if !msg.Exists() {
		return nil, false, fmt.Errorf("%w: response has no choices", gateway.ErrUpstreamClient)
	}

	var content []gateway.ContentBlock
	if text := msg.Get("content").String(); text != "" {
		content = append(content, gateway.ContentBlock{Type: "text", Text: text})
	}

	partial := false
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		block := gateway.ContentBlock{
			Type: "tool_use",
			ID:   tc.Get("id").String(),
			Name: tc.Get("function.name").String(),
		}
		args := tc.Get("function.arguments").String()
		if input, ok := translate.RepairToolArguments(args); ok {
			block.Input = input
		} else {
			block.Input = json.RawMessage(`{}`)
			block.Raw = args
			partial = true
		}
		content = append(content, block)
		return true
	})

	id := r.Get("id").String()
	if id == "" {
		id = "msg_" + model
	}

	return &gateway.MessagesResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    content,
		StopReason: MapFinishReason(r.Get("choices.0.finish_reason").String()),
		Usage: gateway.Usage{
			InputTokens:  int(r.Get("usage.prompt_tokens").Int()),
			OutputTokens: int(r.Get("usage.completion_tokens").Int()),
		},
	}, partial, nil
}

// MapFinishReason converts OpenAI finish reasons to Anthropic stop reasons.
func MapFinishReason(reason string) string {
	switch reason {
	case "stop", "eos", "":
		return gateway.StopEndTurn
	case "length":
		return gateway.StopMaxTokens
	case "tool_calls", "function_call":
		return gateway.StopToolUse
	case "content_filter":
		return gateway.StopStopSequence
	default:
		slog.Warn("unknown finish_reason, mapping to end_turn", "finish_reason", reason)
		return gateway.StopEndTurn
	}
}
