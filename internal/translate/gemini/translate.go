// Package gemini translates between the Anthropic Messages shape and the
// Google Gemini generateContent dialect, in both directions.
package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/quenya/palantir/internal"
)

// generateRequest is the outgoing Gemini generateContent request body.
type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []toolEntry       `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"` // "user" or "model"
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type functionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type toolEntry struct {
	FunctionDeclarations []functionDecl `json:"functionDeclarations"`
}

type functionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode string `json:"mode"` // AUTO, ANY, NONE
	// AllowedFunctionNames must be populated under ANY: Gemini misbehaves
	// when the mode is ANY and the list is omitted.
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// EncodeRequest converts an Anthropic Messages request into the Gemini
// generateContent dialect.
func EncodeRequest(req *gateway.MessagesRequest, model string) ([]byte, error) {
	_ = model // the model rides in the URL for Gemini
	out := &generateRequest{}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 || len(req.StopSequences) > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.StopSequences,
		}
	}

	if len(req.System) > 0 {
		blocks, err := gateway.DecodeBlocks(req.System)
		if err != nil {
			return nil, fmt.Errorf("%w: system: %v", gateway.ErrValidation, err)
		}
		var parts []part
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, part{Text: b.Text})
			}
		}
		if len(parts) > 0 {
			out.SystemInstruction = &content{Parts: parts}
		}
	}

	var toolNames []string
	if len(req.Tools) > 0 {
		decls := make([]functionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, functionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
			toolNames = append(toolNames, t.Name)
		}
		out.Tools = []toolEntry{{FunctionDeclarations: decls}}
	}

	tc, err := encodeToolConfig(req.ToolChoice, toolNames)
	if err != nil {
		return nil, err
	}
	out.ToolConfig = tc

	// Anthropic tool_result references a tool_use id; Gemini wants the
	// function name. Track ids from earlier assistant turns.
	callNames := map[string]string{}
	for i, m := range req.Messages {
		blocks, err := gateway.DecodeBlocks(m.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", gateway.ErrValidation, i, err)
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		var parts []part
		for _, b := range blocks {
			switch b.Type {
			case "text":
				if b.Text != "" {
					parts = append(parts, part{Text: b.Text})
				}
			case "tool_use":
				callNames[b.ID] = b.Name
				args := b.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, part{FunctionCall: &functionCall{Name: b.Name, Args: args}})
			case "tool_result":
				name := callNames[b.ToolUseID]
				if name == "" {
					name = b.ToolUseID
				}
				parts = append(parts, part{FunctionResponse: &functionResponse{
					Name:     name,
					Response: resultPayload(b.Content),
				}})
			default:
				return nil, fmt.Errorf("%w: message %d: unsupported block type %q", gateway.ErrValidation, i, b.Type)
			}
		}
		if len(parts) > 0 {
			out.Contents = append(out.Contents, content{Role: role, Parts: parts})
		}
	}

	return json.Marshal(out)
}

// encodeToolConfig maps Anthropic tool_choice onto Gemini's
// functionCallingConfig. ANY always carries allowedFunctionNames. The
// bare-string shorthand ("auto", "any") is accepted alongside the
// object form.
func encodeToolConfig(raw json.RawMessage, toolNames []string) (*toolConfig, error) {
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
		return &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "AUTO"}}, nil
	case "any":
		return &toolConfig{FunctionCallingConfig: functionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: toolNames,
		}}, nil
	case "tool":
		name := r.Get("name").String()
		if name == "" {
			return nil, fmt.Errorf("%w: tool_choice of type tool requires a name", gateway.ErrValidation)
		}
		return &toolConfig{FunctionCallingConfig: functionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{name},
		}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tool_choice type", gateway.ErrValidation)
	}
}

// resultPayload wraps tool_result content as a functionResponse response
// object. Gemini requires an object; bare strings are wrapped.
func resultPayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		b, _ := json.Marshal(map[string]string{"result": s})
		return b
	}
	if blocks, err := gateway.DecodeBlocks(raw); err == nil {
		var text string
		for _, b := range blocks {
			if b.Type == "text" {
				text += b.Text
			}
		}
		b, _ := json.Marshal(map[string]string{"result": text})
		return b
	}
	return raw
}

// DecodeResponse converts a Gemini generateContent JSON response into the
// Anthropic shape.
func DecodeResponse(data []byte, model string) (*gateway.MessagesResponse, bool, error) {
	r := gjson.ParseBytes(data)
	candidate := r.Get("candidates.0")
	if !candidate.Exists() {
		return nil, false, fmt.Errorf("%w: response has no candidates", gateway.ErrUpstreamClient)
	}

	var blocks []gateway.ContentBlock
	var textAcc string
	toolSeq := 0
	candidate.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
		if text := p.Get("text"); text.Exists() {
			textAcc += text.String()
		}
		if fc := p.Get("functionCall"); fc.Exists() {
			if textAcc != "" {
				blocks = append(blocks, gateway.ContentBlock{Type: "text", Text: textAcc})
				textAcc = ""
			}
			name := fc.Get("name").String()
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			blocks = append(blocks, gateway.ContentBlock{
				Type:  "tool_use",
				ID:    fmt.Sprintf("toolu_%s_%d", name, toolSeq),
				Name:  name,
				Input: json.RawMessage(args),
			})
			toolSeq++
		}
		return true
	})
	if textAcc != "" {
		blocks = append(blocks, gateway.ContentBlock{Type: "text", Text: textAcc})
	}

	finish := candidate.Get("finishReason").String()
	stopReason := MapFinishReason(finish)
	if finish == "UNEXPECTED_TOOL_CALL" {
		// Surface as a well-formed tool_use response with a diagnostic,
		// never as a silent empty message.
		stopReason = gateway.StopToolUse
		blocks = append(blocks, gateway.ContentBlock{
			Type: "text",
			Text: "Gemini reported UNEXPECTED_TOOL_CALL: the model attempted a tool call outside the configured tool set.",
		})
	}

	return &gateway.MessagesResponse{
		ID:         "msg_gemini_" + model,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: stopReason,
		Usage: gateway.Usage{
			InputTokens:  int(r.Get("usageMetadata.promptTokenCount").Int()),
			OutputTokens: int(r.Get("usageMetadata.candidatesTokenCount").Int()),
		},
	}, false, nil
}

// MapFinishReason converts Gemini finish reasons to Anthropic stop reasons.
func MapFinishReason(reason string) string {
	switch reason {
	case "STOP", "":
		return gateway.StopEndTurn
	case "MAX_TOKENS":
		return gateway.StopMaxTokens
	case "SAFETY", "RECITATION":
		return gateway.StopStopSequence
	case "UNEXPECTED_TOOL_CALL":
		return gateway.StopToolUse
	default:
		return gateway.StopEndTurn
	}
}
