// Package codewhisperer translates between the Anthropic Messages shape and
// the AWS CodeWhisperer conversation envelope. Responses arrive as AWS
// binary event streams and are re-encoded as Anthropic events.
package codewhisperer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	gateway "github.com/quenya/palantir/internal"
)

// generateRequest is the CodeWhisperer generateAssistantResponse envelope.
type generateRequest struct {
	ProfileArn        string            `json:"profileArn"`
	ConversationState conversationState `json:"conversationState"`
}

type conversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"` // always "MANUAL"
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  historyEntry   `json:"currentMessage"`
	History         []historyEntry `json:"history,omitempty"`
}

// historyEntry is a union: exactly one of the two fields is set.
type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type userInputMessage struct {
	Content string            `json:"content"`
	ModelID string            `json:"modelId"`
	Origin  string            `json:"origin"` // always "AI_EDITOR"
	Context *userInputContext `json:"userInputMessageContext,omitempty"`
}

type userInputContext struct {
	Tools       []toolEntry  `json:"tools,omitempty"`
	ToolResults []toolResult `json:"toolResults,omitempty"`
}

type toolEntry struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type toolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	JSON json.RawMessage `json:"json"`
}

type toolResult struct {
	ToolUseID string             `json:"toolUseId"`
	Status    string             `json:"status"` // "success"
	Content   []toolResultChunk  `json:"content"`
}

type toolResultChunk struct {
	Text string `json:"text,omitempty"`
}

type assistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []toolUse `json:"toolUses,omitempty"`
}

type toolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// EncodeRequest re-frames an Anthropic Messages request onto the
// CodeWhisperer conversation envelope. profileArn comes from the binding's
// provider settings, resolved at preprocessing.
func EncodeRequest(req *gateway.MessagesRequest, model, profileArn, conversationID string) ([]byte, error) {
	if conversationID == "" {
		conversationID = uuid.Must(uuid.NewV7()).String()
	}

	var tools []toolEntry
	for _, t := range req.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, toolEntry{ToolSpecification: toolSpecification{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema{JSON: schema},
		}})
	}

	systemPrefix, err := systemText(req.System)
	if err != nil {
		return nil, fmt.Errorf("%w: system: %v", gateway.ErrValidation, err)
	}

	var entries []historyEntry
	for i, m := range req.Messages {
		blocks, err := gateway.DecodeBlocks(m.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", gateway.ErrValidation, i, err)
		}
		switch m.Role {
		case "user":
			msg := &userInputMessage{ModelID: model, Origin: "AI_EDITOR"}
			var text strings.Builder
			var results []toolResult
			for _, b := range blocks {
				switch b.Type {
				case "text":
					text.WriteString(b.Text)
				case "tool_result":
					results = append(results, toolResult{
						ToolUseID: b.ToolUseID,
						Status:    "success",
						Content:   []toolResultChunk{{Text: resultText(b.Content)}},
					})
				}
			}
			msg.Content = text.String()
			if len(results) > 0 {
				msg.Context = &userInputContext{ToolResults: results}
			}
			entries = append(entries, historyEntry{UserInputMessage: msg})
		case "assistant":
			msg := &assistantResponseMessage{}
			var text strings.Builder
			for _, b := range blocks {
				switch b.Type {
				case "text":
					text.WriteString(b.Text)
				case "tool_use":
					input := b.Input
					if len(input) == 0 {
						input = json.RawMessage(`{}`)
					}
					msg.ToolUses = append(msg.ToolUses, toolUse{
						ToolUseID: b.ID,
						Name:      b.Name,
						Input:     input,
					})
				}
			}
			msg.Content = text.String()
			entries = append(entries, historyEntry{AssistantResponseMessage: msg})
		default:
			return nil, fmt.Errorf("%w: message %d: unsupported role %q", gateway.ErrValidation, i, m.Role)
		}
	}
	if len(entries) == 0 || entries[len(entries)-1].UserInputMessage == nil {
		return nil, fmt.Errorf("%w: conversation must end with a user message", gateway.ErrValidation)
	}

	current := entries[len(entries)-1]
	history := entries[:len(entries)-1]

	// System prompt and tool definitions ride on the current user message.
	if systemPrefix != "" {
		current.UserInputMessage.Content = systemPrefix + "\n\n" + current.UserInputMessage.Content
	}
	if len(tools) > 0 {
		if current.UserInputMessage.Context == nil {
			current.UserInputMessage.Context = &userInputContext{}
		}
		current.UserInputMessage.Context.Tools = tools
	}

	return json.Marshal(&generateRequest{
		ProfileArn: profileArn,
		ConversationState: conversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  conversationID,
			CurrentMessage:  current,
			History:         history,
		},
	})
}

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
