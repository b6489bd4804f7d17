// Package gateway defines domain types and interfaces for the Palantir
// routing and translation gateway. This package has no project imports --
// it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// --- Dialects ---

// Dialect identifies an upstream wire protocol.
type Dialect string

const (
	// DialectOpenAI is the OpenAI chat-completions protocol.
	DialectOpenAI Dialect = "openai"
	// DialectGemini is the Google Gemini generateContent protocol.
	DialectGemini Dialect = "gemini"
	// DialectCodeWhisperer is the AWS CodeWhisperer event-stream protocol.
	DialectCodeWhisperer Dialect = "codewhisperer"
)

// --- Anthropic Messages wire format (canonical ingress shape) ---

// MessagesRequest is the Anthropic Messages API request body accepted at ingress.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"` // string or []ContentBlock
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

// Metadata carries optional client hints.
type Metadata struct {
	UserID       string `json:"user_id,omitempty"`
	VirtualRoute string `json:"virtualRoute,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	Role    string          `json:"role"`    // "user" or "assistant"
	Content json.RawMessage `json:"content"` // string or []ContentBlock
}

// ContentBlock is the union of Anthropic content block types.
type ContentBlock struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// Raw holds the original argument string when JSON repair failed.
	Raw string `json:"_raw,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or []ContentBlock
}

// Tool is an Anthropic tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// MessagesResponse is the Anthropic Messages API response body.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // always "message"
	Role         string         `json:"role"` // always "assistant"
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Usage is Anthropic-style token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Anthropic stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
)

// DecodeBlocks parses a message content field, which may be a bare string or
// an array of content blocks, into block form.
func DecodeBlocks(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []ContentBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("content is neither string nor block array: %w", err)
	}
	return blocks, nil
}

// --- Streaming ---

// Anthropic SSE event types, in canonical emission order.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// StreamEvent is one Anthropic SSE frame flowing up the pipeline.
// The producing goroutine closes the channel after the terminal frame
// (message_stop, or an error frame when Err is set).
type StreamEvent struct {
	Event string
	Data  []byte
	Err   error
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Err != nil || e.Event == EventMessageStop
}

// --- Request envelope ---

// Envelope is the runtime value threaded through the pipeline. It is owned
// by exactly one executing pipeline task at a time.
type Envelope struct {
	RequestID      string
	SessionID      string
	ConversationID string
	Seq            int64
	VirtualRoute   string
	Stream         bool
	Partial        bool // set when upstream output needed lossy repair
	Received       time.Time
}

// FormatRequestID builds the canonical request identity
// "sessionId:conversationId:seq####:wallClockMs", which totally orders
// requests within a conversation.
func FormatRequestID(sessionID, conversationID string, seq int64, now time.Time) string {
	return fmt.Sprintf("%s:%s:seq%04d:%d", sessionID, conversationID, seq, now.UnixMilli())
}

// --- Dispatch outcomes ---

// Outcome classifies a terminal upstream result for credential health
// and retry policy decisions.
type Outcome int

const (
	OutcomeSuccess     Outcome = iota
	OutcomeAuth                // 401/403: credential exhausted
	OutcomeRateLimited         // 429: credential cools down
	OutcomeServer              // 5xx: transient, retry on next credential
	OutcomeTransport           // refused/DNS/timeout: transient
	OutcomeClient              // other 4xx: surface, no retry
	OutcomePartial             // stream aborted mid-response: no retry
)

// String returns the outcome name used in logs and metrics labels.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuth:
		return "auth"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeServer:
		return "server"
	case OutcomeTransport:
		return "transport"
	case OutcomeClient:
		return "client"
	case OutcomePartial:
		return "partial"
	default:
		return "unknown"
	}
}

// --- Error samples ---

// ErrorSample is a classified upstream failure kept for offline analysis.
type ErrorSample struct {
	ID         string    `json:"id"`
	Day        string    `json:"day"` // YYYY-MM-DD, partition key
	RequestID  string    `json:"request_id"`
	Route      string    `json:"route"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Attempt    int       `json:"attempt"`
	StatusCode int       `json:"status_code"`
	Outcome    string    `json:"outcome"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
