// Package translate provides shared machinery for the dialect transformers:
// the Anthropic SSE event emitter and tool-argument JSON repair. The dialect
// packages (openai, gemini, codewhisperer) build on it in both directions.
package translate

import (
	"encoding/json"

	gateway "github.com/quenya/palantir/internal"
)

// Emitter builds the canonical Anthropic SSE event sequence:
//
//	message_start (content_block_start content_block_delta* content_block_stop)* message_delta message_stop
//
// Block indices are contiguous from 0. The emitter guarantees a
// content_block_stop for every opened block and a terminator for every
// stream, including aborts.
type Emitter struct {
	id        string
	model     string
	nextIndex int
	blockOpen bool
	blockType string
	started   bool
	finished  bool
}

// NewEmitter returns an emitter for one streaming response.
func NewEmitter(id, model string) *Emitter {
	return &Emitter{id: id, model: model}
}

func frame(event string, payload map[string]any) gateway.StreamEvent {
	payload["type"] = event
	b, _ := json.Marshal(payload)
	return gateway.StreamEvent{Event: event, Data: b}
}

// StartMessage emits message_start. Safe to call once; repeated calls are no-ops.
func (e *Emitter) StartMessage(inputTokens int) []gateway.StreamEvent {
	if e.started {
		return nil
	}
	e.started = true
	return []gateway.StreamEvent{frame(gateway.EventMessageStart, map[string]any{
		"message": map[string]any{
			"id":            e.id,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})}
}

// StartTextBlock opens a text content block, closing any open block first.
func (e *Emitter) StartTextBlock() []gateway.StreamEvent {
	events := e.closeBlock()
	events = append(events, frame(gateway.EventContentBlockStart, map[string]any{
		"index":         e.nextIndex,
		"content_block": map[string]any{"type": "text", "text": ""},
	}))
	e.blockOpen = true
	e.blockType = "text"
	return events
}

// StartToolBlock opens a tool_use block, closing any open block first.
func (e *Emitter) StartToolBlock(id, name string) []gateway.StreamEvent {
	events := e.closeBlock()
	events = append(events, frame(gateway.EventContentBlockStart, map[string]any{
		"index": e.nextIndex,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  name,
			"input": map[string]any{},
		},
	}))
	e.blockOpen = true
	e.blockType = "tool_use"
	return events
}

// TextDelta emits a text_delta, opening a text block first when the open
// block is absent or of another type. A text_delta never lands in a
// tool_use block.
func (e *Emitter) TextDelta(text string) []gateway.StreamEvent {
	if text == "" {
		return nil
	}
	var events []gateway.StreamEvent
	if !e.blockOpen || e.blockType != "text" {
		events = e.StartTextBlock()
	}
	return append(events, frame(gateway.EventContentBlockDelta, map[string]any{
		"index": e.openIndex(),
		"delta": map[string]any{"type": "text_delta", "text": text},
	}))
}

// InputJSONDelta emits an input_json_delta carrying a partial tool-argument
// fragment. Dropped unless the open block is a tool_use block.
func (e *Emitter) InputJSONDelta(partial string) []gateway.StreamEvent {
	if !e.blockOpen || e.blockType != "tool_use" || partial == "" {
		return nil
	}
	return []gateway.StreamEvent{frame(gateway.EventContentBlockDelta, map[string]any{
		"index": e.openIndex(),
		"delta": map[string]any{"type": "input_json_delta", "partial_json": partial},
	})}
}

// FinishMessage closes any open block and emits message_delta + message_stop.
func (e *Emitter) FinishMessage(stopReason string, outputTokens int) []gateway.StreamEvent {
	if e.finished {
		return nil
	}
	e.finished = true
	events := e.closeBlock()
	events = append(events,
		frame(gateway.EventMessageDelta, map[string]any{
			"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
			"usage": map[string]int{"output_tokens": outputTokens},
		}),
		frame(gateway.EventMessageStop, map[string]any{}),
	)
	return events
}

// Abort closes any open block and emits an error frame. The Err field is set
// on the final event so downstream observers see a terminal error.
func (e *Emitter) Abort(err error) []gateway.StreamEvent {
	if e.finished {
		return nil
	}
	e.finished = true
	events := e.closeBlock()
	ev := frame(gateway.EventError, map[string]any{
		"error": map[string]any{"type": "api_error", "message": err.Error()},
	})
	ev.Err = err
	return append(events, ev)
}

// Finished reports whether a terminator has been emitted.
func (e *Emitter) Finished() bool { return e.finished }

// openIndex returns the index of the currently open block.
func (e *Emitter) openIndex() int { return e.nextIndex }

func (e *Emitter) closeBlock() []gateway.StreamEvent {
	if !e.blockOpen {
		return nil
	}
	ev := frame(gateway.EventContentBlockStop, map[string]any{"index": e.nextIndex})
	e.blockOpen = false
	e.blockType = ""
	e.nextIndex++
	return []gateway.StreamEvent{ev}
}
