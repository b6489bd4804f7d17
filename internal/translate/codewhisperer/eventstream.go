package codewhisperer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/translate"
)

// streamState tracks the CodeWhisperer-to-Anthropic streaming state machine.
// Text arrives as assistantResponseEvent fragments; tool calls as
// toolUseEvent fragments carrying incremental input until stop=true.
type streamState struct {
	emitter    *translate.Emitter
	inTool     bool
	toolID     string
	textChars  int
	stopReason string
}

// ReadStream decodes AWS binary event stream frames from a CodeWhisperer
// response body and emits Anthropic stream events on ch. Each frame carries
// an :event-type header and a JSON payload. The channel is closed after the
// terminal frame.
func ReadStream(ctx context.Context, body io.ReadCloser, id, model string, ch chan<- gateway.StreamEvent) {
	defer close(ch)
	defer body.Close()

	state := &streamState{emitter: translate.NewEmitter(id, model)}

	send := func(events []gateway.StreamEvent) bool {
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	decoder := eventstream.NewDecoder()
	for {
		msg, err := decoder.Decode(body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			send(state.emitter.Abort(fmt.Errorf("codewhisperer: decode event stream: %w", err)))
			return
		}

		switch headerValue(msg.Headers, ":message-type") {
		case "exception", "error":
			errType := headerValue(msg.Headers, ":exception-type")
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			send(state.emitter.Abort(fmt.Errorf("%w: codewhisperer %s: %s",
				gateway.ErrUpstreamServer, errType, payload)))
			return
		case "event":
			events := state.handleEvent(headerValue(msg.Headers, ":event-type"), msg.Payload)
			if !send(events) {
				send(state.emitter.Abort(fmt.Errorf("%w: %v", gateway.ErrCancelled, ctx.Err())))
				return
			}
		}
	}

	stop := state.stopReason
	if stop == "" {
		stop = gateway.StopEndTurn
	}
	events := state.emitter.StartMessage(0)
	events = append(events, state.emitter.FinishMessage(stop, state.textChars/4)...)
	send(events)
}

// handleEvent processes one decoded event payload by :event-type.
func (s *streamState) handleEvent(eventType string, payload []byte) []gateway.StreamEvent {
	events := s.emitter.StartMessage(0)
	r := gjson.ParseBytes(payload)

	switch eventType {
	case "assistantResponseEvent":
		text := r.Get("content").String()
		s.textChars += len(text)
		s.inTool = false
		events = append(events, s.emitter.TextDelta(text)...)

	case "toolUseEvent":
		toolID := r.Get("toolUseId").String()
		if !s.inTool || (toolID != "" && toolID != s.toolID) {
			name := r.Get("name").String()
			events = append(events, s.emitter.StartToolBlock(toolID, name)...)
			s.inTool = true
			s.toolID = toolID
			s.stopReason = gateway.StopToolUse
		}
		if input := r.Get("input").String(); input != "" {
			events = append(events, s.emitter.InputJSONDelta(input)...)
		}
		if r.Get("stop").Bool() {
			s.inTool = false
		}
	}
	return events
}

// headerValue extracts a string header value from event stream headers.
func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

// DecodeResponse parses a fully buffered CodeWhisperer event stream and
// coalesces it into one Anthropic response. Used on the non-streaming path;
// CodeWhisperer always answers with an event stream.
func DecodeResponse(data []byte, model string) (*gateway.MessagesResponse, bool, error) {
	var (
		text     strings.Builder
		blocks   []gateway.ContentBlock
		toolID   string
		toolName string
		toolArgs strings.Builder
		inTool   bool
		partial  bool
	)

	flushTool := func() {
		if !inTool {
			return
		}
		block := gateway.ContentBlock{Type: "tool_use", ID: toolID, Name: toolName}
		if input, ok := translate.RepairToolArguments(toolArgs.String()); ok {
			block.Input = input
		} else {
			block.Input = []byte(`{}`)
			block.Raw = toolArgs.String()
			partial = true
		}
		blocks = append(blocks, block)
		toolArgs.Reset()
		inTool = false
	}

	decoder := eventstream.NewDecoder()
	reader := bytes.NewReader(data)
	for {
		msg, err := decoder.Decode(reader, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, false, fmt.Errorf("codewhisperer: decode event stream: %w", err)
		}

		switch headerValue(msg.Headers, ":message-type") {
		case "exception", "error":
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			return nil, false, fmt.Errorf("%w: codewhisperer %s: %s", gateway.ErrUpstreamServer,
				headerValue(msg.Headers, ":exception-type"), payload)
		case "event":
			r := gjson.ParseBytes(msg.Payload)
			switch headerValue(msg.Headers, ":event-type") {
			case "assistantResponseEvent":
				flushTool()
				text.WriteString(r.Get("content").String())
			case "toolUseEvent":
				id := r.Get("toolUseId").String()
				if !inTool || (id != "" && id != toolID) {
					flushTool()
					if text.Len() > 0 {
						blocks = append(blocks, gateway.ContentBlock{Type: "text", Text: text.String()})
						text.Reset()
					}
					toolID = id
					toolName = r.Get("name").String()
					inTool = true
				}
				toolArgs.WriteString(r.Get("input").String())
				if r.Get("stop").Bool() {
					flushTool()
				}
			}
		}
	}
	flushTool()
	if text.Len() > 0 {
		blocks = append(blocks, gateway.ContentBlock{Type: "text", Text: text.String()})
	}

	stopReason := gateway.StopEndTurn
	for _, b := range blocks {
		if b.Type == "tool_use" {
			stopReason = gateway.StopToolUse
			break
		}
	}

	outputChars := 0
	for _, b := range blocks {
		outputChars += len(b.Text)
	}

	return &gateway.MessagesResponse{
		ID:         "msg_cw_" + model,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: stopReason,
		// CodeWhisperer reports no token usage; estimate output at 4 chars/token.
		Usage: gateway.Usage{OutputTokens: outputChars / 4},
	}, partial, nil
}
