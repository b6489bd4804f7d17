package openai

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/translate"
)

// streamState tracks the OpenAI-to-Anthropic streaming state machine.
type streamState struct {
	emitter      *translate.Emitter
	inTool       bool
	toolIndex    int // OpenAI tool_calls index of the open tool block
	stopReason   string
	inputTokens  int
	outputTokens int
}

// ReadStream reads OpenAI chat-completion chunks from an SSE body and emits
// Anthropic stream events on ch. The channel is closed after the terminal
// frame; every opened content block receives a stop, even on upstream abort.
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

	abort := func(err error) {
		send(state.emitter.Abort(err))
	}

	scanner := translate.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := translate.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			send(state.finish())
			return
		}
		if !send(state.handleChunk(data)) {
			abort(fmt.Errorf("%w: %v", gateway.ErrCancelled, ctx.Err()))
			return
		}
	}
	if err := scanner.Err(); err != nil {
		abort(fmt.Errorf("openai: read stream: %w", err))
		return
	}
	// Upstream closed without [DONE]; still terminate the event sequence.
	send(state.finish())
}

// handleChunk processes one chat.completion.chunk payload.
func (s *streamState) handleChunk(data string) []gateway.StreamEvent {
	r := gjson.Parse(data)
	var events []gateway.StreamEvent

	events = append(events, s.emitter.StartMessage(0)...)

	if u := r.Get("usage"); u.Exists() && u.IsObject() {
		s.inputTokens = int(u.Get("prompt_tokens").Int())
		s.outputTokens = int(u.Get("completion_tokens").Int())
	}

	choice := r.Get("choices.0")
	if !choice.Exists() {
		return events
	}
	if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type == gjson.String {
		s.stopReason = MapFinishReason(fr.String())
	}

	delta := choice.Get("delta")
	if text := delta.Get("content"); text.Exists() && text.String() != "" {
		if s.inTool {
			s.inTool = false
		}
		events = append(events, s.emitter.TextDelta(text.String())...)
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		if name := tc.Get("function.name").String(); name != "" {
			// New tool call begins; the emitter closes whatever is open.
			callID := tc.Get("id").String()
			if callID == "" {
				callID = fmt.Sprintf("call_%d", idx)
			}
			events = append(events, s.emitter.StartToolBlock(callID, name)...)
			s.inTool = true
			s.toolIndex = idx
		}
		if args := tc.Get("function.arguments").String(); args != "" && s.inTool {
			events = append(events, s.emitter.InputJSONDelta(args)...)
		}
		return true
	})

	return events
}

// finish emits the terminal frames with the recorded stop reason and usage.
func (s *streamState) finish() []gateway.StreamEvent {
	events := s.emitter.StartMessage(s.inputTokens)
	stop := s.stopReason
	if stop == "" {
		stop = gateway.StopEndTurn
	}
	return append(events, s.emitter.FinishMessage(stop, s.outputTokens)...)
}
