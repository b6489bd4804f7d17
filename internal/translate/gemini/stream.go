package gemini

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/translate"
)

// streamState tracks the Gemini-to-Anthropic streaming state machine.
// Gemini streams whole parts per chunk (alt=sse), so function calls arrive
// complete and are emitted as a start/delta/stop triple.
type streamState struct {
	emitter      *translate.Emitter
	stopReason   string
	inputTokens  int
	outputTokens int
	toolSeq      int
}

// ReadStream reads Gemini streamGenerateContent SSE chunks and emits
// Anthropic stream events on ch. The channel is closed after the terminal frame.
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

	scanner := translate.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := translate.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if !send(state.handleChunk(data)) {
			send(state.emitter.Abort(fmt.Errorf("%w: %v", gateway.ErrCancelled, ctx.Err())))
			return
		}
	}
	if err := scanner.Err(); err != nil {
		send(state.emitter.Abort(fmt.Errorf("gemini: read stream: %w", err)))
		return
	}

	stop := state.stopReason
	if stop == "" {
		stop = gateway.StopEndTurn
	}
	events := state.emitter.StartMessage(state.inputTokens)
	events = append(events, state.emitter.FinishMessage(stop, state.outputTokens)...)
	send(events)
}

// handleChunk processes one streamGenerateContent chunk.
func (s *streamState) handleChunk(data string) []gateway.StreamEvent {
	r := gjson.Parse(data)
	var events []gateway.StreamEvent

	if u := r.Get("usageMetadata"); u.Exists() {
		s.inputTokens = int(u.Get("promptTokenCount").Int())
		s.outputTokens = int(u.Get("candidatesTokenCount").Int())
	}

	events = append(events, s.emitter.StartMessage(s.inputTokens)...)

	candidate := r.Get("candidates.0")
	if !candidate.Exists() {
		return events
	}
	if fr := candidate.Get("finishReason").String(); fr != "" {
		s.stopReason = MapFinishReason(fr)
	}

	candidate.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
		if text := p.Get("text"); text.Exists() && text.String() != "" {
			events = append(events, s.emitter.TextDelta(text.String())...)
		}
		if fc := p.Get("functionCall"); fc.Exists() {
			name := fc.Get("name").String()
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			callID := fmt.Sprintf("toolu_%s_%d", name, s.toolSeq)
			s.toolSeq++
			events = append(events, s.emitter.StartToolBlock(callID, name)...)
			events = append(events, s.emitter.InputJSONDelta(args)...)
		}
		return true
	})

	return events
}
