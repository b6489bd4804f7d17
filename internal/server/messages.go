package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	gateway "github.com/quenya/palantir/internal"
)

// Conversation identity headers, in lookup order. Canonical MIME form for
// direct map access (see middleware.go:requestIDHeader).
var conversationHeaders = []string{
	"X-Conversation-Id",
	"Claude-Conversation-Id",
}

const sessionHeader = "X-Session-Id"

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req gateway.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body: %v", gateway.ErrValidation, err))
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, err)
		return
	}

	sessionID, conversationID := conversationIdentity(r)
	ticket, err := s.deps.Sessions.Acquire(r.Context(), sessionID, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.deps.Sessions.Release(ticket)

	env := &gateway.Envelope{
		RequestID:      gateway.FormatRequestID(sessionID, conversationID, ticket.Seq, time.Now()),
		SessionID:      sessionID,
		ConversationID: conversationID,
		Seq:            ticket.Seq,
		Stream:         req.Stream,
		Received:       time.Now(),
	}

	if req.Stream {
		s.streamMessages(w, r, env, &req)
		return
	}

	resp, err := s.deps.Pipeline.Execute(r.Context(), env, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamMessages relays pipeline events as Anthropic SSE frames. The slot
// ticket is released by the caller's defer once the terminal frame is out.
func (s *server) streamMessages(w http.ResponseWriter, r *http.Request, env *gateway.Envelope, req *gateway.MessagesRequest) {
	ch, err := s.deps.Pipeline.ExecuteStream(r.Context(), env, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("request_id", env.RequestID),
					slog.String("error", ev.Err.Error()),
				)
			}
			if len(ev.Data) > 0 {
				writeSSEEvent(w, ev.Event, ev.Data)
				flusher.Flush()
			}
			if s.deps.Metrics != nil && ev.Event != "" {
				s.deps.Metrics.StreamEvents.WithLabelValues(ev.Event).Inc()
			}
			if ev.Terminal() {
				return
			}

		case <-keepAlive.C:
			writeSSEPing(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (s *server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req gateway.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body: %v", gateway.ErrValidation, err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, fmt.Errorf("%w: messages must not be empty", gateway.ErrValidation))
		return
	}

	count := 0
	if s.deps.TokenCounter != nil {
		count = s.deps.TokenCounter.EstimateRequest(req.Model, req.Messages)
	} else {
		for _, m := range req.Messages {
			count += len(m.Content) / 4
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": count})
}

// validateRequest performs the structural checks on the ingress shape.
func validateRequest(req *gateway.MessagesRequest) error {
	if req.Model == "" {
		return fmt.Errorf("%w: model is required", gateway.ErrValidation)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", gateway.ErrValidation)
	}
	if req.MaxTokens < 1 {
		return fmt.Errorf("%w: max_tokens must be at least 1", gateway.ErrValidation)
	}
	for i, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("%w: messages[%d].role %q is not user or assistant", gateway.ErrValidation, i, m.Role)
		}
		blocks, err := gateway.DecodeBlocks(m.Content)
		if err != nil {
			return fmt.Errorf("%w: messages[%d]: %v", gateway.ErrValidation, i, err)
		}
		for j, b := range blocks {
			switch b.Type {
			case "text", "tool_use", "tool_result":
			default:
				return fmt.Errorf("%w: messages[%d].content[%d].type %q unknown", gateway.ErrValidation, i, j, b.Type)
			}
		}
	}
	for i, t := range req.Tools {
		if t.Name == "" {
			return fmt.Errorf("%w: tools[%d].name is required", gateway.ErrValidation, i)
		}
		if len(t.InputSchema) == 0 {
			return fmt.Errorf("%w: tools[%d].input_schema is required", gateway.ErrValidation, i)
		}
	}
	return nil
}

// conversationIdentity extracts the session and conversation IDs from the
// request headers, synthesizing fresh ones when absent.
func conversationIdentity(r *http.Request) (sessionID, conversationID string) {
	if vals := r.Header[sessionHeader]; len(vals) > 0 {
		sessionID = vals[0]
	}
	for _, h := range conversationHeaders {
		if vals := r.Header[h]; len(vals) > 0 {
			conversationID = vals[0]
			break
		}
	}
	switch {
	case sessionID == "" && conversationID == "":
		// Anonymous one-shot request; a unique pair imposes no ordering.
		sessionID = "anon"
		conversationID = uuid.NewString()
	case sessionID == "":
		sessionID = "anon"
	case conversationID == "":
		conversationID = "default"
	}
	return sessionID, conversationID
}
