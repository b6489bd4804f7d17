package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/session"
)

type fakeExecutor struct {
	execute func(ctx context.Context, env *gateway.Envelope, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error)
	stream  func(ctx context.Context, env *gateway.Envelope, req *gateway.MessagesRequest) (<-chan gateway.StreamEvent, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, env *gateway.Envelope, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
	return f.execute(ctx, env, req)
}

func (f *fakeExecutor) ExecuteStream(ctx context.Context, env *gateway.Envelope, req *gateway.MessagesRequest) (<-chan gateway.StreamEvent, error) {
	return f.stream(ctx, env, req)
}

func textResponse(text string) *gateway.MessagesResponse {
	return &gateway.MessagesResponse{
		ID:         "msg_test",
		Type:       "message",
		Role:       "assistant",
		Model:      "gpt-4o-mini",
		Content:    []gateway.ContentBlock{{Type: "text", Text: text}},
		StopReason: gateway.StopEndTurn,
		Usage:      gateway.Usage{InputTokens: 2, OutputTokens: 1},
	}
}

func newTestServer(t *testing.T, exec Executor) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Deps{
		Pipeline: exec,
		Sessions: session.New(session.ModeStrict, logger),
	})
}

const minimalBody = `{"model":"default","max_tokens":8,"messages":[{"role":"user","content":"hi"}]}`

func TestMessagesBasic(t *testing.T) {
	t.Parallel()

	var gotEnv *gateway.Envelope
	exec := &fakeExecutor{
		execute: func(_ context.Context, env *gateway.Envelope, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
			gotEnv = env
			if req.Model != "default" {
				t.Errorf("model = %q", req.Model)
			}
			return textResponse("hello"), nil
		},
	}
	h := newTestServer(t, exec)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(minimalBody))
	req.Header.Set("X-Session-Id", "s1")
	req.Header.Set("X-Conversation-Id", "c1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp gateway.MessagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello" {
		t.Errorf("content = %+v", resp.Content)
	}
	if gotEnv.SessionID != "s1" || gotEnv.ConversationID != "c1" || gotEnv.Seq != 1 {
		t.Errorf("envelope = %+v", gotEnv)
	}
	if !strings.HasPrefix(gotEnv.RequestID, "s1:c1:seq0001:") {
		t.Errorf("request id = %q", gotEnv.RequestID)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestMessagesClaudeConversationHeader(t *testing.T) {
	t.Parallel()

	var gotEnv *gateway.Envelope
	exec := &fakeExecutor{
		execute: func(_ context.Context, env *gateway.Envelope, _ *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
			gotEnv = env
			return textResponse("ok"), nil
		},
	}
	h := newTestServer(t, exec)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(minimalBody))
	req.Header.Set("Claude-Conversation-Id", "legacy-c9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotEnv.ConversationID != "legacy-c9" {
		t.Errorf("conversation = %q", gotEnv.ConversationID)
	}
}

func TestMessagesValidation(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{
		execute: func(context.Context, *gateway.Envelope, *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
			t.Error("pipeline reached on invalid request")
			return nil, nil
		},
	}
	h := newTestServer(t, exec)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing model", `{"max_tokens":8,"messages":[{"role":"user","content":"hi"}]}`},
		{"missing max_tokens", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"m","max_tokens":8,"messages":[]}`},
		{"bad role", `{"model":"m","max_tokens":8,"messages":[{"role":"system","content":"hi"}]}`},
		{"bad block type", `{"model":"m","max_tokens":8,"messages":[{"role":"user","content":[{"type":"image"}]}]}`},
		{"tool without schema", `{"model":"m","max_tokens":8,"messages":[{"role":"user","content":"hi"}],"tools":[{"name":"t"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if got := rec.Body.String(); !strings.Contains(got, `"type":"invalid_request_error"`) {
				t.Errorf("body = %s", got)
			}
		})
	}
}

func TestMessagesErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
	}{
		{gateway.ErrRouting, http.StatusNotFound},
		{gateway.ErrNoProvider, http.StatusServiceUnavailable},
		{gateway.ErrNoCredential, http.StatusServiceUnavailable},
		{gateway.ErrUpstreamServer, http.StatusBadGateway},
		{gateway.ErrTimeout, http.StatusGatewayTimeout},
		{gateway.ErrProtocolLeak, http.StatusInternalServerError},
		{gateway.ErrCancelled, statusClientClosedRequest},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			exec := &fakeExecutor{
				execute: func(context.Context, *gateway.Envelope, *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
					return nil, fmt.Errorf("wrapped: %w", tt.err)
				},
			}
			h := newTestServer(t, exec)
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(minimalBody))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestMessagesStreamFrames(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{
		stream: func(context.Context, *gateway.Envelope, *gateway.MessagesRequest) (<-chan gateway.StreamEvent, error) {
			ch := make(chan gateway.StreamEvent, 8)
			ch <- gateway.StreamEvent{Event: gateway.EventMessageStart, Data: []byte(`{"type":"message_start"}`)}
			ch <- gateway.StreamEvent{Event: gateway.EventContentBlockStart, Data: []byte(`{"type":"content_block_start","index":0}`)}
			ch <- gateway.StreamEvent{Event: gateway.EventContentBlockDelta, Data: []byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`)}
			ch <- gateway.StreamEvent{Event: gateway.EventContentBlockStop, Data: []byte(`{"type":"content_block_stop","index":0}`)}
			ch <- gateway.StreamEvent{Event: gateway.EventMessageDelta, Data: []byte(`{"type":"message_delta"}`)}
			ch <- gateway.StreamEvent{Event: gateway.EventMessageStop, Data: []byte(`{"type":"message_stop"}`)}
			close(ch)
			return ch, nil
		},
	}
	h := newTestServer(t, exec)

	body := `{"model":"default","max_tokens":8,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	out := rec.Body.String()
	wantOrder := []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
	}
	pos := 0
	for _, want := range wantOrder {
		idx := strings.Index(out[pos:], want)
		if idx < 0 {
			t.Fatalf("missing or out of order frame %q in:\n%s", want, out)
		}
		pos += idx
	}
	if !strings.Contains(out, `data: {"type":"content_block_delta"`) {
		t.Errorf("missing data line in:\n%s", out)
	}
}

func TestMessagesSameConversationSerialized(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []int64
	exec := &fakeExecutor{
		execute: func(_ context.Context, env *gateway.Envelope, _ *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
			if env.Seq == 1 {
				time.Sleep(100 * time.Millisecond)
			}
			mu.Lock()
			order = append(order, env.Seq)
			mu.Unlock()
			return textResponse("ok"), nil
		},
	}
	h := newTestServer(t, exec)

	send := func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(minimalBody))
		req.Header.Set("X-Session-Id", "s1")
		req.Header.Set("X-Conversation-Id", "c1")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		send()
	}()
	time.Sleep(20 * time.Millisecond) // let the first request claim the slot
	wg.Add(1)
	go func() {
		defer wg.Done()
		send()
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("completion order = %v, want [1 2]", order)
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, &fakeExecutor{})
	body := `{"model":"default","messages":[{"role":"user","content":"twelve chars"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["input_tokens"] < 1 {
		t.Errorf("input_tokens = %d, want >= 1", out["input_tokens"])
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, &fakeExecutor{})
	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}

func TestReadyzNotReady(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(Deps{
		Pipeline:   &fakeExecutor{},
		Sessions:   session.New(session.ModeStrict, logger),
		ReadyCheck: func(context.Context) error { return errors.New("warming up") },
	})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
