// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// FakeUpstream is an httptest server that scripts upstream responses and
// records every request body it receives. Responses are consumed in order;
// the last one repeats once the script runs out.
type FakeUpstream struct {
	Server *httptest.Server

	mu        sync.Mutex
	responses []ScriptedResponse
	calls     int
	bodies    [][]byte
	headers   []http.Header
}

// ScriptedResponse is one canned upstream reply.
type ScriptedResponse struct {
	Status int
	Header http.Header
	Body   string
}

// NewFakeUpstream starts a server that replays the scripted responses.
// The caller must Close it.
func NewFakeUpstream(responses ...ScriptedResponse) *FakeUpstream {
	f := &FakeUpstream{responses: responses}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *FakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.headers = append(f.headers, r.Header.Clone())
	idx := min(f.calls, len(f.responses)-1)
	f.calls++
	f.mu.Unlock()

	if len(f.responses) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	resp := f.responses[idx]
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, resp.Body)
}

// URL returns the server's base URL.
func (f *FakeUpstream) URL() string { return f.Server.URL }

// Close shuts the server down.
func (f *FakeUpstream) Close() { f.Server.Close() }

// Calls returns the number of requests received.
func (f *FakeUpstream) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Body returns the i-th recorded request body.
func (f *FakeUpstream) Body(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

// Header returns the i-th recorded request headers.
func (f *FakeUpstream) Header(i int) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[i]
}

// JSONResponse builds a 200 application/json reply.
func JSONResponse(body string) ScriptedResponse {
	return ScriptedResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}
}

// SSEResponse builds a 200 text/event-stream reply.
func SSEResponse(body string) ScriptedResponse {
	return ScriptedResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:   body,
	}
}
