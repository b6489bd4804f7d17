// Package server implements the HTTP transport layer for the Palantir
// gateway: Anthropic Messages ingress, SSE egress, and the system endpoints.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/session"
	"github.com/quenya/palantir/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Executor runs a request through the processing pipeline. Satisfied by
// *pipeline.Pipeline; faked in tests.
type Executor interface {
	Execute(ctx context.Context, env *gateway.Envelope, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error)
	ExecuteStream(ctx context.Context, env *gateway.Envelope, req *gateway.MessagesRequest) (<-chan gateway.StreamEvent, error)
}

// TokenCounter estimates token counts for request messages.
type TokenCounter interface {
	EstimateRequest(model string, messages []gateway.Message) int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Pipeline     Executor
	Sessions     *session.Coordinator
	TokenCounter TokenCounter        // nil = fixed estimate
	Metrics      *telemetry.Metrics  // nil = no metrics middleware
	Gatherer     prometheus.Gatherer // nil = /metrics not mounted
	ReadyCheck   ReadyChecker        // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Anthropic Messages ingress
	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)

	return r
}

type server struct {
	deps Deps
}
