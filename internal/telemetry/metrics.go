// Package telemetry provides observability primitives for the gateway:
// Prometheus collectors for the pipeline and OTLP trace setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamOutcomes  *prometheus.CounterVec
	DispatchAttempts  *prometheus.HistogramVec
	CredentialStates  *prometheus.GaugeVec
	SessionWaiting    prometheus.Gauge
	ConversationsLive prometheus.Gauge
	ProtocolLeaks     *prometheus.CounterVec
	StreamEvents      *prometheus.CounterVec
	TokensProcessed   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "upstream_outcomes_total",
			Help:      "Terminal upstream outcomes by classification.",
		}, []string{"provider", "outcome"}),

		DispatchAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "palantir",
			Name:      "dispatch_attempts",
			Help:      "Upstream attempts consumed per request.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"provider"}),

		CredentialStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "credential_states",
			Help:      "Credentials per provider by health state.",
		}, []string{"provider", "state"}),

		SessionWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "session_waiting_requests",
			Help:      "Requests queued behind a conversation predecessor.",
		}),

		ConversationsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "conversations_live",
			Help:      "Conversations currently tracked by the coordinator.",
		}),

		ProtocolLeaks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "protocol_leaks_total",
			Help:      "Payloads rejected by the protocol validator.",
		}, []string{"dialect"}),

		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "stream_events_total",
			Help:      "Stream events emitted downstream by type.",
		}, []string{"event"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamOutcomes,
		m.DispatchAttempts,
		m.CredentialStates,
		m.SessionWaiting,
		m.ConversationsLive,
		m.ProtocolLeaks,
		m.StreamEvents,
		m.TokensProcessed,
	)

	return m
}
