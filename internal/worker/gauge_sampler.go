package worker

import (
	"context"
	"time"

	"github.com/quenya/palantir/internal/credential"
	"github.com/quenya/palantir/internal/telemetry"
)

const gaugeSampleEvery = 15 * time.Second

// PoolSource yields the credential pools to sample.
type PoolSource interface {
	Pools() []*credential.Pool
}

// SessionSource yields coordinator queue depths.
type SessionSource interface {
	Len() int
	Waiting() int
}

// GaugeSampler periodically refreshes the point-in-time gauges: credential
// health per provider, live conversations, and queued requests.
type GaugeSampler struct {
	pools    PoolSource
	sessions SessionSource
	metrics  *telemetry.Metrics
	interval time.Duration
}

// NewGaugeSampler builds a sampler over the routing table's pools and the
// session coordinator.
func NewGaugeSampler(pools PoolSource, sessions SessionSource, metrics *telemetry.Metrics) *GaugeSampler {
	return &GaugeSampler{
		pools:    pools,
		sessions: sessions,
		metrics:  metrics,
		interval: gaugeSampleEvery,
	}
}

// Run samples once at startup and then on a fixed interval until ctx ends.
func (g *GaugeSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	g.sample()
	for {
		select {
		case <-ticker.C:
			g.sample()
		case <-ctx.Done():
			return nil
		}
	}
}

var credentialStates = []credential.State{
	credential.StateHealthy,
	credential.StateCoolingDown,
	credential.StateExhausted,
}

func (g *GaugeSampler) sample() {
	g.metrics.ConversationsLive.Set(float64(g.sessions.Len()))
	g.metrics.SessionWaiting.Set(float64(g.sessions.Waiting()))
	for _, pool := range g.pools.Pools() {
		counts := map[credential.State]int{}
		for _, cs := range pool.Snapshot() {
			counts[cs.State]++
		}
		// Every state is set each pass so recoveries drop stale values to zero.
		for _, st := range credentialStates {
			g.metrics.CredentialStates.WithLabelValues(pool.Provider(), st.String()).Set(float64(counts[st]))
		}
	}
}
