package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/quenya/palantir/internal/session"
)

const sessionGCInterval = 5 * time.Minute

// SessionGC periodically removes idle conversations from the coordinator.
type SessionGC struct {
	coord    *session.Coordinator
	ttl      time.Duration
	interval time.Duration
}

// NewSessionGC creates a collector that drops conversations idle for ttl.
func NewSessionGC(coord *session.Coordinator, ttl time.Duration) *SessionGC {
	return &SessionGC{coord: coord, ttl: ttl, interval: sessionGCInterval}
}

// Run sweeps the coordinator until ctx is cancelled.
func (g *SessionGC) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.coord.GC(g.ttl); n > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "idle conversations collected",
					slog.Int("count", n),
					slog.Int("live", g.coord.Len()),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
