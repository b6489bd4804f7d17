package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quenya/palantir/internal/session"
)

func TestSessionGC_CollectsIdle(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := session.New(session.ModeStrict, logger)

	ticket, err := coord.Acquire(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	coord.Release(ticket)
	if coord.Len() != 1 {
		t.Fatalf("live conversations = %d, want 1", coord.Len())
	}

	gc := NewSessionGC(coord, time.Nanosecond)
	gc.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gc.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for coord.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("idle conversation not collected; live = %d", coord.Len())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	<-done
}
