// Package session serializes same-conversation requests. Within one
// (sessionId, conversationId) requests run strictly sequentially in arrival
// order, each carrying a monotonically increasing sequence number.
// Concurrency across distinct conversations is unconstrained.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/quenya/palantir/internal"
)

// Mode selects how strictly the coordinator enforces ordering.
type Mode string

const (
	// ModeStrict blocks a request until its conversation predecessor completes.
	ModeStrict Mode = "strict"
	// ModeObserve assigns sequence numbers and logs ordering violations
	// without blocking. Diagnostic use.
	ModeObserve Mode = "observe"
)

// ParseMode maps a config string to a Mode, defaulting to strict.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeStrict):
		return ModeStrict, nil
	case string(ModeObserve):
		return ModeObserve, nil
	default:
		return "", fmt.Errorf("%w: unknown session mode %q", gateway.ErrConfig, s)
	}
}

// conversation is the per-conversation slot plus FIFO wait queue.
type conversation struct {
	busy        bool
	waiters     []chan struct{}
	nextSeq     int64
	highestDone int64
	lastActive  time.Time
}

// Ticket grants one request its turn in a conversation. Release it when the
// final downstream event has been emitted, success or not.
type Ticket struct {
	SessionID      string
	ConversationID string
	Seq            int64

	key      string
	released bool
}

// Coordinator tracks every live conversation.
type Coordinator struct {
	mu     sync.Mutex
	mode   Mode
	convs  map[string]*conversation
	logger *slog.Logger

	now func() time.Time // test hook
}

// New builds a coordinator in the given mode.
func New(mode Mode, logger *slog.Logger) *Coordinator {
	if mode == "" {
		mode = ModeStrict
	}
	return &Coordinator{
		mode:   mode,
		convs:  map[string]*conversation{},
		logger: logger,
		now:    time.Now,
	}
}

func convKey(sessionID, conversationID string) string {
	return sessionID + "/" + conversationID
}

// Acquire claims the conversation slot, waiting FIFO behind earlier arrivals
// in strict mode. The sequence number reflects arrival order regardless of
// how long the wait takes. Cancellation while waiting gives up the queue
// position without disturbing other waiters.
func (c *Coordinator) Acquire(ctx context.Context, sessionID, conversationID string) (*Ticket, error) {
	key := convKey(sessionID, conversationID)

	c.mu.Lock()
	conv, ok := c.convs[key]
	if !ok {
		conv = &conversation{nextSeq: 1}
		c.convs[key] = conv
	}
	seq := conv.nextSeq
	conv.nextSeq++
	conv.lastActive = c.now()

	t := &Ticket{SessionID: sessionID, ConversationID: conversationID, Seq: seq, key: key}

	if c.mode == ModeObserve {
		c.mu.Unlock()
		return t, nil
	}

	if !conv.busy {
		conv.busy = true
		c.mu.Unlock()
		return t, nil
	}

	ch := make(chan struct{})
	conv.waiters = append(conv.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return t, nil
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-ch:
			// The slot was handed to us in the race; pass it straight on.
			c.handOffLocked(conv)
		default:
			for i, w := range conv.waiters {
				if w == ch {
					conv.waiters = append(conv.waiters[:i], conv.waiters[i+1:]...)
					break
				}
			}
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: conversation %s: %v", gateway.ErrCancelled, key, ctx.Err())
	}
}

// Release signals completion of the ticket's request and wakes the next
// waiter. Safe to call more than once; only the first call has effect.
// A cancelled request must still release so its successors are not stranded.
func (c *Coordinator) Release(t *Ticket) {
	if t == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.released {
		return
	}
	t.released = true

	conv, ok := c.convs[t.key]
	if !ok {
		return
	}
	conv.lastActive = c.now()

	if t.Seq < conv.highestDone {
		c.logger.LogAttrs(context.Background(), slog.LevelWarn, "out-of-order completion",
			slog.String("conversation", t.key),
			slog.Int64("seq", t.Seq),
			slog.Int64("highest_done", conv.highestDone))
	}
	if t.Seq > conv.highestDone {
		conv.highestDone = t.Seq
	}

	if c.mode == ModeObserve {
		return
	}
	c.handOffLocked(conv)
}

// handOffLocked passes the slot to the oldest waiter, or frees it.
func (c *Coordinator) handOffLocked(conv *conversation) {
	if len(conv.waiters) > 0 {
		ch := conv.waiters[0]
		conv.waiters = conv.waiters[1:]
		close(ch)
		return
	}
	conv.busy = false
}

// GC removes conversations idle for longer than ttl with an empty queue.
// Returns the number collected.
func (c *Coordinator) GC(ttl time.Duration) int {
	cutoff := c.now().Add(-ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	collected := 0
	for key, conv := range c.convs {
		if !conv.busy && len(conv.waiters) == 0 && conv.lastActive.Before(cutoff) {
			delete(c.convs, key)
			collected++
		}
	}
	return collected
}

// Len reports the number of tracked conversations, for metrics.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.convs)
}

// Waiting reports the number of requests queued behind a conversation
// predecessor, for metrics.
func (c *Coordinator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, conv := range c.convs {
		n += len(conv.waiters)
	}
	return n
}

// SetNowFunc overrides the coordinator clock. Test use only.
func (c *Coordinator) SetNowFunc(now func() time.Time) { c.now = now }
