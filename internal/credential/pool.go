// Package credential implements per-provider credential pools with rotation
// and health tracking. A pool is the only mutable state shared across
// concurrent requests; all access runs under one short mutex.
package credential

import (
	"fmt"
	"sync"
	"time"

	gateway "github.com/quenya/palantir/internal"
)

// State is the health state of a single credential.
type State int

const (
	// StateHealthy credentials are eligible for selection.
	StateHealthy State = iota
	// StateCoolingDown credentials are skipped until their cooldown passes.
	StateCoolingDown
	// StateExhausted credentials are never selected again (auth failure).
	StateExhausted
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateCoolingDown:
		return "cooling_down"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Strategy selects the rotation policy.
type Strategy string

const (
	// RoundRobin advances a cursor, skipping unavailable credentials.
	RoundRobin Strategy = "round_robin"
	// RateLimitAware prefers the healthy credential with the oldest last use.
	RateLimitAware Strategy = "rate_limit_aware"
)

// ParseStrategy maps a config string to a Strategy, defaulting to round_robin.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", string(RoundRobin):
		return RoundRobin, nil
	case string(RateLimitAware):
		return RateLimitAware, nil
	default:
		return "", fmt.Errorf("%w: unknown rotation strategy %q", gateway.ErrConfig, s)
	}
}

// credential is one key plus its mutable health state.
type credential struct {
	key       string
	state     State
	coolUntil time.Time
	lastUsed  time.Time
}

// Lease identifies a selected credential for the duration of one attempt.
type Lease struct {
	Key   string
	Index int
}

// Pool is an ordered set of credentials for one provider instance.
type Pool struct {
	mu       sync.Mutex
	provider string
	creds    []*credential
	strategy Strategy
	cooldown time.Duration
	cursor   int

	// maxRetriesPerKey caps dispatch attempts on any single credential.
	maxRetriesPerKey int

	now func() time.Time // test hook
}

// Options configures a pool.
type Options struct {
	Strategy         Strategy
	Cooldown         time.Duration
	MaxRetriesPerKey int
}

// NewPool builds a pool for the given provider instance. Keys must be non-empty.
func NewPool(provider string, keys []string, opts Options) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: provider %q has no credentials", gateway.ErrConfig, provider)
	}
	if opts.Strategy == "" {
		opts.Strategy = RoundRobin
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.MaxRetriesPerKey <= 0 {
		opts.MaxRetriesPerKey = 1
	}
	creds := make([]*credential, len(keys))
	for i, k := range keys {
		creds[i] = &credential{key: k}
	}
	return &Pool{
		provider:         provider,
		creds:            creds,
		strategy:         opts.Strategy,
		cooldown:         opts.Cooldown,
		maxRetriesPerKey: opts.MaxRetriesPerKey,
		now:              time.Now,
	}, nil
}

// Provider returns the owning provider-instance name.
func (p *Pool) Provider() string { return p.provider }

// MaxRetriesPerKey returns the per-credential attempt cap.
func (p *Pool) MaxRetriesPerKey() int { return p.maxRetriesPerKey }

// selectable reports whether c may serve a request at time t. A cooling
// credential becomes healthy again once its cooldown deadline passes; the
// transition is lazy so the state is monotone within the window.
func (c *credential) selectable(t time.Time) bool {
	switch c.state {
	case StateHealthy:
		return true
	case StateCoolingDown:
		return t.After(c.coolUntil)
	default:
		return false
	}
}

// HasAvailable reports whether at least one credential is selectable now.
// Used by the router to skip bindings with fully exhausted pools.
func (p *Pool) HasAvailable() bool {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		if c.selectable(now) {
			return true
		}
	}
	return false
}

// Select picks one credential according to the pool's strategy.
// Returns gateway.ErrNoCredential when nothing is selectable.
func (p *Pool) Select() (Lease, error) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.strategy {
	case RateLimitAware:
		best := -1
		for i, c := range p.creds {
			if !c.selectable(now) {
				continue
			}
			if best == -1 || c.lastUsed.Before(p.creds[best].lastUsed) {
				best = i
			}
		}
		if best == -1 {
			return Lease{}, fmt.Errorf("%w: provider %q", gateway.ErrNoCredential, p.provider)
		}
		p.creds[best].lastUsed = now
		return Lease{Key: p.creds[best].key, Index: best}, nil

	default: // RoundRobin
		for i := range p.creds {
			idx := (p.cursor + i) % len(p.creds)
			c := p.creds[idx]
			if c.selectable(now) {
				c.lastUsed = now
				p.cursor = (idx + 1) % len(p.creds)
				return Lease{Key: c.key, Index: idx}, nil
			}
		}
		return Lease{}, fmt.Errorf("%w: provider %q", gateway.ErrNoCredential, p.provider)
	}
}

// Report applies the credential state transition for a classified outcome.
// Transitions are monotone within a decision: cooling_down persists until its
// deadline, exhausted is terminal.
func (p *Pool) Report(l Lease, outcome gateway.Outcome) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.Index < 0 || l.Index >= len(p.creds) {
		return
	}
	c := p.creds[l.Index]
	switch outcome {
	case gateway.OutcomeSuccess:
		if c.state == StateCoolingDown && now.After(c.coolUntil) {
			c.state = StateHealthy
		}
		c.lastUsed = now
	case gateway.OutcomeAuth:
		c.state = StateExhausted
	case gateway.OutcomeRateLimited:
		c.state = StateCoolingDown
		c.coolUntil = now.Add(p.cooldown)
	}
	// Server, transport, client, and partial outcomes leave state unchanged.
}

// CredentialState is a point-in-time view of one credential's health.
type CredentialState struct {
	Index     int
	State     State
	CoolUntil time.Time
}

// Snapshot returns the current state of every credential, for metrics
// and readiness reporting.
func (p *Pool) Snapshot() []CredentialState {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CredentialState, len(p.creds))
	for i, c := range p.creds {
		st := c.state
		if st == StateCoolingDown && now.After(c.coolUntil) {
			st = StateHealthy
		}
		out[i] = CredentialState{Index: i, State: st, CoolUntil: c.coolUntil}
	}
	return out
}

// SetNowFunc overrides the pool clock. Test use only.
func (p *Pool) SetNowFunc(now func() time.Time) { p.now = now }
