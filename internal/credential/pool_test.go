package credential

import (
	"errors"
	"testing"
	"time"

	gateway "github.com/quenya/palantir/internal"
)

func newTestPool(t *testing.T, keys []string, opts Options) (*Pool, *time.Time) {
	t.Helper()
	p, err := NewPool("test", keys, opts)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.SetNowFunc(func() time.Time { return now })
	return p, &now
}

func TestRoundRobinRotation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []string{"K1", "K2", "K3"}, Options{})
	var got []string
	for range 4 {
		l, err := p.Select()
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		got = append(got, l.Key)
	}
	want := []string{"K1", "K2", "K3", "K1"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("select %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRateLimitCooldown(t *testing.T) {
	t.Parallel()

	cooldown := 5 * time.Second
	p, now := newTestPool(t, []string{"K1", "K2", "K3"}, Options{Cooldown: cooldown})

	l1, err := p.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if l1.Key != "K1" {
		t.Fatalf("first select = %q, want K1", l1.Key)
	}
	p.Report(l1, gateway.OutcomeRateLimited)

	snap := p.Snapshot()
	if snap[0].State != StateCoolingDown {
		t.Fatalf("K1 state = %v, want cooling_down", snap[0].State)
	}
	if want := now.Add(cooldown); !snap[0].CoolUntil.Equal(want) {
		t.Errorf("K1 coolUntil = %v, want %v", snap[0].CoolUntil, want)
	}

	// Within the cooldown window only K2/K3 are used, never K1.
	for range 5 {
		l, err := p.Select()
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if l.Key == "K1" {
			t.Fatal("selected K1 during cooldown")
		}
	}

	// Past the deadline K1 is selectable again.
	*now = now.Add(cooldown + time.Millisecond)
	seen := map[string]bool{}
	for range 3 {
		l, err := p.Select()
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[l.Key] = true
	}
	if !seen["K1"] {
		t.Error("K1 not selected after cooldown expired")
	}
}

func TestAuthExhaustsCredential(t *testing.T) {
	t.Parallel()

	p, now := newTestPool(t, []string{"K1", "K2"}, Options{})
	l, _ := p.Select()
	p.Report(l, gateway.OutcomeAuth)

	// Exhaustion is terminal, even far in the future.
	*now = now.Add(24 * time.Hour)
	for range 4 {
		got, err := p.Select()
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if got.Key == "K1" {
			t.Fatal("selected exhausted credential")
		}
	}
}

func TestAllExhausted(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []string{"K1"}, Options{})
	l, _ := p.Select()
	p.Report(l, gateway.OutcomeAuth)

	if p.HasAvailable() {
		t.Error("HasAvailable = true for exhausted pool")
	}
	if _, err := p.Select(); !errors.Is(err, gateway.ErrNoCredential) {
		t.Errorf("Select err = %v, want ErrNoCredential", err)
	}
}

func TestRateLimitAwarePrefersOldest(t *testing.T) {
	t.Parallel()

	p, now := newTestPool(t, []string{"K1", "K2"}, Options{Strategy: RateLimitAware})

	l1, _ := p.Select() // both unused: first wins
	if l1.Key != "K1" {
		t.Fatalf("first select = %q, want K1", l1.Key)
	}
	*now = now.Add(time.Second)
	l2, _ := p.Select()
	if l2.Key != "K2" {
		t.Fatalf("second select = %q, want K2 (oldest last-use)", l2.Key)
	}
	*now = now.Add(time.Second)
	l3, _ := p.Select()
	if l3.Key != "K1" {
		t.Fatalf("third select = %q, want K1", l3.Key)
	}
}

func TestTransientOutcomesLeaveStateUnchanged(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []string{"K1"}, Options{})
	for _, outcome := range []gateway.Outcome{
		gateway.OutcomeServer, gateway.OutcomeTransport,
		gateway.OutcomeClient, gateway.OutcomePartial,
	} {
		l, err := p.Select()
		if err != nil {
			t.Fatalf("Select after %v: %v", outcome, err)
		}
		p.Report(l, outcome)
		if snap := p.Snapshot(); snap[0].State != StateHealthy {
			t.Errorf("state after %v = %v, want healthy", outcome, snap[0].State)
		}
	}
}

func TestNewPoolRejectsEmptyKeys(t *testing.T) {
	t.Parallel()

	if _, err := NewPool("p", nil, Options{}); !errors.Is(err, gateway.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}
