// Package dispatch opens upstream connections for pipeline bindings: it
// selects a credential from the binding's pool, sends the prepared payload,
// classifies the terminal outcome, and retries within the budget.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/route"
)

const maxBackoff = 5 * time.Second

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 to true for remote HTTPS APIs, false
// for local HTTP/1.1 servers.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// Dispatcher sends prepared dialect payloads upstream. One instance is shared
// by all bindings; providers that need a special transport (SigV4 signing,
// local HTTP/1.1) register their own client.
type Dispatcher struct {
	base    *http.Client
	clients map[string]*http.Client
	logger  *slog.Logger

	wait    func(context.Context, time.Duration) bool // test hook
	sample  func(gateway.ErrorSample)                 // nil = no recording
	outcome func(provider, outcome string)            // nil = no counting
}

// New builds a dispatcher over a pooled, DNS-cached transport.
func New(resolver *dnscache.Resolver, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		base:    &http.Client{Transport: NewTransport(resolver, true)},
		clients: map[string]*http.Client{},
		logger:  logger,
		wait:    sleepCtx,
	}
}

// SetClient registers a per-provider HTTP client, overriding the shared one.
func (d *Dispatcher) SetClient(provider string, c *http.Client) {
	d.clients[provider] = c
}

// SetSampleRecorder installs a sink for classified upstream failures.
func (d *Dispatcher) SetSampleRecorder(fn func(gateway.ErrorSample)) {
	d.sample = fn
}

// SetOutcomeCounter installs a counter fed one classified outcome per attempt.
func (d *Dispatcher) SetOutcomeCounter(fn func(provider, outcome string)) {
	d.outcome = fn
}

func (d *Dispatcher) countOutcome(provider string, o gateway.Outcome) {
	if d.outcome != nil {
		d.outcome(provider, o.String())
	}
}

// SetWaitFunc overrides the backoff sleeper. Test use only.
func (d *Dispatcher) SetWaitFunc(wait func(context.Context, time.Duration) bool) {
	d.wait = wait
}

func (d *Dispatcher) client(provider string) *http.Client {
	if c, ok := d.clients[provider]; ok {
		return c
	}
	return d.base
}

// Result is a successful upstream connection. The caller owns Body; closing
// it releases the attempt's timeout.
type Result struct {
	Status   int
	Header   http.Header
	Body     io.ReadCloser
	Attempts int
}

// Do sends payload to the binding's upstream, rotating credentials on
// retryable failures. The binding timeout bounds the whole call including
// retries and backoff; each attempt gets an equal slice of it for dialing
// and response headers, while a successful body read runs under the overall
// deadline. Total attempts never exceed MaxRetries+1, and no single
// credential is tried more than its per-key cap.
func (d *Dispatcher) Do(ctx context.Context, b *route.Binding, payload []byte, stream bool) (*Result, error) {
	overall := ctx
	cancel := context.CancelFunc(func() {})
	var attemptTimeout time.Duration
	if b.Timeout > 0 {
		overall, cancel = context.WithTimeout(ctx, b.Timeout)
		attemptTimeout = b.Timeout / time.Duration(b.MaxRetries+1)
	}

	res, err := d.rotate(overall, b, payload, stream, attemptTimeout)
	if err != nil {
		cancel()
		if overall.Err() != nil && ctx.Err() == nil &&
			(errors.Is(err, gateway.ErrCancelled) || errors.Is(err, gateway.ErrUpstreamTransient)) {
			return nil, fmt.Errorf("%w: provider %q: no response within %s",
				gateway.ErrTimeout, b.Provider, b.Timeout)
		}
		return nil, err
	}
	res.Body = &cancelBody{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

// rotate runs the credential-rotating attempt loop under the overall context.
func (d *Dispatcher) rotate(ctx context.Context, b *route.Binding, payload []byte, stream bool, attemptTimeout time.Duration) (*Result, error) {
	url := upstreamURL(b, stream)
	maxAttempts := b.MaxRetries + 1
	perKey := map[int]int{}
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lease, err := b.Pool.Select()
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		if perKey[lease.Index] >= b.Pool.MaxRetriesPerKey() {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, fmt.Errorf("%w: provider %q: per-credential retry budget spent",
				gateway.ErrNoCredential, b.Provider)
		}
		perKey[lease.Index]++

		attemptCtx, cancel := context.WithCancel(ctx)
		var attemptTimer *time.Timer
		if attemptTimeout > 0 {
			attemptTimer = time.AfterFunc(attemptTimeout, cancel)
		}

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("dispatch: build request: %w", err)
		}
		setHeaders(req.Header, b.Dialect, lease.Key, stream)

		resp, err := d.client(b.Provider).Do(req)
		if attemptTimer != nil {
			attemptTimer.Stop()
		}
		if err != nil {
			cancel()
			outcome := ClassifyError(err)
			if outcome == gateway.OutcomeClient && ctx.Err() == nil {
				// The attempt timer fired, not the caller.
				outcome = gateway.OutcomeTransport
			}
			b.Pool.Report(lease, outcome)
			d.countOutcome(b.Provider, outcome)
			if outcome == gateway.OutcomeClient {
				return nil, fmt.Errorf("%w: %v", gateway.ErrCancelled, err)
			}
			lastErr = fmt.Errorf("%w: %s: %v", gateway.ErrUpstreamTransient, b.Provider, err)
			d.recordSample(ctx, b, attempt, 0, outcome, err.Error())
			d.logger.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed",
				slog.String("provider", b.Provider),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			if !d.wait(ctx, backoffDelay(attempt, true)) {
				return nil, fmt.Errorf("%w: %v", gateway.ErrCancelled, ctx.Err())
			}
			continue
		}

		outcome := ClassifyStatus(resp.StatusCode)
		d.countOutcome(b.Provider, outcome)
		if outcome == gateway.OutcomeSuccess {
			b.Pool.Report(lease, gateway.OutcomeSuccess)
			return &Result{
				Status:   resp.StatusCode,
				Header:   resp.Header,
				Body:     &cancelBody{ReadCloser: resp.Body, cancel: cancel},
				Attempts: attempt,
			}, nil
		}

		apiErr := parseAPIError(b.Provider, resp)
		resp.Body.Close()
		cancel()
		b.Pool.Report(lease, outcome)
		lastErr = fmt.Errorf("%w: %w", outcomeSentinel(outcome), apiErr)
		d.recordSample(ctx, b, attempt, resp.StatusCode, outcome, apiErr.Error())
		d.logger.LogAttrs(ctx, slog.LevelWarn, "upstream attempt rejected",
			slog.String("provider", b.Provider),
			slog.Int("attempt", attempt),
			slog.Int("status", resp.StatusCode),
			slog.String("outcome", outcome.String()))
		if !retryable(outcome) {
			return nil, lastErr
		}
		if attempt < maxAttempts && !d.wait(ctx, backoffDelay(attempt, false)) {
			return nil, fmt.Errorf("%w: %v", gateway.ErrCancelled, ctx.Err())
		}
	}
	return nil, lastErr
}

// recordSample forwards one classified failure to the sample sink, if any.
func (d *Dispatcher) recordSample(ctx context.Context, b *route.Binding, attempt, status int, outcome gateway.Outcome, msg string) {
	if d.sample == nil {
		return
	}
	d.sample(gateway.ErrorSample{
		RequestID:  gateway.RequestIDFromContext(ctx),
		Route:      b.Route,
		Provider:   b.Provider,
		Model:      b.Model,
		Attempt:    attempt,
		StatusCode: status,
		Outcome:    outcome.String(),
		Message:    msg,
	})
}

// upstreamURL maps a binding to its dialect endpoint.
func upstreamURL(b *route.Binding, stream bool) string {
	base := strings.TrimSuffix(b.Endpoint, "/")
	switch b.Dialect {
	case gateway.DialectGemini:
		verb := ":generateContent"
		if stream {
			verb = ":streamGenerateContent?alt=sse"
		}
		return fmt.Sprintf("%s/v1beta/models/%s%s", base, b.Model, verb)
	case gateway.DialectCodeWhisperer:
		return base + "/generateAssistantResponse"
	default:
		return base + "/chat/completions"
	}
}

// setHeaders applies content negotiation and per-dialect credentials. An
// empty key means auth rides elsewhere (signing transport, no auth).
func setHeaders(h http.Header, dialect gateway.Dialect, key string, stream bool) {
	h.Set("Content-Type", "application/json")
	switch dialect {
	case gateway.DialectCodeWhisperer:
		h.Set("Accept", "application/vnd.amazon.eventstream")
	default:
		if stream {
			h.Set("Accept", "text/event-stream")
		} else {
			h.Set("Accept", "application/json")
		}
	}
	if key == "" {
		return
	}
	switch dialect {
	case gateway.DialectGemini:
		h.Set("x-goog-api-key", key)
	default:
		h.Set("Authorization", "Bearer "+key)
	}
}

// backoffDelay is exponential per attempt; transport failures retry faster
// than upstream rejections.
func backoffDelay(attempt int, transport bool) time.Duration {
	base := 250 * time.Millisecond
	if transport {
		base = 100 * time.Millisecond
	}
	d := base << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// sleepCtx sleeps for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// cancelBody ties an attempt's timeout cancelation to body close.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelBody) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
