package gateway

import "errors"

// Sentinel errors for the gateway domain. The taxonomy is deliberately
// flat and never collapsed: each class maps to a distinct HTTP status at
// the transport edge and a distinct retry policy at dispatch.
var (
	// ErrValidation: incoming request malformed (400).
	ErrValidation = errors.New("invalid request")
	// ErrRouting: no route binding matches the requested route (404).
	ErrRouting = errors.New("no matching route")
	// ErrConfig: startup-only configuration failure; the process exits.
	ErrConfig = errors.New("invalid configuration")
	// ErrProtocolLeak: a payload crossed a dialect boundary carrying fields
	// from the opposing dialect. Internal invariant violation (500).
	ErrProtocolLeak = errors.New("protocol leak")
	// ErrNoProvider: every binding for the route is exhausted (503).
	ErrNoProvider = errors.New("no available provider")
	// ErrNoCredential: no selectable credential in the binding's pool (503).
	ErrNoCredential = errors.New("no available credential")
	// ErrUpstreamTransient: retriable upstream failure past budget (502).
	ErrUpstreamTransient = errors.New("upstream transient error")
	// ErrUpstreamClient: upstream 4xx, surfaced without retry.
	ErrUpstreamClient = errors.New("upstream client error")
	// ErrUpstreamServer: upstream 5xx past retry budget (502).
	ErrUpstreamServer = errors.New("upstream server error")
	// ErrCancelled: request cancelled by the caller (499).
	ErrCancelled = errors.New("request cancelled")
	// ErrTimeout: per-binding deadline elapsed (504).
	ErrTimeout = errors.New("request timed out")
)
