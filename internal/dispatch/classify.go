package dispatch

import (
	"context"
	"errors"

	gateway "github.com/quenya/palantir/internal"
)

// ClassifyStatus maps an upstream HTTP status to a terminal outcome.
func ClassifyStatus(status int) gateway.Outcome {
	switch {
	case status >= 200 && status < 300:
		return gateway.OutcomeSuccess
	case status == 401 || status == 403:
		return gateway.OutcomeAuth
	case status == 429:
		return gateway.OutcomeRateLimited
	case status >= 500:
		return gateway.OutcomeServer
	default:
		return gateway.OutcomeClient
	}
}

// ClassifyError maps a transport-level failure to a terminal outcome.
// Context cancellation is the caller's doing and is never retried.
func ClassifyError(err error) gateway.Outcome {
	if errors.Is(err, context.Canceled) {
		return gateway.OutcomeClient
	}
	// Refused connections, DNS failures, deadlines: all transient.
	return gateway.OutcomeTransport
}

// retryable reports whether an outcome is worth another attempt on a
// different (or cooled) credential.
func retryable(o gateway.Outcome) bool {
	switch o {
	case gateway.OutcomeRateLimited, gateway.OutcomeServer, gateway.OutcomeTransport, gateway.OutcomeAuth:
		return true
	default:
		return false
	}
}

// outcomeSentinel maps an outcome to the sentinel the surface layer turns
// into a status code.
func outcomeSentinel(o gateway.Outcome) error {
	switch o {
	case gateway.OutcomeAuth, gateway.OutcomeClient:
		return gateway.ErrUpstreamClient
	case gateway.OutcomeRateLimited, gateway.OutcomeTransport:
		return gateway.ErrUpstreamTransient
	case gateway.OutcomeServer:
		return gateway.ErrUpstreamServer
	default:
		return nil
	}
}
