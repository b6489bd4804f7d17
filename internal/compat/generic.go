package compat

import "context"

// genericAdapter is the pass-through default for providers that speak their
// dialect cleanly.
type genericAdapter struct{}

func (genericAdapter) Name() string { return "generic" }

func (genericAdapter) PrepareRequest(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

func (genericAdapter) NormalizeResponse(payload []byte) ([]byte, error) {
	return payload, nil
}
