// Package cloudauth provides http.RoundTripper decorators for upstreams
// whose credentials live outside the rotation pools: AWS SigV4 signing for
// CodeWhisperer and GCP OAuth for Vertex-hosted Gemini. A static header
// transport covers providers with fixed keys outside the pool mechanism.
package cloudauth

import "net/http"

// APIKeyTransport injects a static header on every outbound request.
// HeaderName is the header to set (e.g. "Authorization", "x-goog-api-key");
// Prefix is prepended to Key (e.g. "Bearer ").
type APIKeyTransport struct {
	Key        string
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the auth header.
func (t *APIKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.HeaderName, t.Prefix+t.Key)
	return t.base().RoundTrip(r2)
}

func (t *APIKeyTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
