package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/dispatch"
)

// statusClientClosedRequest is the nginx convention for a caller that went
// away before the response was ready.
const statusClientClosedRequest = 499

// apiError is the Anthropic error envelope.
type apiError struct {
	Type  string `json:"type"` // always "error"
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorResponse(errType, msg string) apiError {
	e := apiError{Type: "error"}
	e.Error.Type = errType
	e.Error.Message = msg
	return e
}

// errorStatus maps a pipeline error to the HTTP status surfaced downstream.
// Upstream 4xx failures keep their original status code.
func errorStatus(err error) int {
	var upstream *dispatch.APIError
	if errors.Is(err, gateway.ErrUpstreamClient) && errors.As(err, &upstream) {
		return upstream.HTTPStatus()
	}
	switch {
	case errors.Is(err, gateway.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrRouting):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrNoProvider), errors.Is(err, gateway.ErrNoCredential):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUpstreamTransient), errors.Is(err, gateway.ErrUpstreamServer):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrCancelled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorType names the Anthropic error type for a status code.
func errorType(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return "invalid_request_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusServiceUnavailable:
		return "overloaded_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	writeJSON(w, status, errorResponse(errorType(status), err.Error()))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
