// Package compat applies last-mile provider quirks to dialect payloads:
// model-name remapping, envelope normalization, and text-embedded tool-call
// extraction. Adapters reshape and fill fields; they never introduce fields
// outside the target dialect.
package compat

import (
	"context"
	"net/http"
)

// Adapter handles the quirks of one provider family. PrepareRequest runs
// after protocol validation on the way down; NormalizeResponse runs before
// translation on the way up.
type Adapter interface {
	Name() string
	PrepareRequest(ctx context.Context, payload []byte) ([]byte, error)
	NormalizeResponse(payload []byte) ([]byte, error)
}

// Options carries the per-binding context an adapter may need.
type Options struct {
	Endpoint string
	Client   *http.Client
	// ModelMap overrides or extends the adapter's built-in remap table.
	ModelMap map[string]string
}

// New selects an adapter by its configuration tag. Unknown tags get the
// generic pass-through adapter.
func New(name string, opts Options) Adapter {
	switch name {
	case "lmstudio":
		return newLMStudio(opts)
	case "modelscope":
		return newModelScope()
	default:
		return genericAdapter{}
	}
}
