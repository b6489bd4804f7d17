// Package route implements the routing table and its startup preprocessor.
// The table is materialized once from configuration and is immutable
// afterwards; runtime routing is lookup-only.
package route

import (
	"fmt"
	"strings"
	"time"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/credential"
)

// Binding is one concrete (provider, model, credential-pool, stage-config)
// tuple bound to a virtual route. Bindings are read-only after preprocessing;
// the credential pool is the only mutable member.
type Binding struct {
	Route    string
	Provider string // provider-instance name from config
	Dialect  gateway.Dialect
	Model    string
	Endpoint string
	Priority int

	Pool *credential.Pool

	// Stage configuration stack.
	Adapter    string // compatibility adapter tag: lmstudio, modelscope, generic
	Timeout    time.Duration
	MaxRetries int
	Settings   map[string]string // provider-specific (e.g. codewhisperer profileArn)
}

// Table maps virtual route names to priority-ordered bindings.
type Table struct {
	routes map[string][]*Binding
}

// Routes returns the set of virtual route names.
func (t *Table) Routes() []string {
	out := make([]string, 0, len(t.routes))
	for name := range t.routes {
		out = append(out, name)
	}
	return out
}

// Bindings returns the bindings for a virtual route in priority order,
// or nil when the route does not exist.
func (t *Table) Bindings(route string) []*Binding {
	return t.routes[route]
}

// Has reports whether the virtual route exists.
func (t *Table) Has(route string) bool {
	_, ok := t.routes[route]
	return ok
}

// Pools returns the distinct credential pools across all bindings. Bindings
// of one provider instance share a pool.
func (t *Table) Pools() []*credential.Pool {
	seen := map[*credential.Pool]bool{}
	var out []*credential.Pool
	for _, bindings := range t.routes {
		for _, b := range bindings {
			if !seen[b.Pool] {
				seen[b.Pool] = true
				out = append(out, b.Pool)
			}
		}
	}
	return out
}

// prefixRule maps a model-name prefix to a virtual route.
type prefixRule struct {
	prefix string
	route  string
}

// prefixRules resolve well-known model families onto specialized routes when
// those routes are configured. Checked after explicit hints and exact matches.
var prefixRules = []prefixRule{
	{"claude-3-5-haiku", "background"},
	{"claude-haiku", "background"},
	{"claude-opus", "thinking"},
}

// ResolveVirtualRoute maps an incoming request to a virtual route name:
// explicit metadata hint, then exact route-name match on the model field,
// then prefix rules, then "default". An explicit hint naming a route that
// does not exist is a routing error, never a silent fallback.
func (t *Table) ResolveVirtualRoute(model, explicit string) (string, error) {
	if explicit != "" {
		if !t.Has(explicit) {
			return "", fmt.Errorf("%w: virtual route %q", gateway.ErrRouting, explicit)
		}
		return explicit, nil
	}
	if t.Has(model) {
		return model, nil
	}
	for _, r := range prefixRules {
		if strings.HasPrefix(model, r.prefix) && t.Has(r.route) {
			return r.route, nil
		}
	}
	if !t.Has("default") {
		return "", fmt.Errorf("%w: model %q matches no route and no default exists", gateway.ErrRouting, model)
	}
	return "default", nil
}

// Select returns the first binding for the route whose credential pool has at
// least one selectable credential. All pools dry means ErrNoProvider; the
// router never sleeps or silently substitutes.
func (t *Table) Select(route string) (*Binding, error) {
	bindings, ok := t.routes[route]
	if !ok {
		return nil, fmt.Errorf("%w: virtual route %q", gateway.ErrRouting, route)
	}
	for _, b := range bindings {
		if b.Pool.HasAvailable() {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: route %q has no binding with live credentials", gateway.ErrNoProvider, route)
}
