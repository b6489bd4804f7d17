package route

import (
	"fmt"
	"slices"
	"strings"
	"time"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/config"
	"github.com/quenya/palantir/internal/credential"
)

// dialectForType maps provider type tags to the wire dialect they speak.
var dialectForType = map[string]gateway.Dialect{
	"openai":        gateway.DialectOpenAI,
	"lmstudio":      gateway.DialectOpenAI,
	"modelscope":    gateway.DialectOpenAI,
	"ollama":        gateway.DialectOpenAI,
	"gemini":        gateway.DialectGemini,
	"codewhisperer": gateway.DialectCodeWhisperer,
}

// inferAdapter resolves the compatibility adapter for a binding. An explicit
// config tag wins; otherwise the provider type and model-name heuristics
// decide, falling back to "generic".
func inferAdapter(explicit, providerType, model string) string {
	if explicit != "" {
		return explicit
	}
	switch providerType {
	case "lmstudio":
		return "lmstudio"
	case "modelscope":
		return "modelscope"
	}
	if strings.Contains(model, "-mlx") {
		return "lmstudio"
	}
	if strings.HasPrefix(model, "ZhipuAI/GLM-") {
		return "modelscope"
	}
	return "generic"
}

// Build materializes the immutable routing table and its credential pools
// from configuration. It runs once, before ingress opens. Any violation
// fails with gateway.ErrConfig; partial tables are never emitted.
func Build(cfg *config.Config) (*Table, error) {
	// One pool per provider instance, shared by all bindings that reference it.
	pools := make(map[string]*credential.Pool, len(cfg.Providers))
	for name, p := range cfg.Providers {
		keys := []string(p.Authentication.Credentials.APIKey)
		if p.Authentication.Type == "none" && len(keys) == 0 {
			// Unauthenticated local servers still rotate over one slot so the
			// health machinery has something to track.
			keys = []string{""}
		}
		strategy, err := credential.ParseStrategy(p.KeyRotation.Strategy)
		if err != nil {
			return nil, err
		}
		if !p.KeyRotation.IsEnabled() && len(keys) > 1 {
			keys = keys[:1]
		}
		pool, err := credential.NewPool(name, keys, credential.Options{
			Strategy:         strategy,
			Cooldown:         time.Duration(p.KeyRotation.CooldownMs) * time.Millisecond,
			MaxRetriesPerKey: p.KeyRotation.MaxRetriesPerKey,
		})
		if err != nil {
			return nil, err
		}
		pools[name] = pool
	}

	routes := make(map[string][]*Binding, len(cfg.Routing))
	for routeName, entry := range cfg.Routing {
		bindings := make([]*Binding, 0, len(entry.Targets))
		for _, target := range entry.Targets {
			p, ok := cfg.Providers[target.Provider]
			if !ok {
				return nil, fmt.Errorf("%w: route %q references unknown provider %q",
					gateway.ErrConfig, routeName, target.Provider)
			}
			dialect, ok := dialectForType[p.Type]
			if !ok {
				return nil, fmt.Errorf("%w: provider %q has unroutable type %q",
					gateway.ErrConfig, target.Provider, p.Type)
			}
			if dialect == gateway.DialectCodeWhisperer && p.Settings["profileArn"] == "" {
				return nil, fmt.Errorf("%w: codewhisperer provider %q requires settings.profileArn",
					gateway.ErrConfig, target.Provider)
			}
			timeout := 60 * time.Second
			if p.TimeoutMs > 0 {
				timeout = time.Duration(p.TimeoutMs) * time.Millisecond
			}
			maxRetries := p.MaxRetries
			if maxRetries <= 0 {
				maxRetries = 2
			}
			bindings = append(bindings, &Binding{
				Route:      routeName,
				Provider:   target.Provider,
				Dialect:    dialect,
				Model:      target.Model,
				Endpoint:   p.Endpoint,
				Priority:   target.Priority,
				Pool:       pools[target.Provider],
				Adapter:    inferAdapter(p.CompatAdapter, p.Type, target.Model),
				Timeout:    timeout,
				MaxRetries: maxRetries,
				Settings:   p.Settings,
			})
		}
		if len(bindings) == 0 {
			return nil, fmt.Errorf("%w: route %q has no bindings", gateway.ErrConfig, routeName)
		}
		// Priority descending, stable on ties.
		slices.SortStableFunc(bindings, func(a, b *Binding) int {
			return b.Priority - a.Priority
		})
		routes[routeName] = bindings
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: routing table is empty", gateway.ErrConfig)
	}

	return &Table{routes: routes}, nil
}
