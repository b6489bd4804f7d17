// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/quenya/palantir/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Providers map[string]ProviderEntry `yaml:"providers"`
	Routing   map[string]RouteEntry    `yaml:"routing"`
	Session   SessionConfig            `yaml:"session"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
	Debug     DebugConfig              `yaml:"debug"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProviderEntry is a provider-instance definition in the config file.
type ProviderEntry struct {
	Type           string            `yaml:"type"` // openai, gemini, codewhisperer, lmstudio, modelscope, ...
	Endpoint       string            `yaml:"endpoint"`
	Authentication AuthEntry         `yaml:"authentication"`
	KeyRotation    KeyRotationEntry  `yaml:"keyRotation"`
	CompatAdapter  string            `yaml:"compatibilityAdapter"` // empty = inferred
	TimeoutMs      int               `yaml:"timeoutMs"`
	MaxRetries     int               `yaml:"maxRetries"`
	Settings       map[string]string `yaml:"settings"`
}

// AuthEntry configures provider authentication.
type AuthEntry struct {
	Type        string          `yaml:"type"` // "api_key", "aws_sso", "gcp_oauth", "none"
	Credentials CredentialEntry `yaml:"credentials"`
}

// CredentialEntry holds provider credentials.
type CredentialEntry struct {
	APIKey StringList `yaml:"apiKey"` // single key or list
}

// KeyRotationEntry configures multi-key rotation for a provider instance.
type KeyRotationEntry struct {
	Enabled          *bool  `yaml:"enabled"`
	Strategy         string `yaml:"strategy"` // "round_robin" (default), "rate_limit_aware"
	CooldownMs       int    `yaml:"cooldownMs"`
	MaxRetriesPerKey int    `yaml:"maxRetriesPerKey"`
}

// IsEnabled reports whether rotation is enabled (defaults to true when nil).
func (k KeyRotationEntry) IsEnabled() bool {
	return k.Enabled == nil || *k.Enabled
}

// StringList accepts a YAML scalar or sequence of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = StringList{v}
		return nil
	case yaml.SequenceNode:
		var v []string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = StringList(v)
		return nil
	default:
		return fmt.Errorf("apiKey must be a string or list of strings")
	}
}

// RouteEntry binds a virtual route name to one or more provider targets.
// Accepts either the single-binding map form {provider, model} or a list
// of bindings with explicit priorities.
type RouteEntry struct {
	Targets []TargetEntry
}

// TargetEntry is a single binding within a route.
type TargetEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Priority int    `yaml:"priority"`
}

// UnmarshalYAML implements yaml.Unmarshaler for both route forms.
func (r *RouteEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var t TargetEntry
		if err := node.Decode(&t); err != nil {
			return err
		}
		r.Targets = []TargetEntry{t}
		return nil
	case yaml.SequenceNode:
		return node.Decode(&r.Targets)
	default:
		return fmt.Errorf("route must be a mapping or a list of mappings")
	}
}

// SessionConfig controls the session coordinator.
type SessionConfig struct {
	// Mode selects conversation coordination: "strict" (default) serializes
	// same-conversation requests; "observe" only assigns sequence numbers
	// and logs out-of-order completions.
	Mode    string        `yaml:"mode"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// DebugConfig holds debug and diagnostics settings.
type DebugConfig struct {
	Enabled       bool   `yaml:"enabled"`
	LogLevel      string `yaml:"logLevel"`
	TraceRequests bool   `yaml:"traceRequests"`
	LogDir        string `yaml:"logDir"`
	SampleDB      string `yaml:"sampleDB"` // sqlite DSN for the error-sample store; empty = off
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
// A missing file is reported as os.ErrNotExist for the caller's exit-code
// handling; any other failure wraps gateway.ErrConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			Mode:    "strict",
			IdleTTL: 2 * time.Hour,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", gateway.ErrConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// knownProviderTypes are the provider type tags the preprocessor can bind.
var knownProviderTypes = map[string]bool{
	"openai":        true,
	"gemini":        true,
	"codewhisperer": true,
	"lmstudio":      true,
	"modelscope":    true,
	"ollama":        true,
}

// Validate checks structural config invariants. Route/binding-level checks
// (credential presence, adapter resolution) run in the route preprocessor.
func (c *Config) Validate() error {
	if len(c.Routing) == 0 {
		return fmt.Errorf("%w: routing table is empty", gateway.ErrConfig)
	}
	for name, p := range c.Providers {
		if !knownProviderTypes[p.Type] {
			return fmt.Errorf("%w: provider %q has unknown type %q", gateway.ErrConfig, name, p.Type)
		}
		if p.Endpoint == "" && p.Type != "codewhisperer" {
			return fmt.Errorf("%w: provider %q has no endpoint", gateway.ErrConfig, name)
		}
	}
	for route, entry := range c.Routing {
		if len(entry.Targets) == 0 {
			return fmt.Errorf("%w: route %q has no bindings", gateway.ErrConfig, route)
		}
		for _, t := range entry.Targets {
			if _, ok := c.Providers[t.Provider]; !ok {
				return fmt.Errorf("%w: route %q references unknown provider %q", gateway.ErrConfig, route, t.Provider)
			}
			if t.Model == "" {
				return fmt.Errorf("%w: route %q has a binding without a model", gateway.ErrConfig, route)
			}
		}
	}
	switch c.Session.Mode {
	case "", "strict", "observe":
	default:
		return fmt.Errorf("%w: session mode %q (want strict or observe)", gateway.ErrConfig, c.Session.Mode)
	}
	return nil
}
