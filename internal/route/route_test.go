package route

import (
	"errors"
	"testing"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Providers: map[string]config.ProviderEntry{
			"shuaihong-openai": {
				Type:     "openai",
				Endpoint: "https://api.example.com/v1",
				Authentication: config.AuthEntry{
					Type:        "api_key",
					Credentials: config.CredentialEntry{APIKey: config.StringList{"sk-1", "sk-2"}},
				},
			},
			"local-lmstudio": {
				Type:           "lmstudio",
				Endpoint:       "http://127.0.0.1:1234/v1",
				Authentication: config.AuthEntry{Type: "none"},
			},
			"cw": {
				Type: "codewhisperer",
				Authentication: config.AuthEntry{
					Type:        "aws_sso",
					Credentials: config.CredentialEntry{APIKey: config.StringList{"token"}},
				},
				Settings: map[string]string{"profileArn": "arn:aws:codewhisperer:us-east-1:1:profile/x"},
			},
		},
		Routing: map[string]config.RouteEntry{
			"default": {Targets: []config.TargetEntry{
				{Provider: "shuaihong-openai", Model: "gpt-4o-mini", Priority: 1},
				{Provider: "local-lmstudio", Model: "gpt-oss-20b-mlx", Priority: 5},
			}},
			"background": {Targets: []config.TargetEntry{
				{Provider: "cw", Model: "CLAUDE_3_7_SONNET_20250219_V1_0"},
			}},
		},
	}
}

func TestBuildSortsByPriorityDescending(t *testing.T) {
	t.Parallel()

	table, err := Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	bindings := table.Bindings("default")
	if len(bindings) != 2 {
		t.Fatalf("got %d bindings, want 2", len(bindings))
	}
	if bindings[0].Provider != "local-lmstudio" {
		t.Errorf("bindings[0].Provider = %q, want local-lmstudio (priority 5 first)", bindings[0].Provider)
	}
	if bindings[1].Provider != "shuaihong-openai" {
		t.Errorf("bindings[1].Provider = %q, want shuaihong-openai", bindings[1].Provider)
	}
}

func TestBuildAdapterInference(t *testing.T) {
	t.Parallel()

	table, err := Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, b := range table.Bindings("default") {
		switch b.Provider {
		case "local-lmstudio":
			if b.Adapter != "lmstudio" {
				t.Errorf("lmstudio binding adapter = %q", b.Adapter)
			}
			if b.Dialect != gateway.DialectOpenAI {
				t.Errorf("lmstudio binding dialect = %q, want openai", b.Dialect)
			}
		case "shuaihong-openai":
			if b.Adapter != "generic" {
				t.Errorf("openai binding adapter = %q, want generic", b.Adapter)
			}
		}
	}
}

func TestBuildInfersModelscopeFromModelName(t *testing.T) {
	t.Parallel()

	if got := inferAdapter("", "openai", "ZhipuAI/GLM-4.5"); got != "modelscope" {
		t.Errorf("inferAdapter GLM = %q, want modelscope", got)
	}
	if got := inferAdapter("", "openai", "gpt-oss-20b-mlx"); got != "lmstudio" {
		t.Errorf("inferAdapter mlx = %q, want lmstudio", got)
	}
	if got := inferAdapter("explicit", "lmstudio", "x"); got != "explicit" {
		t.Errorf("explicit adapter not honored: %q", got)
	}
}

func TestBuildRejectsCodewhispererWithoutProfileArn(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	p := cfg.Providers["cw"]
	p.Settings = nil
	cfg.Providers["cw"] = p

	if _, err := Build(cfg); !errors.Is(err, gateway.ErrConfig) {
		t.Errorf("Build err = %v, want ErrConfig", err)
	}
}

func TestResolveVirtualRoute(t *testing.T) {
	t.Parallel()

	table, err := Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tests := []struct {
		name     string
		model    string
		explicit string
		want     string
		wantErr  error
	}{
		{"explicit hint", "anything", "background", "background", nil},
		{"explicit missing route", "anything", "thinking", "", gateway.ErrRouting},
		{"exact route name", "background", "", "background", nil},
		{"haiku prefix rule", "claude-3-5-haiku-20241022", "", "background", nil},
		{"fallback to default", "claude-sonnet-4-5", "", "default", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.ResolveVirtualRoute(tt.model, tt.explicit)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveVirtualRoute: %v", err)
			}
			if got != tt.want {
				t.Errorf("route = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSelectSkipsExhaustedPools(t *testing.T) {
	t.Parallel()

	table, err := Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Exhaust the higher-priority binding's pool (single synthetic slot).
	bindings := table.Bindings("default")
	lease, err := bindings[0].Pool.Select()
	if err != nil {
		t.Fatalf("Select credential: %v", err)
	}
	bindings[0].Pool.Report(lease, gateway.OutcomeAuth)

	b, err := table.Select("default")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if b.Provider != "shuaihong-openai" {
		t.Errorf("selected %q, want fallback shuaihong-openai", b.Provider)
	}

	// Exhaust the second pool too: both keys.
	for range 2 {
		lease, err := b.Pool.Select()
		if err != nil {
			break
		}
		b.Pool.Report(lease, gateway.OutcomeAuth)
	}
	if _, err := table.Select("default"); !errors.Is(err, gateway.ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}
