package doctor

import (
	"context"
	"os"
	"testing"

	"github.com/finchbase/finch/internal/config"
)

func TestRunCollectsAllChecks(t *testing.T) {
	cfg := config.Default()
	cfg.HomeDir = t.TempDir()

	diag := Run(context.Background(), &cfg, "test")

	if len(diag.Results) != 5 {
		t.Fatalf("got %d results, want 5", len(diag.Results))
	}
	names := map[string]bool{}
	for _, r := range diag.Results {
		names[r.Name] = true
	}
	for _, want := range []string{"Config", "API Key", "Database", "Permissions", "Endpoints"} {
		if !names[want] {
			t.Errorf("missing check %q", want)
		}
	}
	if diag.System.Version != "test" {
		t.Errorf("version = %q, want %q", diag.System.Version, "test")
	}
}

func TestCheckConfig(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Errorf("nil config: got %s, want FAIL", got.Status)
	}

	cfg := config.Default()
	cfg.NeedsGenesis = true
	if got := checkConfig(context.Background(), &cfg); got.Status != "WARN" {
		t.Errorf("genesis config: got %s, want WARN", got.Status)
	}

	cfg.NeedsGenesis = false
	if got := checkConfig(context.Background(), &cfg); got.Status != "PASS" {
		t.Errorf("loaded config: got %s, want PASS", got.Status)
	}
}

func TestCheckAPIKey(t *testing.T) {
	os.Unsetenv("OPENAI_API_KEY")

	cfg := config.Default()
	cfg.LLM.BaseURL = "http://localhost:11434/v1"
	if got := checkAPIKey(context.Background(), &cfg); got.Status != "PASS" {
		t.Errorf("local endpoint without key: got %s, want PASS", got.Status)
	}

	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	if got := checkAPIKey(context.Background(), &cfg); got.Status != "WARN" {
		t.Errorf("remote endpoint without key: got %s, want WARN", got.Status)
	}

	cfg.LLM.APIKey = "sk-test"
	if got := checkAPIKey(context.Background(), &cfg); got.Status != "PASS" {
		t.Errorf("configured key: got %s, want PASS", got.Status)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.HomeDir = t.TempDir()

	got := checkDatabase(context.Background(), &cfg)
	if got.Status != "PASS" {
		t.Fatalf("fresh home dir: got %s (%s), want PASS", got.Status, got.Message)
	}
}

func TestCheckPermissions(t *testing.T) {
	cfg := config.Default()
	cfg.HomeDir = t.TempDir()

	if got := checkPermissions(context.Background(), &cfg); got.Status != "PASS" {
		t.Errorf("writable home: got %s, want PASS", got.Status)
	}
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"http://localhost:11434/v1", "localhost"},
		{"https://api.openai.com/v1", "api.openai.com"},
		{"http://127.0.0.1:8080", "127.0.0.1"},
		{"not a url", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := endpointHost(tt.raw); got != tt.want {
			t.Errorf("endpointHost(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
