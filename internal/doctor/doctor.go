// Package doctor runs local diagnostics: config, database, filesystem and
// the reachability of the external capability endpoints.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/finchbase/finch/internal/config"
	"github.com/finchbase/finch/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkEndpoints,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml yet, defaults in effect"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.LLM.APIKey != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "llm.api_key configured"}
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "OPENAI_API_KEY is set"}
	}
	if isLocalEndpoint(cfg.LLM.BaseURL) {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "Local LLM endpoint, no key required"}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: "No API key configured for a remote LLM endpoint",
		Detail:  "Set llm.api_key in config.yaml or export OPENAI_API_KEY",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	active, terminal, err := store.AskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("active_asks=%d, terminal_asks=%d", active, terminal),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkEndpoints resolves the host of each configured capability endpoint.
// Resolution failures are warnings, not failures: the daemon still starts
// and degrades per request.
func checkEndpoints(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Endpoints", Status: "SKIP", Message: "Config missing"}
	}

	endpoints := []struct {
		name string
		url  string
	}{
		{"llm", cfg.LLM.BaseURL},
		{"embedder", cfg.Embedder.BaseURL},
		{"engine", cfg.Engine.BaseURL},
		{"doc_store", cfg.DocStore.BaseURL},
	}

	var details []string
	status := "PASS"
	for _, ep := range endpoints {
		host := endpointHost(ep.url)
		if host == "" {
			details = append(details, fmt.Sprintf("%s: invalid url %q", ep.name, ep.url))
			status = "WARN"
			continue
		}

		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		latency := time.Since(start)
		cancel()

		if err != nil {
			details = append(details, fmt.Sprintf("%s: lookup %s failed (%v)", ep.name, host, err))
			status = "WARN"
			continue
		}
		details = append(details, fmt.Sprintf("%s: %s resolved (%d addrs, %dms)", ep.name, host, len(addrs), latency.Milliseconds()))
	}

	return CheckResult{
		Name:    "Endpoints",
		Status:  status,
		Message: fmt.Sprintf("Checked %d endpoints", len(endpoints)),
		Detail:  strings.Join(details, "; "),
	}
}

func endpointHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}

func isLocalEndpoint(raw string) bool {
	host := endpointHost(raw)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
