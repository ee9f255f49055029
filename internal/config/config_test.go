package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Errorf("expected NeedsGenesis on missing config.yaml")
	}
	if cfg.Ask.EngineTimeoutSeconds != 30 {
		t.Errorf("engine timeout = %d, want 30", cfg.Ask.EngineTimeoutSeconds)
	}
	if cfg.Ask.MaxSQLCorrectionRetries != 3 {
		t.Errorf("correction retries = %d, want 3", cfg.Ask.MaxSQLCorrectionRetries)
	}
	if cfg.Ask.QueryCacheMaxSize != 1000 {
		t.Errorf("cache maxsize = %d, want 1000", cfg.Ask.QueryCacheMaxSize)
	}
	if cfg.Ask.QueryCacheTTLSeconds != 3600 {
		t.Errorf("cache ttl = %d, want 3600", cfg.Ask.QueryCacheTTLSeconds)
	}
	if got := cfg.Retrieval.Historical.Threshold; got != 0.9 {
		t.Errorf("historical threshold = %v, want 0.9", got)
	}
	if got := cfg.Retrieval.SQLPairs.Threshold; got != 0.7 {
		t.Errorf("sql_pairs threshold = %v, want 0.7", got)
	}
	if got := cfg.Retrieval.Columns.TopK; got != 100 {
		t.Errorf("columns top_k = %v, want 100", got)
	}
	if cfg.Retrieval.SQLFunctions.Enabled {
		t.Errorf("sql_functions index enabled without the feature flag")
	}
}

func TestLoadFrom_YAMLAndOverride(t *testing.T) {
	home := t.TempDir()
	yaml := `
bind_addr: 127.0.0.1:7000
ask:
  max_sql_correction_retries: 5
  allow_sql_functions_retrieval: true
retrieval:
  historical:
    enabled: true
    top_k: 4
    threshold: 0.95
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Errorf("NeedsGenesis set despite config.yaml present")
	}
	if cfg.BindAddr != "127.0.0.1:7000" {
		t.Errorf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.Ask.MaxSQLCorrectionRetries != 5 {
		t.Errorf("correction retries = %d, want 5", cfg.Ask.MaxSQLCorrectionRetries)
	}
	if got := cfg.Retrieval.Historical.Threshold; got != 0.95 {
		t.Errorf("historical threshold = %v, want 0.95", got)
	}
	if got := cfg.Retrieval.Historical.TopK; got != 4 {
		t.Errorf("historical top_k = %v, want 4", got)
	}
	if !cfg.Retrieval.SQLFunctions.Enabled {
		t.Errorf("sql_functions index should follow allow_sql_functions_retrieval")
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FINCH_MAX_SQL_CORRECTION_RETRIES", "1")
	t.Setenv("FINCH_LLM_MODEL", "test-model")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Ask.MaxSQLCorrectionRetries != 1 {
		t.Errorf("correction retries = %d, want 1", cfg.Ask.MaxSQLCorrectionRetries)
	}
	if cfg.LLM.Model != "test-model" {
		t.Errorf("llm model = %q, want test-model", cfg.LLM.Model)
	}
}

func TestLoadFrom_InvalidThreshold(t *testing.T) {
	home := t.TempDir()
	yaml := `
retrieval:
  sql_pairs:
    threshold: 1.5
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFrom(home)
	// normalize clamps >1 thresholds rather than rejecting them.
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Retrieval.SQLPairs.Threshold != 1 {
		t.Errorf("threshold = %v, want clamped to 1", cfg.Retrieval.SQLPairs.Threshold)
	}
}

func TestFingerprint_TracksResultAffectingSettings(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("identical configs produced different fingerprints")
	}
	b.Ask.MaxSQLCorrectionRetries = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Errorf("fingerprint unchanged after retry budget change")
	}
	c := defaultConfig()
	c.LLM.Model = "other-model"
	if a.Fingerprint() == c.Fingerprint() {
		t.Errorf("fingerprint unchanged after model change")
	}
	d := defaultConfig()
	d.BindAddr = "0.0.0.0:1"
	if a.Fingerprint() != d.Fingerprint() {
		t.Errorf("fingerprint changed for a setting that does not affect results")
	}
}
