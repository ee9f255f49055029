// Package config loads and validates the service configuration from
// config.yaml under the finch home directory, with env var overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelpkg "github.com/finchbase/finch/internal/otel"
)

// LLMConfig holds settings for the generation capability (an
// OpenAI-compatible chat completions endpoint).
type LLMConfig struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"` // transport-level retries on 429/5xx
}

// EmbedderConfig holds settings for the embedding capability.
type EmbedderConfig struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// EngineConfig holds settings for the SQL query engine collaborator that
// serves dry-run validation and execution.
type EngineConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DocStoreConfig holds settings for the external vector index service.
type DocStoreConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// IndexConfig describes one retrieval index: whether it participates in
// context building, how many items to keep, and the similarity floor below
// which items are discarded.
type IndexConfig struct {
	Enabled   bool    `yaml:"enabled"`
	TopK      int     `yaml:"top_k"`
	Threshold float64 `yaml:"threshold"`
}

// RetrievalConfig groups the per-index retrieval settings.
type RetrievalConfig struct {
	Tables       IndexConfig `yaml:"tables"`
	Columns      IndexConfig `yaml:"columns"`
	Historical   IndexConfig `yaml:"historical"`
	SQLPairs     IndexConfig `yaml:"sql_pairs"`
	Instructions IndexConfig `yaml:"instructions"`
	SQLFunctions IndexConfig `yaml:"sql_functions"`
}

// AskConfig holds the orchestration knobs for the asking pipeline.
type AskConfig struct {
	// EngineTimeoutSeconds bounds how long a poll waits before reporting an
	// in-progress task as timed out. The task itself is not aborted.
	EngineTimeoutSeconds int `yaml:"engine_timeout_seconds"`

	MaxSQLCorrectionRetries int `yaml:"max_sql_correction_retries"`

	QueryCacheMaxSize    int `yaml:"query_cache_maxsize"`
	QueryCacheTTLSeconds int `yaml:"query_cache_ttl_seconds"`

	AllowIntentClassification   bool `yaml:"allow_intent_classification"`
	IntentUsesContext           bool `yaml:"intent_uses_context"`
	AllowSQLGenerationReasoning bool `yaml:"allow_sql_generation_reasoning"`
	AllowSQLFunctionsRetrieval  bool `yaml:"allow_sql_functions_retrieval"`
	EnableColumnPruning         bool `yaml:"enable_column_pruning"`
}

// RateLimitConfig bounds gateway request rates per client.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string   `yaml:"bind_addr"`
	LogLevel     string   `yaml:"log_level"`
	AuthToken    string   `yaml:"auth_token"`
	ProjectID    string   `yaml:"project_id"`
	AllowOrigins []string `yaml:"allow_origins"`

	LLM      LLMConfig      `yaml:"llm"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Engine   EngineConfig   `yaml:"engine"`
	DocStore DocStoreConfig `yaml:"doc_store"`

	Ask       AskConfig       `yaml:"ask"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	Otel otelpkg.Config `yaml:"otel"`

	// JanitorSchedule is a 5-field cron expression controlling retention and
	// cache sweeps.
	JanitorSchedule string `yaml:"janitor_schedule"`

	// Retention policy in days. 0 keeps forever.
	RetentionTaskDays   int `yaml:"retention_task_days"`
	RetentionEventsDays int `yaml:"retention_events_days"`

	NeedsGenesis bool `yaml:"-"`
}

// EngineTimeout returns the polling timeout as a duration.
func (c Config) EngineTimeout() time.Duration {
	return time.Duration(c.Ask.EngineTimeoutSeconds) * time.Second
}

// QueryCacheTTL returns the result cache TTL as a duration.
func (c Config) QueryCacheTTL() time.Duration {
	return time.Duration(c.Ask.QueryCacheTTLSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that affect generated
// results. It is folded into cache keys so that entries never survive a
// config change that would alter the answer.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "retries=%d|reasoning=%t|pruning=%t|functions=%t|model=%s|thresholds=%v/%v/%v",
		c.Ask.MaxSQLCorrectionRetries,
		c.Ask.AllowSQLGenerationReasoning,
		c.Ask.EnableColumnPruning,
		c.Ask.AllowSQLFunctionsRetrieval,
		c.LLM.Model,
		c.Retrieval.Historical.Threshold,
		c.Retrieval.SQLPairs.Threshold,
		c.Retrieval.Instructions.Threshold,
	)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Default returns the built-in configuration before any file or environment
// overrides.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:9301",
		LogLevel: "info",
		LLM: LLMConfig{
			BaseURL:        "http://localhost:11434/v1",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
			MaxRetries:     2,
		},
		Embedder: EmbedderConfig{
			BaseURL:        "http://localhost:11434/v1",
			Model:          "text-embedding-3-small",
			TimeoutSeconds: 30,
		},
		Engine: EngineConfig{
			BaseURL:        "http://localhost:8080",
			TimeoutSeconds: 30,
		},
		DocStore: DocStoreConfig{
			BaseURL:        "http://localhost:6333",
			TimeoutSeconds: 10,
		},
		Ask: AskConfig{
			EngineTimeoutSeconds:        30,
			MaxSQLCorrectionRetries:     3,
			QueryCacheMaxSize:           1000,
			QueryCacheTTLSeconds:        3600,
			AllowIntentClassification:   true,
			IntentUsesContext:           false,
			AllowSQLGenerationReasoning: false,
			AllowSQLFunctionsRetrieval:  false,
			EnableColumnPruning:         false,
		},
		Retrieval: RetrievalConfig{
			Tables:       IndexConfig{Enabled: true, TopK: 10, Threshold: 0},
			Columns:      IndexConfig{Enabled: true, TopK: 100, Threshold: 0},
			Historical:   IndexConfig{Enabled: true, TopK: 10, Threshold: 0.9},
			SQLPairs:     IndexConfig{Enabled: true, TopK: 10, Threshold: 0.7},
			Instructions: IndexConfig{Enabled: true, TopK: 10, Threshold: 0.7},
			SQLFunctions: IndexConfig{Enabled: false, TopK: 10, Threshold: 0.7},
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		JanitorSchedule:     "*/5 * * * *",
		RetentionTaskDays:   30,
		RetentionEventsDays: 90,
	}
}

// HomeDir returns the finch data directory, honoring FINCH_HOME.
func HomeDir() string {
	if override := os.Getenv("FINCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".finch")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home directory, applying
// defaults, env overrides, and validation.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create finch home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:9301"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Ask.EngineTimeoutSeconds <= 0 {
		cfg.Ask.EngineTimeoutSeconds = 30
	}
	if cfg.Ask.MaxSQLCorrectionRetries < 0 {
		cfg.Ask.MaxSQLCorrectionRetries = 3
	}
	if cfg.Ask.QueryCacheMaxSize <= 0 {
		cfg.Ask.QueryCacheMaxSize = 1000
	}
	if cfg.Ask.QueryCacheTTLSeconds <= 0 {
		cfg.Ask.QueryCacheTTLSeconds = 3600
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 120
	}
	if cfg.Embedder.TimeoutSeconds <= 0 {
		cfg.Embedder.TimeoutSeconds = 30
	}
	if cfg.Engine.TimeoutSeconds <= 0 {
		cfg.Engine.TimeoutSeconds = 30
	}
	if cfg.DocStore.TimeoutSeconds <= 0 {
		cfg.DocStore.TimeoutSeconds = 10
	}
	if strings.TrimSpace(cfg.JanitorSchedule) == "" {
		cfg.JanitorSchedule = "*/5 * * * *"
	}
	normalizeIndex(&cfg.Retrieval.Tables, 10, 0)
	normalizeIndex(&cfg.Retrieval.Columns, 100, 0)
	normalizeIndex(&cfg.Retrieval.Historical, 10, 0.9)
	normalizeIndex(&cfg.Retrieval.SQLPairs, 10, 0.7)
	normalizeIndex(&cfg.Retrieval.Instructions, 10, 0.7)
	normalizeIndex(&cfg.Retrieval.SQLFunctions, 10, 0.7)
	// The functions index follows the feature flag rather than its own toggle.
	cfg.Retrieval.SQLFunctions.Enabled = cfg.Ask.AllowSQLFunctionsRetrieval
}

func normalizeIndex(idx *IndexConfig, topK int, threshold float64) {
	if idx.TopK <= 0 {
		idx.TopK = topK
	}
	if idx.Threshold < 0 {
		idx.Threshold = threshold
	}
	if idx.Threshold > 1 {
		idx.Threshold = 1
	}
}

func validate(cfg *Config) error {
	for name, idx := range map[string]IndexConfig{
		"tables":        cfg.Retrieval.Tables,
		"columns":       cfg.Retrieval.Columns,
		"historical":    cfg.Retrieval.Historical,
		"sql_pairs":     cfg.Retrieval.SQLPairs,
		"instructions":  cfg.Retrieval.Instructions,
		"sql_functions": cfg.Retrieval.SQLFunctions,
	} {
		if idx.Threshold < 0 || idx.Threshold > 1 {
			return fmt.Errorf("retrieval.%s.threshold %v out of range [0,1]", name, idx.Threshold)
		}
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive when enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FINCH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("FINCH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FINCH_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("FINCH_PROJECT_ID"); raw != "" {
		cfg.ProjectID = raw
	}
	if raw := os.Getenv("FINCH_LLM_BASE_URL"); raw != "" {
		cfg.LLM.BaseURL = raw
	}
	if raw := os.Getenv("FINCH_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" {
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = raw
		}
		if cfg.Embedder.APIKey == "" {
			cfg.Embedder.APIKey = raw
		}
	}
	if raw := os.Getenv("FINCH_ENGINE_BASE_URL"); raw != "" {
		cfg.Engine.BaseURL = raw
	}
	if raw := os.Getenv("FINCH_DOC_STORE_BASE_URL"); raw != "" {
		cfg.DocStore.BaseURL = raw
	}
	if raw := os.Getenv("FINCH_MAX_SQL_CORRECTION_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Ask.MaxSQLCorrectionRetries = v
		}
	}
	if raw := os.Getenv("FINCH_ENGINE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Ask.EngineTimeoutSeconds = v
		}
	}
}
