package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.RateLimit.RequestsPerMinute != 30 {
		t.Errorf("Expected default requests per minute to be 30, got %d", config.RateLimit.RequestsPerMinute)
	}
	if config.RateLimit.MinDelay != 2*time.Second {
		t.Errorf("Expected default min delay to be 2s, got %v", config.RateLimit.MinDelay)
	}
	if config.Pool.LeaseTTL != 120*time.Second {
		t.Errorf("Expected default lease ttl to be 120s, got %v", config.Pool.LeaseTTL)
	}
	if config.Pool.HeartbeatInterval >= config.Pool.LeaseTTL {
		t.Errorf("Heartbeat interval %v must be below lease ttl %v", config.Pool.HeartbeatInterval, config.Pool.LeaseTTL)
	}
	if config.Runner.Concurrency != 5 || config.Runner.NSplits != 5 {
		t.Errorf("Expected concurrency 5 and n_splits 5, got %d and %d", config.Runner.Concurrency, config.Runner.NSplits)
	}
	if config.Resume.Mode != ResumeModeHybridSafe {
		t.Errorf("Expected default resume mode %s, got %s", ResumeModeHybridSafe, config.Resume.Mode)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("XSCRAPER_DB_PATH", "/tmp/xs/state.db")
	t.Setenv("XSCRAPER_CONCURRENCY", "8")
	t.Setenv("XSCRAPER_REQUESTS_PER_MINUTE", "12")
	t.Setenv("XSCRAPER_MIN_DELAY", "3s")
	t.Setenv("XSCRAPER_RESUME_MODE", "db_cursor")
	t.Setenv("XSCRAPER_STRICT", "true")
	t.Setenv("XSCRAPER_LOG_LEVEL", "debug")

	config := DefaultConfig()
	if err := config.LoadFromEnv(); err != nil {
		t.Fatalf("Failed to load from environment: %v", err)
	}

	if config.Storage.DBPath != "/tmp/xs/state.db" {
		t.Errorf("Expected db path /tmp/xs/state.db, got %s", config.Storage.DBPath)
	}
	if config.Runner.Concurrency != 8 {
		t.Errorf("Expected concurrency 8, got %d", config.Runner.Concurrency)
	}
	if config.RateLimit.RequestsPerMinute != 12 {
		t.Errorf("Expected requests per minute 12, got %d", config.RateLimit.RequestsPerMinute)
	}
	if config.RateLimit.MinDelay != 3*time.Second {
		t.Errorf("Expected min delay 3s, got %v", config.RateLimit.MinDelay)
	}
	if config.Resume.Mode != ResumeModeDBCursor {
		t.Errorf("Expected resume mode db_cursor, got %s", config.Resume.Mode)
	}
	if !config.Runner.Strict {
		t.Error("Expected strict mode to be enabled")
	}
	if config.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", config.Logging.Level)
	}
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("XSCRAPER_LEASE_TTL", "soon")

	config := DefaultConfig()
	if err := config.LoadFromEnv(); err == nil {
		t.Error("Expected an error for an unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantError bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{
			name:      "heartbeat not below ttl",
			mutate:    func(c *Config) { c.Pool.HeartbeatInterval = c.Pool.LeaseTTL },
			wantError: true,
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Runner.Concurrency = 0 },
			wantError: true,
		},
		{
			name:      "page size too large",
			mutate:    func(c *Config) { c.Runner.PageSize = 500 },
			wantError: true,
		},
		{
			name:      "unknown resume mode",
			mutate:    func(c *Config) { c.Resume.Mode = "latest" },
			wantError: true,
		},
		{
			name:      "unknown repair strategy",
			mutate:    func(c *Config) { c.Runner.RepairStrategy = "browser" },
			wantError: true,
		},
		{
			name:      "invalid log level",
			mutate:    func(c *Config) { c.Logging.Level = "invalid" },
			wantError: true,
		},
		{
			name:      "json output",
			mutate:    func(c *Config) { c.Output.Format = "JSON" },
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantError {
				t.Errorf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestMergeCommandLineFlags(t *testing.T) {
	config := DefaultConfig()

	config.MergeCommandLineFlags(map[string]interface{}{
		"db":           "/flag/state.db",
		"concurrency":  3,
		"splits":       0,
		"resume-mode":  "legacy_csv",
		"output":       "/flag/output",
		"strict":       true,
		"metrics-addr": ":9999",
		"log-level":    "error",
	})

	if config.Storage.DBPath != "/flag/state.db" {
		t.Errorf("Expected db path /flag/state.db, got %s", config.Storage.DBPath)
	}
	if config.Runner.Concurrency != 3 {
		t.Errorf("Expected concurrency 3, got %d", config.Runner.Concurrency)
	}
	if config.Runner.NSplits != 5 {
		t.Errorf("Zero splits flag should keep the default, got %d", config.Runner.NSplits)
	}
	if config.Resume.Mode != ResumeModeLegacyCSV {
		t.Errorf("Expected resume mode legacy_csv, got %s", config.Resume.Mode)
	}
	if config.Output.Directory != "/flag/output" {
		t.Errorf("Expected output directory /flag/output, got %s", config.Output.Directory)
	}
	if !config.Runner.Strict {
		t.Error("Expected strict to be set")
	}
	if !config.Metrics.Enabled || config.Metrics.Addr != ":9999" {
		t.Errorf("Expected metrics on :9999, got enabled=%v addr=%s", config.Metrics.Enabled, config.Metrics.Addr)
	}
	if config.Logging.Level != "error" {
		t.Errorf("Expected log level error, got %s", config.Logging.Level)
	}
}

func TestSaveAndLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.yaml")

	config := DefaultConfig()
	config.Runner.Concurrency = 9
	config.Pool.LeaseTTL = 90 * time.Second
	config.Manifest.URL = "https://example.com/manifest.json"

	if err := config.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded := DefaultConfig()
	if err := loaded.LoadFromFile(configPath); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.Runner.Concurrency != 9 {
		t.Errorf("Expected loaded concurrency 9, got %d", loaded.Runner.Concurrency)
	}
	if loaded.Pool.LeaseTTL != 90*time.Second {
		t.Errorf("Expected loaded lease ttl 90s, got %v", loaded.Pool.LeaseTTL)
	}
	if loaded.Manifest.URL != "https://example.com/manifest.json" {
		t.Errorf("Expected manifest url to round-trip, got %s", loaded.Manifest.URL)
	}
}

func TestLoadWithFlags(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XSCRAPER_CONCURRENCY", "4")

	config, err := Load("", map[string]interface{}{"concurrency": 2})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if config.Runner.Concurrency != 2 {
		t.Errorf("Flags should win over env, got concurrency %d", config.Runner.Concurrency)
	}
}
