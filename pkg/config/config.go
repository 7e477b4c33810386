package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "XSCRAPER_"

// Config holds all configuration options for the scraper
type Config struct {
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Pool      PoolConfig      `yaml:"pool" json:"pool"`
	Cooldown  CooldownConfig  `yaml:"cooldown" json:"cooldown"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Runner    RunnerConfig    `yaml:"runner" json:"runner"`
	API       APIConfig       `yaml:"api" json:"api"`
	Manifest  ManifestConfig  `yaml:"manifest" json:"manifest"`
	Resume    ResumeConfig    `yaml:"resume" json:"resume"`
	Output    OutputConfig    `yaml:"output" json:"output"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// StorageConfig points at the SQLite state database
type StorageConfig struct {
	DBPath string `yaml:"db_path" json:"db_path"`
}

// PoolConfig controls account leasing and daily quotas
type PoolConfig struct {
	LeaseTTL            time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	DailyPagesLimit     int           `yaml:"daily_pages_limit" json:"daily_pages_limit"`
	DailyItemsLimit     int           `yaml:"daily_items_limit" json:"daily_items_limit"`
	RequireAuthMaterial bool          `yaml:"require_auth_material" json:"require_auth_material"`
	WorkerPrefix        string        `yaml:"worker_prefix" json:"worker_prefix"`
}

// CooldownConfig holds the account cooldown durations
type CooldownConfig struct {
	Default   time.Duration `yaml:"default" json:"default"`
	Transient time.Duration `yaml:"transient" json:"transient"`
	Auth      time.Duration `yaml:"auth" json:"auth"`
	Jitter    time.Duration `yaml:"jitter" json:"jitter"`
}

// RateLimitConfig holds the per-account pacing
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	MinDelay          time.Duration `yaml:"min_delay" json:"min_delay"`
}

// RunnerConfig holds task scheduling and retry settings
type RunnerConfig struct {
	Concurrency         int           `yaml:"concurrency" json:"concurrency"`
	NSplits             int           `yaml:"n_splits" json:"n_splits"`
	MinInterval         time.Duration `yaml:"min_interval" json:"min_interval"`
	PageSize            int           `yaml:"page_size" json:"page_size"`
	TaskRetryBase       time.Duration `yaml:"task_retry_base" json:"task_retry_base"`
	TaskRetryMax        time.Duration `yaml:"task_retry_max" json:"task_retry_max"`
	MaxTaskAttempts     int           `yaml:"max_task_attempts" json:"max_task_attempts"`
	MaxFallbackAttempts int           `yaml:"max_fallback_attempts" json:"max_fallback_attempts"`
	MaxAccountSwitches  int           `yaml:"max_account_switches" json:"max_account_switches"`
	RepairStrategy      string        `yaml:"repair_strategy" json:"repair_strategy"`
	Strict              bool          `yaml:"strict" json:"strict"`
}

// APIConfig holds upstream HTTP settings
type APIConfig struct {
	UserAgent string        `yaml:"user_agent" json:"user_agent"`
	Language  string        `yaml:"language" json:"language"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	Proxy     string        `yaml:"proxy" json:"proxy"`
}

// ManifestConfig says where query ids and feature flags come from
type ManifestConfig struct {
	URL      string        `yaml:"url" json:"url"`
	File     string        `yaml:"file" json:"file"`
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// ResumeConfig selects how a resumed run finds its starting point
type ResumeConfig struct {
	Mode string `yaml:"mode" json:"mode"`
}

// OutputConfig holds output file configuration
type OutputConfig struct {
	Directory string `yaml:"directory" json:"directory"`
	Format    string `yaml:"format" json:"format"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	File   string `yaml:"file" json:"file"`
	Format string `yaml:"format" json:"format"`
}

// Resume modes
const (
	ResumeModeLegacyCSV  = "legacy_csv"
	ResumeModeDBCursor   = "db_cursor"
	ResumeModeHybridSafe = "hybrid_safe"
)

// Repair strategies for accounts rejected with 401/403
const (
	RepairAuto            = "auto"
	RepairTokenOnly       = "token_only"
	RepairCredentialsOnly = "credentials_only"
	RepairNone            = "none"
)

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: filepath.Join(DataDir(), "state.db"),
		},
		Pool: PoolConfig{
			LeaseTTL:          120 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			DailyPagesLimit:   30,
			DailyItemsLimit:   600,
			WorkerPrefix:      "xw",
		},
		Cooldown: CooldownConfig{
			Default:   120 * time.Second,
			Transient: 120 * time.Second,
			Auth:      30 * 24 * time.Hour,
			Jitter:    10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 30,
			MinDelay:          2 * time.Second,
		},
		Runner: RunnerConfig{
			Concurrency:         5,
			NSplits:             5,
			MinInterval:         300 * time.Second,
			PageSize:            20,
			TaskRetryBase:       time.Second,
			TaskRetryMax:        30 * time.Second,
			MaxTaskAttempts:     3,
			MaxFallbackAttempts: 3,
			MaxAccountSwitches:  2,
			RepairStrategy:      RepairNone,
		},
		API: APIConfig{
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Language:  "en",
			Timeout:   20 * time.Second,
		},
		Manifest: ManifestConfig{
			CacheTTL: time.Hour,
			Timeout:  10 * time.Second,
		},
		Resume: ResumeConfig{
			Mode: ResumeModeHybridSafe,
		},
		Output: OutputConfig{
			Directory: "./outputs",
			Format:    "csv",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DataDir returns the directory holding the state database.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "xscraper")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".xscraper"
	}
	return filepath.Join(home, ".local", "share", "xscraper")
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error

	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "MANIFEST_URL"); v != "" {
		c.Manifest.URL = v
	}
	if v := os.Getenv(EnvPrefix + "PROXY"); v != "" {
		c.API.Proxy = v
	}
	if v := os.Getenv(EnvPrefix + "RESUME_MODE"); v != "" {
		c.Resume.Mode = v
	}
	if v := os.Getenv(EnvPrefix + "OUTPUT_DIR"); v != "" {
		c.Output.Directory = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv(EnvPrefix + "STRICT"); v != "" {
		c.Runner.Strict = strings.EqualFold(v, "true") || v == "1"
	}

	errs = append(errs,
		envInt("CONCURRENCY", &c.Runner.Concurrency),
		envInt("N_SPLITS", &c.Runner.NSplits),
		envInt("REQUESTS_PER_MINUTE", &c.RateLimit.RequestsPerMinute),
		envInt("DAILY_PAGES_LIMIT", &c.Pool.DailyPagesLimit),
		envInt("DAILY_ITEMS_LIMIT", &c.Pool.DailyItemsLimit),
		envDuration("MIN_DELAY", &c.RateLimit.MinDelay),
		envDuration("LEASE_TTL", &c.Pool.LeaseTTL),
	)

	return errors.Join(errs...)
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(EnvPrefix + name)
	if raw == "" {
		return nil
	}
	var val int
	if _, err := fmt.Sscanf(raw, "%d", &val); err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	if val > 0 {
		*dst = val
	}
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	raw := os.Getenv(EnvPrefix + name)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = d
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// DefaultPath is where `config init` writes a new file.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "xscraper", "config.yaml")
}

// ResolvePath returns explicit when set, else the first config file found in
// the standard locations, else "".
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return (&Config{}).findConfigFile()
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".xscraper.yaml",
		".xscraper.yml",
		DefaultPath(),
		filepath.Join(os.Getenv("HOME"), ".xscraper.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage db_path is required"))
	}

	if c.Pool.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease ttl must be positive"))
	}
	if c.Pool.HeartbeatInterval <= 0 || c.Pool.HeartbeatInterval >= c.Pool.LeaseTTL {
		errs = append(errs, errors.New("heartbeat interval must be positive and below the lease ttl"))
	}
	if c.Pool.DailyPagesLimit <= 0 || c.Pool.DailyItemsLimit <= 0 {
		errs = append(errs, errors.New("daily limits must be positive"))
	}

	if c.Cooldown.Default < 0 || c.Cooldown.Transient < 0 || c.Cooldown.Auth < 0 || c.Cooldown.Jitter < 0 {
		errs = append(errs, errors.New("cooldown durations cannot be negative"))
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}
	if c.RateLimit.MinDelay < 0 {
		errs = append(errs, errors.New("min delay cannot be negative"))
	}

	if c.Runner.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	if c.Runner.NSplits <= 0 {
		errs = append(errs, errors.New("n_splits must be positive"))
	}
	if c.Runner.PageSize < 1 || c.Runner.PageSize > 100 {
		errs = append(errs, errors.New("page size must be between 1 and 100"))
	}
	if c.Runner.MaxTaskAttempts < 0 || c.Runner.MaxFallbackAttempts < 0 || c.Runner.MaxAccountSwitches < 0 {
		errs = append(errs, errors.New("retry limits cannot be negative"))
	}
	switch c.Runner.RepairStrategy {
	case RepairAuto, RepairTokenOnly, RepairCredentialsOnly, RepairNone:
	default:
		errs = append(errs, fmt.Errorf("invalid repair strategy %q", c.Runner.RepairStrategy))
	}

	switch c.Resume.Mode {
	case ResumeModeLegacyCSV, ResumeModeDBCursor, ResumeModeHybridSafe:
	default:
		errs = append(errs, fmt.Errorf("invalid resume mode %q", c.Resume.Mode))
	}

	switch strings.ToLower(c.Output.Format) {
	case "csv", "json":
	default:
		errs = append(errs, errors.New("output format must be csv or json"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration.
// Zero values are treated as "not set".
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["db"].(string); ok && v != "" {
		c.Storage.DBPath = v
	}
	if v, ok := flags["concurrency"].(int); ok && v > 0 {
		c.Runner.Concurrency = v
	}
	if v, ok := flags["splits"].(int); ok && v > 0 {
		c.Runner.NSplits = v
	}
	if v, ok := flags["resume-mode"].(string); ok && v != "" {
		c.Resume.Mode = v
	}
	if v, ok := flags["output"].(string); ok && v != "" {
		c.Output.Directory = v
	}
	if v, ok := flags["format"].(string); ok && v != "" {
		c.Output.Format = v
	}
	if v, ok := flags["manifest-url"].(string); ok && v != "" {
		c.Manifest.URL = v
	}
	if v, ok := flags["proxy"].(string); ok && v != "" {
		c.API.Proxy = v
	}
	if v, ok := flags["repair"].(string); ok && v != "" {
		c.Runner.RepairStrategy = v
	}
	if v, ok := flags["strict"].(bool); ok && v {
		c.Runner.Strict = true
	}
	if v, ok := flags["metrics-addr"].(string); ok && v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = v
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".xscraper.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
