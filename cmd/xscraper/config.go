package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"xscraper/pkg/auth"
	"xscraper/pkg/config"
	"xscraper/pkg/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage xscraper configuration files.

Configuration is merged from, highest priority first:
  - Command line flags
  - Environment variables (XSCRAPER_*), including .env files
  - Configuration file
  - Default values`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example configuration file",
	Long: `Write an example configuration file with every option and its default.

The file goes to ~/.config/xscraper/config.yaml unless --config names
another path.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigInit(cmd.OutOrStdout())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(nil)
		if err != nil {
			return err
		}
		renderConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show where configuration and state live",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		path := config.ResolvePath(configFile)
		if path == "" {
			path = "(none, defaults in use; 'xscraper config init' writes " + config.DefaultPath() + ")"
		}
		fmt.Fprintf(out, "config:   %s\n", path)
		fmt.Fprintf(out, "database: %s\n", config.DefaultConfig().Storage.DBPath)
		if vault, err := auth.DefaultVaultPath(); err == nil {
			fmt.Fprintf(out, "vault:    %s\n", vault)
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configPathCmd)
}

const exampleConfig = `# xscraper configuration
#
# Every option can also be set through XSCRAPER_* environment variables,
# for example XSCRAPER_DB_PATH, XSCRAPER_CONCURRENCY or XSCRAPER_PROXY.
# Durations use Go syntax: 30s, 2m, 720h.

storage:
  # SQLite state database holding accounts, runs and checkpoints
  db_path: "%s"

pool:
  lease_ttl: 120s
  # must stay below lease_ttl
  heartbeat_interval: 30s
  daily_pages_limit: 30
  daily_items_limit: 600
  # only lease accounts that already hold token, csrf and bearer
  require_auth_material: false
  worker_prefix: "xw"

cooldown:
  default: 120s
  transient: 120s
  # 401/403
  auth: 720h
  jitter: 10s

rate_limit:
  requests_per_minute: 30
  min_delay: 2s

runner:
  concurrency: 5
  n_splits: 5
  min_interval: 300s
  # 1-100
  page_size: 20
  task_retry_base: 1s
  task_retry_max: 30s
  max_task_attempts: 3
  max_fallback_attempts: 3
  max_account_switches: 2
  # auto, token_only, credentials_only, none
  repair_strategy: "none"
  # fail runs that collect nothing
  strict: false

api:
  # user_agent: "Mozilla/5.0 ..."
  language: "en"
  timeout: 20s
  # default proxy for accounts without their own
  proxy: ""

manifest:
  # remote manifest with query ids and feature flags; empty uses the bundled one
  url: ""
  file: ""
  cache_ttl: 1h
  timeout: 10s

resume:
  # legacy_csv, db_cursor, hybrid_safe
  mode: "hybrid_safe"

output:
  directory: "./outputs"
  # csv or json (JSON Lines)
  format: "csv"

metrics:
  enabled: false
  addr: ":9464"

logging:
  # debug, info, warn, error
  level: "info"
  # console or json
  format: "console"
  file: ""
`

func runConfigInit(out io.Writer) error {
	path := configFile
	if path == "" {
		path = config.DefaultPath()
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration file already exists: %s", path)
	}

	if err := os.MkdirAll(dirOf(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	content := fmt.Sprintf(exampleConfig, config.DefaultConfig().Storage.DBPath)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("write configuration file: %w", err)
	}

	fmt.Fprintln(out, ui.Green("Configuration file created: "+path))
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "1. Import accounts with 'xscraper accounts import <file>'")
	fmt.Fprintln(out, "2. Check them with 'xscraper accounts diagnose'")
	fmt.Fprintln(out, "3. Run 'xscraper search --since YYYY-MM-DD --words <term>'")
	return nil
}

func dirOf(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i > 0 {
		return path[:i]
	}
	return "."
}

// renderConfig prints every setting as section.key = value
func renderConfig(w io.Writer, cfg *config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Setting", "Value"})
	for _, kv := range flattenConfig(reflect.ValueOf(*cfg), "") {
		t.AppendRow(table.Row{kv[0], kv[1]})
	}
	t.Render()
}

var durationType = reflect.TypeOf(time.Duration(0))

// flattenConfig walks the config structs by their yaml names. Durations print
// in Go syntax and proxy credentials are redacted.
func flattenConfig(v reflect.Value, prefix string) [][2]string {
	var out [][2]string
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		fv := v.Field(i)
		switch {
		case fv.Kind() == reflect.Struct:
			out = append(out, flattenConfig(fv, key)...)
		case fv.Type() == durationType:
			out = append(out, [2]string{key, time.Duration(fv.Int()).String()})
		case name == "proxy" || name == "url":
			out = append(out, [2]string{key, redactURL(fv.String())})
		default:
			out = append(out, [2]string{key, fmt.Sprintf("%v", fv.Interface())})
		}
	}
	return out
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
