package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"xscraper/pkg/config"
	"xscraper/pkg/logger"
	"xscraper/pkg/manifest"
	"xscraper/pkg/storage"
	"xscraper/pkg/ui"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile    string
	dbPath        string
	logLevel      string
	notifications bool
	quiet         bool
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "xscraper",
	Short: "Collect search results with a pool of leased accounts",
	Long: `xscraper runs time-windowed searches against the x.com web API.

Features:
  - SQLite-backed account pool with leases, cooldowns and daily quotas
  - Time-sliced task scheduling with per-account rate limiting
  - Checkpoint/resume of interrupted searches
  - Encrypted account vault with the passphrase in the system keychain
  - CSV and JSON Lines output
  - Prometheus metrics and an optional terminal dashboard`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if quiet {
			logLevel = "error"
		} else if verbose {
			logLevel = "debug"
		}

		if cmd.Name() == "search" && !quiet && !useTUI {
			ui.PrintLogo()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ui.PrintError("Error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ~/.config/xscraper/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "state database path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&notifications, "notifications", false, "send a desktop notification when a search ends")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logs and one line per event")

	rootCmd.SetVersionTemplate(`xscraper {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig merges the global flags with extra command flags, loads the
// configuration and initializes the global logger.
func loadConfig(extra map[string]interface{}) (*config.Config, logger.Logger, error) {
	flags := map[string]interface{}{
		"db":        dbPath,
		"log-level": logLevel,
	}
	for k, v := range extra {
		flags[k] = v
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, nil, err
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	return cfg, logger.GetLogger(), nil
}

// openStore opens the state database named by cfg.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (*storage.Store, error) {
	store, err := storage.Open(ctx, cfg.Storage.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", cfg.Storage.DBPath, err)
	}
	return store, nil
}

// accountsSettings maps the pool section onto the repository settings.
func accountsSettings(cfg *config.Config) storage.AccountsSettings {
	settings := storage.DefaultAccountsSettings()
	settings.LeaseTTL = cfg.Pool.LeaseTTL
	settings.DailyPagesLimit = cfg.Pool.DailyPagesLimit
	settings.DailyItemsLimit = cfg.Pool.DailyItemsLimit
	settings.RequireAuthMaterial = cfg.Pool.RequireAuthMaterial
	return settings
}

// newManifestProvider builds the provider backed by the store's manifest cache.
func newManifestProvider(cfg *config.Config, store *storage.Store, log logger.Logger) *manifest.Provider {
	var cache manifest.Cache
	if store != nil {
		cache = store.Manifests()
	}
	return manifest.NewProvider(manifest.Options{
		URL:          cfg.Manifest.URL,
		File:         cfg.Manifest.File,
		CacheTTL:     cfg.Manifest.CacheTTL,
		FetchTimeout: cfg.Manifest.Timeout,
	}, cache, log)
}
