package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"xscraper/pkg/auth"
	"xscraper/pkg/checkpoint"
	"xscraper/pkg/config"
	"xscraper/pkg/cooldown"
	xerrors "xscraper/pkg/errors"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/output"
	"xscraper/pkg/runner"
	"xscraper/pkg/ui"
	"xscraper/pkg/ui/tui"
	"xscraper/pkg/xapi"
)

var _ ui.Dashboard = (*tui.TUI)(nil)

// searchFlags are the search command flags
type searchFlags struct {
	since, until string
	query        string
	words        []string
	anyWords     []string
	phrases      []string
	exclude      []string
	from         []string
	to           []string
	mention      []string
	hashtags     []string
	lang         string
	tweetType    string
	display      string
	minLikes     int
	limit        int

	resume       bool
	resumeMode   string
	concurrency  int
	splits       int
	outputDir    string
	format       string
	strict       bool
	metricsAddr  string
	repair       string
	accountsFile string
}

var (
	searchOpts searchFlags
	useTUI     bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a search over the account pool",
	Long: `Run a time-windowed search. The window is split into slices that
leased accounts work through in parallel; results are written to the output
directory as CSV or JSON Lines.

With --resume the run continues from the stored cursor checkpoint or from the
newest row of an existing output file, depending on --resume-mode.`,
	Example: `  # One day of a keyword search
  xscraper search --since 2024-05-01 --until 2024-05-02 --words golang

  # Posts from two users, JSON Lines output, resumable
  xscraper search --since 2024-01-01 --until 2024-02-01 --from alice --from bob --format json --resume

  # Serve prometheus metrics while running
  xscraper search --since 2024-05-01 --hashtag go --metrics-addr :9464`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)

	f := searchCmd.Flags()
	f.StringVar(&searchOpts.since, "since", "", "start of the window (YYYY-MM-DD or YYYY-MM-DD_HH:MM:SS_UTC)")
	f.StringVar(&searchOpts.until, "until", "", "end of the window (default: now)")
	f.StringVar(&searchOpts.query, "query", "", "raw search query, overrides the term flags")
	f.StringSliceVar(&searchOpts.words, "words", nil, "all of these words")
	f.StringSliceVar(&searchOpts.anyWords, "any", nil, "any of these words")
	f.StringSliceVar(&searchOpts.phrases, "phrase", nil, "exact phrases")
	f.StringSliceVar(&searchOpts.exclude, "exclude", nil, "none of these words")
	f.StringSliceVar(&searchOpts.from, "from", nil, "posts from these users")
	f.StringSliceVar(&searchOpts.to, "to", nil, "replies to these users")
	f.StringSliceVar(&searchOpts.mention, "mention", nil, "posts mentioning these users")
	f.StringSliceVar(&searchOpts.hashtags, "hashtag", nil, "any of these hashtags")
	f.StringVar(&searchOpts.lang, "lang", "", "language code")
	f.StringVar(&searchOpts.tweetType, "type", "", "originals_only, replies_only, retweets_only, exclude_replies or exclude_retweets")
	f.StringVar(&searchOpts.display, "display", models.DisplayLatest, "Latest or Top")
	f.IntVar(&searchOpts.minLikes, "min-likes", 0, "minimum likes")
	f.IntVar(&searchOpts.limit, "limit", 0, "stop after this many items (0 = no limit)")

	f.BoolVar(&searchOpts.resume, "resume", false, "continue from the last checkpoint")
	f.StringVar(&searchOpts.resumeMode, "resume-mode", "", "legacy_csv, db_cursor or hybrid_safe")
	f.IntVar(&searchOpts.concurrency, "concurrency", 0, "accounts to lease")
	f.IntVar(&searchOpts.splits, "splits", 0, "slices to split the window into")
	f.StringVarP(&searchOpts.outputDir, "output", "o", "", "output directory")
	f.StringVar(&searchOpts.format, "format", "", "csv or json")
	f.BoolVar(&searchOpts.strict, "strict", false, "fail when the run collects nothing")
	f.StringVar(&searchOpts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.StringVar(&searchOpts.repair, "repair", "", "repair strategy for rejected accounts: auto, token_only, credentials_only, none")
	f.StringVar(&searchOpts.accountsFile, "accounts-file", "", "account file consulted when repairing rejected accounts")
	f.BoolVar(&useTUI, "tui", false, "full-screen dashboard")

	_ = searchCmd.MarkFlagRequired("since")
}

// request builds the search request from the flags
func (s searchFlags) request() models.SearchRequest {
	return models.SearchRequest{
		SearchQuery:     s.query,
		Since:           s.since,
		Until:           s.until,
		AllWords:        s.words,
		AnyWords:        s.anyWords,
		ExactPhrases:    s.phrases,
		ExcludeWords:    s.exclude,
		Hashtags:        s.hashtags,
		FromUsers:       s.from,
		ToUsers:         s.to,
		MentioningUsers: s.mention,
		Lang:            s.lang,
		TweetType:       s.tweetType,
		MinLikes:        s.minLikes,
		DisplayType:     s.display,
		Limit:           s.limit,
		Resume:          s.resume,
	}
}

// configFlags are the overrides the search flags apply to the configuration
func (s searchFlags) configFlags() map[string]interface{} {
	flags := map[string]interface{}{
		"concurrency":  s.concurrency,
		"splits":       s.splits,
		"resume-mode":  s.resumeMode,
		"output":       s.outputDir,
		"format":       s.format,
		"strict":       s.strict,
		"metrics-addr": s.metricsAddr,
		"repair":       s.repair,
	}
	// progress output owns the terminal unless logs were asked for
	if logLevel == "" && !verbose {
		flags["log-level"] = "warn"
	}
	if useTUI && logLevel == "" {
		flags["log-level"] = "error"
	}
	return flags
}

// searchPlan is a request ready to run: resume applied and output resolved
type searchPlan struct {
	Request    models.SearchRequest
	OutputPath string
	Resumed    checkpoint.Start
}

// planSearch fixes the query hash on the request as given, then moves the
// start forward when resuming. The output file name uses the requested
// window so resumed runs append to the same file.
func planSearch(ctx context.Context, cfg *config.Config, req models.SearchRequest, fingerprint string, reader checkpoint.Reader, log logger.Logger) (*searchPlan, error) {
	req = req.Normalize()
	if !req.HasCriteria() {
		return nil, &xerrors.ConfigError{Field: "query", Message: "at least one search term, user or hashtag is required"}
	}

	hash, err := checkpoint.ComputeQueryHash(req, fingerprint)
	if err != nil {
		return nil, err
	}
	req.QueryHash = hash

	until := req.Until
	if until == "" {
		until = "latest"
	}
	name := output.FileName(req, req.Since, until, output.Extension(cfg.Output.Format))
	plan := &searchPlan{
		Request:    req,
		OutputPath: filepath.Join(cfg.Output.Directory, name),
		Resumed:    checkpoint.Start{Since: req.Since},
	}

	if !req.Resume {
		return plan, nil
	}

	csvPath := ""
	if output.Extension(cfg.Output.Format) == "csv" {
		csvPath = plan.OutputPath
	}
	start := checkpoint.NewResolver(reader, log).Resolve(ctx, cfg.Resume.Mode, csvPath, req.Since, hash)
	plan.Resumed = start
	plan.Request.Since = start.Since
	if start.Cursor != nil {
		plan.Request.InitialCursor = *start.Cursor
	}
	return plan, nil
}

func runSearch(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadConfig(searchOpts.configFlags())
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	provider := newManifestProvider(cfg, store, log)
	current := provider.Get(ctx)

	plan, err := planSearch(ctx, cfg, searchOpts.request(), current.Fingerprint, store.Resume(), log)
	if err != nil {
		return err
	}

	metrics, stopMetrics := startMetrics(cfg, log)
	defer stopMetrics()

	opts := runner.OptionsFromConfig(cfg)
	opts.ManifestFingerprint = current.Fingerprint

	label := strings.TrimSuffix(filepath.Base(plan.OutputPath), filepath.Ext(plan.OutputPath))
	var dashboard ui.Dashboard
	var screen *tui.TUI
	if useTUI {
		screen = tui.NewTUI(opts.Concurrency, plan.Request.Limit)
		dashboard = screen
	} else {
		dashboard = ui.NewProgressDisplay(label, plan.Request.Limit, verbose)
	}

	tokens := xapi.NewTokenBootstrap(log)
	deps := runner.Dependencies{
		Searcher:    xapi.NewClient(provider, cfg.Runner.PageSize, log),
		Sessions:    xapi.NewSessionBuilder(sessionConfig(cfg), log),
		Pool:        store.Accounts(accountsSettings(cfg)),
		Runs:        store.Runs(),
		Checkpoints: store.Resume(),
		Repairer: &auth.SourceRepairer{
			Source: repairSource(searchOpts.accountsFile, log),
			Tokens: tokens,
			Logger: log,
		},
		Observer: dashboard,
		Cooldown: cooldown.NewPolicy(cooldown.Settings{
			Default:   cfg.Cooldown.Default,
			Transient: cfg.Cooldown.Transient,
			Auth:      cfg.Cooldown.Auth,
			Jitter:    cfg.Cooldown.Jitter,
		}),
		Metrics: metrics,
		Logger:  log,
	}
	r := runner.New(deps, opts)

	if plan.Resumed.Source != "" {
		dashboard.LogInfo("Resuming from %s at %s", plan.Resumed.Source, plan.Resumed.Since)
	}

	result, runErr := execute(ctx, r, plan.Request, screen, dashboard)

	written := 0
	if result != nil && len(result.Items) > 0 {
		written, err = writeItems(cfg, plan, result.Items)
		if err != nil {
			log.WithError(err).WithField("path", plan.OutputPath).Error("Failed to write results")
			return err
		}
	}

	if result != nil {
		if notifications {
			ui.NewNotifier().NotifyRun(result.RunID, result.Status, result.Stats)
		}
		if !quiet && !useTUI {
			ui.PrintInfo("Output", fmt.Sprintf("%s (%d new rows)", plan.OutputPath, written))
			if result.Summary != "" {
				ui.PrintWarning(result.Summary)
			}
		}
	}

	var exhausted *xerrors.AccountPoolExhaustedError
	if errors.As(runErr, &exhausted) {
		ui.PrintWarning("No account could be leased. Run 'xscraper accounts diagnose' to see why.")
	}
	return runErr
}

// execute runs the search, in the foreground or behind the dashboard
func execute(ctx context.Context, r *runner.Runner, req models.SearchRequest, screen *tui.TUI, dashboard ui.Dashboard) (*runner.Result, error) {
	report := func(result *runner.Result) {
		if result != nil {
			dashboard.Done(result.Status, result.Stats.ItemsCount)
		}
	}

	if screen == nil {
		result, err := r.Search(ctx, req)
		report(result)
		return result, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result *runner.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := r.Search(runCtx, req)
		report(result)
		done <- outcome{result, err}
	}()

	// quitting the dashboard cancels a run still in progress
	if err := screen.Start(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	cancel()
	out := <-done
	return out.result, out.err
}

// writeItems appends when resuming so earlier rows survive
func writeItems(cfg *config.Config, plan *searchPlan, items []models.Item) (int, error) {
	w, err := output.New(cfg.Output.Format, plan.OutputPath, plan.Request.Resume)
	if err != nil {
		return 0, err
	}
	return w.Write(items)
}

func sessionConfig(cfg *config.Config) xapi.SessionConfig {
	return xapi.SessionConfig{
		UserAgent: cfg.API.UserAgent,
		Language:  cfg.API.Language,
		Timeout:   cfg.API.Timeout,
		Proxy:     cfg.API.Proxy,
	}
}

// repairSource is where fresh credentials for rejected accounts come from:
// an account file, the environment and the vault when its passphrase is
// available without prompting.
func repairSource(accountsFile string, log logger.Logger) auth.Source {
	sources := auth.MultiSource{}
	if accountsFile != "" {
		sources = append(sources, auth.NewFileSource(accountsFile))
	}
	sources = append(sources, auth.NewEnvSource())

	resolver := &auth.PassphraseResolver{Keyring: auth.NewKeyringPassphrase()}
	if pass, err := resolver.Resolve(); err == nil {
		if path, err := auth.DefaultVaultPath(); err == nil {
			if vault, err := auth.NewEncryptedFileSource(path, pass); err == nil {
				sources = append(sources, vault)
			} else {
				log.WithError(err).Debug("Vault unavailable for repairs")
			}
		}
	}
	return sources
}

// startMetrics registers the runner collectors and serves them when enabled.
// The returned func shuts the endpoint down.
func startMetrics(cfg *config.Config, log logger.Logger) (*runner.Metrics, func()) {
	if !cfg.Metrics.Enabled {
		return runner.NewMetrics(nil), func() {}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := runner.NewMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("addr", cfg.Metrics.Addr).Error("Metrics endpoint failed")
		}
	}()
	log.WithField("addr", cfg.Metrics.Addr).Info("Serving metrics")

	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
