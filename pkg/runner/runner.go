package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"xscraper/pkg/checkpoint"
	"xscraper/pkg/cooldown"
	xerrors "xscraper/pkg/errors"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/ratelimit"
	"xscraper/pkg/retry"
	"xscraper/pkg/scheduler"
)

// Result is what a Search run produced.
type Result struct {
	RunID        string
	QueryHash    string
	Status       string
	LimitReached bool
	Items        []models.Item
	Stats        models.RunStats
	Events       []models.ErrorEvent
	// Summary is set when the run collected nothing and had failed or
	// unresolved tasks.
	Summary string
}

// Dependencies are the collaborators of a Runner. Searcher and Pool are
// required; everything else is optional.
type Dependencies struct {
	Searcher    Searcher
	Sessions    SessionBuilder
	Pool        AccountPool
	Runs        RunStore
	Checkpoints CheckpointStore
	Repairer    Repairer
	Observer    Observer
	Cooldown    *cooldown.Policy
	Metrics     *Metrics
	// NewLimiter builds the per-worker pacer. Defaults to a token bucket
	// from Options.
	NewLimiter func() ratelimit.Limiter
	Logger     logger.Logger
	Now        func() time.Time
}

// Runner executes searches over a pool of leased accounts.
type Runner struct {
	deps    Dependencies
	opts    Options
	backoff *retry.TaskBackoff
	logger  logger.Logger
}

// New creates a Runner.
func New(deps Dependencies, opts Options) *Runner {
	opts = opts.normalized()
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Cooldown == nil {
		deps.Cooldown = cooldown.NewPolicy(cooldown.DefaultSettings())
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.NewLimiter == nil {
		rpm, minDelay := opts.RequestsPerMinute, opts.MinDelay
		deps.NewLimiter = func() ratelimit.Limiter {
			return ratelimit.NewTokenBucket(rpm, minDelay)
		}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	backoff := retry.DefaultTaskBackoff()
	backoff.Base, backoff.Max = opts.TaskRetryBase, opts.TaskRetryMax
	return &Runner{
		deps:    deps,
		opts:    opts,
		backoff: backoff,
		logger:  logger.OrDefault(deps.Logger).WithField("component", "runner"),
	}
}

// Options returns the normalized options in use.
func (r *Runner) Options() Options {
	return r.opts
}

// Search runs req to completion. The returned Result is non-nil whenever a
// run was started, including when an error is returned alongside it.
func (r *Runner) Search(ctx context.Context, req models.SearchRequest) (*Result, error) {
	if r.deps.Searcher == nil {
		return nil, &xerrors.EngineError{Message: "no search engine available"}
	}
	if r.deps.Pool == nil {
		return nil, &xerrors.AccountPoolExhaustedError{Message: "no account pool available"}
	}

	req = req.Normalize()
	since, until, err := NormalizeBounds(req.Since, req.Until, r.deps.Now())
	if err != nil {
		return nil, err
	}
	req.Since, req.Until = since, until

	limit := req.Limit
	if limit < 0 {
		limit = 0
	}

	queryHash := strings.TrimSpace(req.QueryHash)
	if queryHash == "" {
		queryHash, err = checkpoint.ComputeQueryHash(req, r.opts.ManifestFingerprint)
		if err != nil {
			return nil, fmt.Errorf("compute query hash: %w", err)
		}
	}
	checkpointing := req.Resume && queryHash != "" && r.deps.Checkpoints != nil

	rs := newRunState(uuid.NewString(), queryHash, limit, checkpointing, r.logger)
	leased := make(map[string]models.Account)
	handedOff := make(map[string]bool)
	var wg sync.WaitGroup

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	setupErr := r.launch(workerCtx, rs, req, &wg, leased, handedOff)
	if setupErr != nil {
		rs.halt()
		cancelWorkers()
	}
	wg.Wait()

	return r.teardown(ctx, rs, setupErr, leased, handedOff)
}

// launch creates the run, plans the tasks, leases accounts and starts one
// worker per lease.
func (r *Runner) launch(ctx context.Context, rs *runState, req models.SearchRequest, wg *sync.WaitGroup, leased map[string]models.Account, handedOff map[string]bool) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &xerrors.EngineError{Message: fmt.Sprintf("run setup panicked: %v", p)}
		}
	}()

	if r.deps.Runs != nil {
		id, err := r.deps.Runs.CreateRun(ctx, rs.queryHash, req)
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		if id != "" {
			rs.id = id
		}
	}

	intervals, err := scheduler.SplitFormatted(req.Since, req.Until, r.opts.NSplits, int(r.opts.MinInterval/time.Second))
	if err != nil {
		return err
	}
	tasks := scheduler.BuildTasksForIntervals(req, rs.id, r.opts.Priority, intervals)
	if cursor := strings.TrimSpace(req.InitialCursor); cursor != "" && len(tasks) > 0 {
		tasks[0].Query.Cursor = models.Ptr(cursor)
	}
	rs.update(func(s *models.RunStats) { s.TasksTotal = len(tasks) })

	logger.LogComponentStart(r.logger, "runner", map[string]interface{}{
		"run_id":      rs.id,
		"query_hash":  rs.queryHash,
		"tasks":       len(tasks),
		"concurrency": r.opts.Concurrency,
		"limit":       rs.limit,
		"resume":      rs.checkpointing,
	})

	accounts, err := r.deps.Pool.AcquireLeases(ctx, r.opts.Concurrency, rs.id, r.opts.WorkerPrefix)
	if err != nil {
		return fmt.Errorf("acquire leases: %w", err)
	}
	if len(accounts) == 0 {
		rs.update(func(s *models.RunStats) { s.TasksFailed = s.TasksTotal })
		return &xerrors.AccountPoolExhaustedError{
			Requested: r.opts.Concurrency,
			Message:   "no eligible account could be leased",
		}
	}
	for _, account := range accounts {
		leaseID := models.Str(account.LeaseID)
		if leaseID != "" {
			leased[leaseID] = account
		}
		r.deps.Metrics.LeasesAcquired.Inc()
		logger.LogLease(r.logger, "acquired", leaseID, account.Username, models.Str(account.LeaseWorkerID))
	}
	if len(accounts) < r.opts.Concurrency {
		r.logger.WarnWithFields("Fewer accounts leased than requested", map[string]interface{}{
			"requested": r.opts.Concurrency,
			"granted":   len(accounts),
		})
	}

	rs.queue.Enqueue(tasks...)

	for idx, account := range accounts {
		if leaseID := models.Str(account.LeaseID); leaseID != "" {
			handedOff[leaseID] = true
		}
		workerID := fmt.Sprintf("acct:%d", idx)
		wg.Add(1)
		go func(account models.Account) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					rs.workerFailed(fmt.Errorf("worker %s panicked: %v", workerID, p))
					r.logger.ErrorWithFields("Worker panicked", map[string]interface{}{
						"worker_id": workerID,
						"panic":     fmt.Sprint(p),
					})
				}
			}()
			if err := r.runWorker(ctx, rs, workerID, account); err != nil {
				rs.workerFailed(err)
				r.logger.WithError(err).WithField("worker_id", workerID).Warn("Worker stopped with error")
			}
		}(account)
	}
	return nil
}

// teardown releases what the workers did not, finalizes the run and builds
// the result.
func (r *Runner) teardown(ctx context.Context, rs *runState, setupErr error, leased map[string]models.Account, handedOff map[string]bool) (*Result, error) {
	bg := context.WithoutCancel(ctx)

	r.emergencyRelease(bg, leased, handedOff)
	rs.queue.CancelPending()
	rs.halt()

	items, stats, events, workerErrs := rs.snapshot()
	limitReached := rs.limit > 0 && stats.ItemsCount >= rs.limit
	status := finalStatus(stats, setupErr, len(workerErrs) > 0, limitReached)

	if r.deps.Runs != nil {
		if err := r.deps.Runs.FinalizeRun(bg, rs.id, status, stats.ItemsCount, stats); err != nil {
			r.logger.WithError(err).WithField("run_id", rs.id).Error("Failed to finalize run")
		}
	}
	if rs.checkpointing && status == models.RunCompleted && !limitReached {
		if err := r.deps.Checkpoints.ClearCheckpoint(bg, rs.queryHash); err != nil {
			r.logger.WithError(err).WithField("query_hash", rs.queryHash).Warn("Failed to clear checkpoint")
		}
	}

	logger.LogMetrics(r.logger, "search", map[string]interface{}{
		"run_id":       rs.id,
		"status":       status,
		"items":        stats.ItemsCount,
		"tasks_total":  stats.TasksTotal,
		"tasks_done":   stats.TasksDone,
		"tasks_failed": stats.TasksFailed,
		"retries":      stats.Retries,
	})
	logger.LogComponentStop(r.logger, "runner", status)

	result := &Result{
		RunID:        rs.id,
		QueryHash:    rs.queryHash,
		Status:       status,
		LimitReached: limitReached,
		Items:        items,
		Stats:        stats,
		Events:       events,
	}

	if setupErr != nil {
		return result, setupErr
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if stats.ItemsCount == 0 && (stats.TasksFailed > 0 || stats.Unresolved() > 0) {
		result.Summary = failureSummary(stats, events)
		if r.opts.Strict {
			return result, &xerrors.RunFailedError{
				Kind:    xerrors.ClassifyRunFailure(result.Summary),
				Summary: result.Summary,
			}
		}
		r.logger.Error(result.Summary)
	}
	return result, nil
}

// emergencyRelease returns leases that never reached a worker.
func (r *Runner) emergencyRelease(ctx context.Context, leased map[string]models.Account, handedOff map[string]bool) {
	var orphaned []string
	for leaseID := range leased {
		if !handedOff[leaseID] {
			orphaned = append(orphaned, leaseID)
		}
	}
	if len(orphaned) == 0 {
		return
	}

	r.logger.WarnWithFields("Emergency lease release", map[string]interface{}{"count": len(orphaned)})
	for _, leaseID := range orphaned {
		account := leased[leaseID]
		released, err := r.deps.Pool.Release(ctx, leaseID, nil, nil)
		switch {
		case err != nil:
			r.logger.WithError(err).WithField("lease_id", leaseID).Warn("Emergency lease release failed")
		case !released:
			r.logger.WithField("lease_id", leaseID).Warn("Emergency lease release found no lease")
		default:
			logger.LogLease(r.logger, "released", leaseID, account.Username, "")
		}
	}
}

func finalStatus(stats models.RunStats, setupErr error, workerFailed, limitReached bool) string {
	switch {
	case setupErr != nil, workerFailed:
		return models.RunFailed
	case limitReached:
		return models.RunCompleted
	case stats.Unresolved() > 0:
		return models.RunFailed
	default:
		return models.RunCompleted
	}
}

// NormalizeBounds resolves since/until to the task timestamp format. A
// date-only until covers the whole day and a missing until means now.
func NormalizeBounds(since, until string, now time.Time) (string, string, error) {
	s, err := scheduler.ParseTimestamp(since, false)
	if err != nil {
		return "", "", &xerrors.ConfigError{Field: "since", Message: err.Error()}
	}
	u := now.UTC().Truncate(time.Second)
	if strings.TrimSpace(until) != "" {
		u, err = scheduler.ParseTimestamp(until, true)
		if err != nil {
			return "", "", &xerrors.ConfigError{Field: "until", Message: err.Error()}
		}
	}
	return scheduler.FormatTimestamp(s), scheduler.FormatTimestamp(u), nil
}
