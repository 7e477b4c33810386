package runner

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"xscraper/pkg/config"
	xerrors "xscraper/pkg/errors"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/queue"
	"xscraper/pkg/storage"
	"xscraper/pkg/xapi"
)

// Retry reasons recorded on tasks
const (
	ReasonTransient   = "transient_or_rate_limit"
	ReasonAccountAuth = "account_auth_error"
	ReasonFatal       = "fatal_error"
	ReasonRetryLimit  = "retry_limit_exceeded"
)

// leaseWorker is the per-lease state that survives until release.
type leaseWorker struct {
	id      string
	account models.Account
	leaseID string
	log     logger.Logger

	status  int
	headers map[string]string
	session *xapi.Session
}

// runWorker drives one leased account until the queue drains, the run stops
// or the account hits a non-200 response. The lease is always released with
// a cooldown derived from the last status seen.
func (r *Runner) runWorker(ctx context.Context, rs *runState, workerID string, account models.Account) error {
	w := &leaseWorker{
		id:      workerID,
		account: account,
		leaseID: models.Str(account.LeaseID),
		status:  models.StatusUsable,
	}
	w.log = r.logger.WithFields(map[string]interface{}{
		"worker_id":  workerID,
		"username":   account.Username,
		"account_id": account.ID,
		"lease_id":   w.leaseID,
	})

	r.deps.Metrics.ActiveWorkers.Inc()
	r.deps.Observer.WorkerStarted(workerID, account.Username)
	stopHeartbeat := r.startHeartbeat(ctx, w)
	defer func() {
		r.releaseWorker(ctx, w)
		stopHeartbeat()
		r.deps.Metrics.ActiveWorkers.Dec()
	}()

	if !r.buildSession(ctx, rs, w) {
		return nil
	}

	limiter := r.deps.NewLimiter()
	for {
		task, err := rs.queue.Lease(ctx, workerID)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		if rs.limitReached() {
			rs.halt()
			return nil
		}

		if err := limiter.Acquire(ctx); err != nil {
			return err
		}
		resp := r.fetch(ctx, task, w.session)
		if err := ctx.Err(); err != nil {
			return err
		}
		if resp.Headers != nil {
			w.headers = resp.Headers
		}
		if w.leaseID != "" {
			if err := r.deps.Pool.RecordUsage(ctx, w.leaseID, 1, len(resp.Items)); err != nil {
				w.log.WithError(err).Warn("Failed to record account usage")
			}
		}

		if resp.StatusCode == http.StatusOK {
			w.status = models.StatusUsable
			if r.handleSuccess(ctx, rs, w, task, resp) {
				return nil
			}
			continue
		}

		r.handleFailure(ctx, rs, w, task, resp)
		// A failed account steps aside so the retry lands elsewhere.
		return nil
	}
}

// buildSession reports whether the worker may start taking tasks.
func (r *Runner) buildSession(ctx context.Context, rs *runState, w *leaseWorker) bool {
	if r.deps.Sessions == nil {
		return true
	}

	session, meta, err := r.deps.Sessions.Build(ctx, w.account)
	if err == nil {
		w.session = session
		w.log.InfoWithFields("Account session ready", map[string]interface{}{
			"cookie_count": meta.CookieCount,
			"proxied":      meta.Proxied,
		})
		return true
	}

	ev := models.ErrorEvent{
		Kind:      models.EventSessionBuild,
		Username:  w.account.Username,
		AccountID: w.account.ID,
		LeaseID:   w.leaseID,
	}
	var buildErr *xerrors.SessionBuildError
	if errors.As(err, &buildErr) {
		w.status = buildErr.StatusCode
		ev.Category = string(buildErr.Category)
		ev.Code = buildErr.Code
		ev.Reason = buildErr.Reason
	} else {
		w.status = xerrors.StatusNetworkFailure
		ev.Category = string(xerrors.SessionCategoryTransient)
		ev.Code = "session_build_unexpected_error"
		ev.Reason = err.Error()
	}
	ev.StatusCode = w.status
	rs.recordEvent(ev)

	w.log.WarnWithFields("Account session build classified", map[string]interface{}{
		"category":    ev.Category,
		"code":        ev.Code,
		"reason":      ev.Reason,
		"status_code": ev.StatusCode,
	})
	return false
}

// fetch calls the searcher. A collaborator error becomes a 599 response that
// keeps the task's cursor.
func (r *Runner) fetch(ctx context.Context, task *models.Task, session *xapi.Session) *models.SearchResponse {
	resp, err := r.deps.Searcher.Search(ctx, xapi.SearchCall{
		Request:  task.Query.Raw,
		Since:    task.Query.Since,
		Until:    task.Query.Until,
		Cursor:   task.Query.Cursor,
		Session:  session,
		PageSize: r.opts.PageSize,
	})
	if err != nil || resp == nil {
		out := &models.SearchResponse{
			StatusCode: xerrors.StatusNetworkFailure,
			NextCursor: task.Query.Cursor,
			Headers:    map[string]string{},
		}
		if err != nil {
			out.Snippet = truncate(err.Error(), detailLength)
		}
		return out
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	return resp
}

// handleSuccess folds a 200 page into the run. It reports whether the worker
// should stop because the limit was reached.
func (r *Runner) handleSuccess(ctx context.Context, rs *runState, w *leaseWorker, task *models.Task, resp *models.SearchResponse) bool {
	added, total, limitHit := rs.collect(resp.Items)
	r.deps.Metrics.ItemsCollected.Add(float64(added))
	r.deps.Observer.PageFetched(w.id, resp.StatusCode, added, total)
	if limitHit {
		rs.halt()
	}

	if rs.checkpointing {
		err := r.deps.Checkpoints.SaveCheckpoint(ctx, rs.queryHash, rs.id, resp.NextCursor, task.Query.Since, task.Query.Until)
		if err != nil {
			w.log.WithError(err).Warn("Failed to save checkpoint")
		}
	}

	next := models.Str(resp.NextCursor)
	if resp.Continue && next != "" && !limitHit {
		if cont := task.Continuation(next); cont != nil {
			rs.queue.Enqueue(cont)
			r.deps.Metrics.Tasks.WithLabelValues(OutcomeContinue).Inc()
			return false
		}
	}

	rs.queue.Ack(task, models.TaskStats{Pages: 1, Items: added})
	stats := rs.update(func(s *models.RunStats) { s.TasksDone++ })
	r.deps.Metrics.Tasks.WithLabelValues(OutcomeDone).Inc()
	r.deps.Observer.TaskFinished(w.id, OutcomeDone, stats)
	return limitHit
}

// handleFailure classifies a non-200 page and retries or fails the task.
func (r *Runner) handleFailure(ctx context.Context, rs *runState, w *leaseWorker, task *models.Task, resp *models.SearchResponse) {
	code := resp.StatusCode
	w.status = code
	rs.recordEvent(models.ErrorEvent{
		Kind:       models.EventAPIRequest,
		Username:   w.account.Username,
		AccountID:  w.account.ID,
		LeaseID:    w.leaseID,
		StatusCode: code,
		Detail:     resp.Snippet,
	})
	r.deps.Observer.PageFetched(w.id, code, 0, rs.itemCount())

	authFailure := xerrors.IsAuthStatus(code)
	if authFailure && r.repair(ctx, rs, w) {
		w.status = models.StatusUsable
	}

	canRetry := task.Attempt < r.opts.MaxTaskAttempts && task.FallbackAttempts < r.opts.MaxFallbackAttempts
	reason := ReasonTransient
	delay := r.opts.TaskRetryBase
	switchInc := 0
	switch {
	case authFailure:
		reason = ReasonAccountAuth
		switchInc = 1
		canRetry = canRetry && task.AccountSwitches < r.opts.MaxAccountSwitches
	case xerrors.IsTransientStatus(code):
		delay = r.backoff.NextDelay(task.Attempt)
	default:
		reason = ReasonFatal
		canRetry = false
	}

	if canRetry {
		rs.queue.Retry(task, queue.RetryOptions{
			Delay:       delay,
			Reason:      reason,
			Cursor:      resp.NextCursor,
			ErrorCode:   code,
			FallbackInc: 1,
			SwitchInc:   switchInc,
		})
		stats := rs.update(func(s *models.RunStats) { s.Retries++ })
		r.deps.Metrics.TaskRetries.Inc()
		r.deps.Metrics.Tasks.WithLabelValues(OutcomeRetried).Inc()
		r.deps.Observer.TaskFinished(w.id, OutcomeRetried, stats)
		w.log.InfoWithFields("Task scheduled for retry", map[string]interface{}{
			"task_id":     task.TaskID,
			"status_code": code,
			"reason":      reason,
			"delay":       delay.String(),
		})
		return
	}

	failReason := ReasonRetryLimit
	if reason == ReasonFatal {
		failReason = ReasonFatal
	}
	rs.queue.Fail(task, failReason, code)
	stats := rs.update(func(s *models.RunStats) { s.TasksFailed++ })
	r.deps.Metrics.Tasks.WithLabelValues(OutcomeFailed).Inc()
	r.deps.Observer.TaskFinished(w.id, OutcomeFailed, stats)
	w.log.WarnWithFields("Task failed", map[string]interface{}{
		"task_id":     task.TaskID,
		"status_code": code,
		"reason":      failReason,
	})
}

// repair makes at most one attempt per account per run. A repaired account
// is written back to the pool and stays usable.
func (r *Runner) repair(ctx context.Context, rs *runState, w *leaseWorker) bool {
	strategy := r.opts.RepairStrategy
	if r.deps.Repairer == nil || strategy == config.RepairNone {
		if rs.firstRepairSkip() {
			w.log.WithField("strategy", strategy).Info("Account repair skipped")
		}
		return false
	}
	if !rs.claimRepair(w.account.Key()) {
		return false
	}

	repaired, err := r.deps.Repairer.Repair(ctx, w.account, strategy)
	if err != nil {
		w.log.WithError(err).Warn("Account repair failed")
		return false
	}
	if repaired == nil {
		w.log.WithField("strategy", strategy).Info("Account repair not possible")
		return false
	}
	if err := r.deps.Pool.UpsertAccount(ctx, *repaired); err != nil {
		w.log.WithError(err).Warn("Failed to store repaired account")
		return false
	}
	w.log.WithField("strategy", strategy).Info("Account repair succeeded")
	return true
}

// releaseWorker returns the lease with the cooldown for the last status and
// closes the session.
func (r *Runner) releaseWorker(ctx context.Context, w *leaseWorker) {
	ctx = context.WithoutCancel(ctx)
	reason := ""

	if w.leaseID != "" {
		outcome := r.deps.Cooldown.Compute(w.status, w.headers)
		reason = outcome.Reason
		update := &storage.ReleaseUpdate{
			Status:       outcome.Status,
			AvailableTil: outcome.AvailableTil,
		}
		if outcome.Reason != "" {
			update.CooldownReason = models.Ptr(outcome.Reason)
			r.deps.Metrics.AccountCooldowns.WithLabelValues(outcome.Reason).Inc()
		}
		if w.status != models.StatusUsable {
			update.LastErrorCode = models.Ptr(w.status)
		}

		w.log.InfoWithFields("Account cooldown decision", map[string]interface{}{
			"status_code": w.status,
			"next_status": outcome.Status,
			"reason":      outcome.Reason,
		})
		logger.LogCooldown(w.log, w.account.Username, w.status, outcome.Reason, outcome.AvailableTil)

		released, err := r.deps.Pool.Release(ctx, w.leaseID, update, nil)
		switch {
		case err != nil:
			w.log.WithError(err).Error("Failed to release lease")
		case !released:
			w.log.Warn("Lease already gone at release")
		default:
			logger.LogLease(w.log, "released", w.leaseID, w.account.Username, w.id)
		}
	}

	if w.session != nil && r.deps.Sessions != nil {
		if err := r.deps.Sessions.Close(w.session); err != nil {
			w.log.WithError(err).Debug("Failed to close session")
		}
	}
	r.deps.Observer.WorkerStopped(w.id, w.account.Username, reason)
}

// startHeartbeat renews the lease every HeartbeatInterval until the returned
// stop function is called. A lease that is gone ends the heartbeat but not
// the worker.
func (r *Runner) startHeartbeat(ctx context.Context, w *leaseWorker) func() {
	interval := r.opts.HeartbeatInterval
	if w.leaseID == "" || interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			renewed, err := r.deps.Pool.Heartbeat(ctx, w.leaseID, r.opts.LeaseTTL)
			if err != nil {
				w.log.WithError(err).Warn("Account heartbeat failed")
				continue
			}
			if !renewed {
				w.log.WithField("detail", "lease_not_found").Warn("Account heartbeat failed")
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}
}
