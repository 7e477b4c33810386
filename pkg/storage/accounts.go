package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"xscraper/pkg/auth"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
)

const accountColumns = `id, username, auth_token, csrf, bearer, cookies_json, proxy_json,
	status, available_til, cooldown_reason, last_error_code,
	lease_id, lease_run_id, lease_worker_id, lease_acquired_at, lease_expires_at, busy,
	daily_requests, daily_items, last_reset_date, total_items, last_used`

// reusableStatuses may be leased once their cooldown has passed. Status 0
// marks an account as unusable until re-imported.
var reusableStatuses = []int{models.StatusUsable, 401, 403, 404}

// counterColumns may be incremented on release.
var counterColumns = map[string]bool{
	"daily_requests": true,
	"daily_items":    true,
	"total_items":    true,
}

// AccountsSettings tune lease lifetime and per-account daily budgets.
type AccountsSettings struct {
	LeaseTTL            time.Duration
	DailyPagesLimit     int
	DailyItemsLimit     int
	RequireAuthMaterial bool
	DefaultBearer       string
}

// DefaultAccountsSettings returns the stock pool budgets.
func DefaultAccountsSettings() AccountsSettings {
	return AccountsSettings{
		LeaseTTL:        120 * time.Second,
		DailyPagesLimit: 30,
		DailyItemsLimit: 600,
		DefaultBearer:   auth.DefaultBearerToken,
	}
}

// ReleaseUpdate is written to the account when its lease is returned. A nil
// update only clears the lease.
type ReleaseUpdate struct {
	Status         int
	AvailableTil   float64
	CooldownReason *string
	LastErrorCode  *int
}

// AccountsRepo is the durable account pool.
type AccountsRepo struct {
	db       *sqlx.DB
	settings AccountsSettings
	now      func() time.Time
	logger   logger.Logger
}

// NewAccountsRepo creates an account repository over db.
func NewAccountsRepo(db *sqlx.DB, settings AccountsSettings, log logger.Logger) *AccountsRepo {
	if settings.LeaseTTL <= 0 {
		settings.LeaseTTL = 120 * time.Second
	}
	return &AccountsRepo{
		db:       db,
		settings: settings,
		now:      time.Now,
		logger:   logger.OrDefault(log).WithField("repo", "accounts"),
	}
}

// WithClock replaces the wall clock, for tests.
func (r *AccountsRepo) WithClock(now func() time.Time) *AccountsRepo {
	r.now = now
	return r
}

// Settings returns the repository settings.
func (r *AccountsRepo) Settings() AccountsSettings {
	return r.settings
}

func (r *AccountsRepo) eligibility(now time.Time) (string, []interface{}) {
	ts := unixSeconds(now)
	clauses := []string{
		"(status IS NULL OR status IN (?, ?, ?, ?))",
		"(available_til IS NULL OR available_til <= ?)",
		"(lease_id IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?)",
		"(last_reset_date IS NULL OR last_reset_date != ? OR (COALESCE(daily_requests, 0) < ? AND COALESCE(daily_items, 0) < ?))",
	}
	args := []interface{}{
		reusableStatuses[0], reusableStatuses[1], reusableStatuses[2], reusableStatuses[3],
		ts, ts,
		utcDay(now), r.settings.DailyPagesLimit, r.settings.DailyItemsLimit,
	}

	if r.settings.RequireAuthMaterial {
		clauses = append(clauses,
			"LENGTH(TRIM(COALESCE(auth_token, ''))) > 0",
			"LENGTH(TRIM(COALESCE(csrf, ''))) > 0",
			"LENGTH(TRIM(COALESCE(cookies_json, ''))) > 0",
		)
		if strings.TrimSpace(r.settings.DefaultBearer) == "" {
			clauses = append(clauses, "LENGTH(TRIM(COALESCE(bearer, ''))) > 0")
		}
	}
	return strings.Join(clauses, " AND "), args
}

// AcquireLeases leases up to count eligible accounts for runID, least
// recently used first. Fewer (or zero) leases than requested is not an error.
func (r *AccountsRepo) AcquireLeases(ctx context.Context, count int, runID, workerPrefix string) ([]models.Account, error) {
	if count <= 0 {
		return nil, nil
	}

	var leases []models.Account
	err := withBusyRetry(ctx, r.logger, func(ctx context.Context) error {
		leases = leases[:0]
		return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
			now := r.now()
			where, args := r.eligibility(now)
			query := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + where +
				` ORDER BY COALESCE(last_used, 0) ASC, id ASC LIMIT 1`

			for slot := 0; slot < count; {
				var acct models.Account
				err := tx.GetContext(ctx, &acct, query, args...)
				if errors.Is(err, sql.ErrNoRows) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("select eligible account: %w", err)
				}

				if r.settings.RequireAuthMaterial {
					if _, mErr := auth.PrepareAuthMaterial(acct, r.settings.DefaultBearer); mErr != nil {
						if err := r.markUnusable(ctx, tx, acct, auth.MaterialReason(mErr)); err != nil {
							return err
						}
						continue
					}
				}

				leased, err := r.grantLease(ctx, tx, acct, runID, fmt.Sprintf("%s:%d", workerPrefix, slot), now)
				if err != nil {
					return err
				}
				leases = append(leases, leased)
				slot++
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("acquire leases: %w", err)
	}

	for _, l := range leases {
		logger.LogLease(r.logger, "acquired", models.Str(l.LeaseID), l.Username, models.Str(l.LeaseWorkerID))
	}
	return leases, nil
}

func (r *AccountsRepo) markUnusable(ctx context.Context, tx *sqlx.Tx, acct models.Account, reason string) error {
	query := `UPDATE accounts SET status = 0, available_til = 0, cooldown_reason = ?, last_error_code = 401,
		busy = 0, lease_id = NULL, lease_run_id = NULL, lease_worker_id = NULL,
		lease_acquired_at = NULL, lease_expires_at = NULL
		WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, "unusable:"+reason, acct.ID); err != nil {
		return fmt.Errorf("mark account unusable: %w", err)
	}
	r.logger.WithFields(map[string]interface{}{
		"username": acct.Username,
		"id":       acct.ID,
		"reason":   reason,
	}).Info("Account marked unusable during lease eligibility check")
	return nil
}

func (r *AccountsRepo) grantLease(ctx context.Context, tx *sqlx.Tx, acct models.Account, runID, workerID string, now time.Time) (models.Account, error) {
	leaseID := uuid.NewString()
	ts := unixSeconds(now)
	expires := ts + r.settings.LeaseTTL.Seconds()

	query := `UPDATE accounts SET lease_id = ?, lease_run_id = ?, lease_worker_id = ?,
		lease_acquired_at = ?, lease_expires_at = ?, busy = 1, last_used = ?
		WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, leaseID, runID, workerID, ts, expires, ts, acct.ID); err != nil {
		return acct, fmt.Errorf("grant lease: %w", err)
	}

	acct.LeaseID = models.Ptr(leaseID)
	acct.LeaseRunID = models.Ptr(runID)
	acct.LeaseWorkerID = models.Ptr(workerID)
	acct.LeaseAcquiredAt = models.Ptr(ts)
	acct.LeaseExpiresAt = models.Ptr(expires)
	acct.Busy = true
	acct.LastUsed = models.Ptr(ts)
	return acct, nil
}

// CountEligible counts accounts that AcquireLeases could hand out right now.
func (r *AccountsRepo) CountEligible(ctx context.Context) (int, error) {
	where, args := r.eligibility(r.now())
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM accounts WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("count eligible accounts: %w", err)
	}
	return n, nil
}

// Heartbeat pushes the lease expiry to now+extendBy (the lease TTL when
// extendBy is zero). It reports false when the lease no longer exists.
func (r *AccountsRepo) Heartbeat(ctx context.Context, leaseID string, extendBy time.Duration) (bool, error) {
	if extendBy <= 0 {
		extendBy = r.settings.LeaseTTL
	}
	var ok bool
	err := withBusyRetry(ctx, r.logger, func(ctx context.Context) error {
		expires := unixSeconds(r.now()) + extendBy.Seconds()
		res, err := r.db.ExecContext(ctx, `UPDATE accounts SET lease_expires_at = ? WHERE lease_id = ?`, expires, leaseID)
		if err != nil {
			return err
		}
		ok, err = affected(res)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	return ok, nil
}

// Release returns a lease, applying update and incrementing counters. Only
// daily_requests, daily_items and total_items may be incremented. Releasing
// an unknown lease reports false.
func (r *AccountsRepo) Release(ctx context.Context, leaseID string, update *ReleaseUpdate, inc map[string]int) (bool, error) {
	sets := []string{}
	args := []interface{}{}

	if update != nil {
		sets = append(sets, "status = ?", "available_til = ?", "cooldown_reason = ?", "last_error_code = ?")
		args = append(args, update.Status, update.AvailableTil, update.CooldownReason, update.LastErrorCode)
	}
	columns := make([]string, 0, len(inc))
	for column := range inc {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	for _, column := range columns {
		delta := inc[column]
		if !counterColumns[column] {
			return false, fmt.Errorf("release: column %q cannot be incremented", column)
		}
		sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, 0) + ?", column, column))
		args = append(args, delta)
	}
	sets = append(sets,
		"lease_id = NULL", "lease_run_id = NULL", "lease_worker_id = NULL",
		"lease_acquired_at = NULL", "lease_expires_at = NULL",
		"busy = 0", "last_used = ?",
	)

	var ok bool
	err := withBusyRetry(ctx, r.logger, func(ctx context.Context) error {
		query := `UPDATE accounts SET ` + strings.Join(sets, ", ") + ` WHERE lease_id = ?`
		res, err := r.db.ExecContext(ctx, query, append(append([]interface{}{}, args...), unixSeconds(r.now()), leaseID)...)
		if err != nil {
			return err
		}
		ok, err = affected(res)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return ok, nil
}

// RecordUsage adds one page batch to the lease holder's daily and lifetime
// counters, starting a fresh day when the UTC date has changed.
func (r *AccountsRepo) RecordUsage(ctx context.Context, leaseID string, pages, items int) error {
	err := withBusyRetry(ctx, r.logger, func(ctx context.Context) error {
		today := utcDay(r.now())
		query := `UPDATE accounts SET
			daily_requests = (CASE WHEN last_reset_date = ? THEN COALESCE(daily_requests, 0) ELSE 0 END) + ?,
			daily_items = (CASE WHEN last_reset_date = ? THEN COALESCE(daily_items, 0) ELSE 0 END) + ?,
			total_items = COALESCE(total_items, 0) + ?,
			last_reset_date = ?
			WHERE lease_id = ?`
		_, err := r.db.ExecContext(ctx, query, today, pages, today, items, items, today, leaseID)
		return err
	})
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// GetByUsername returns the account or nil when absent.
func (r *AccountsRepo) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, nil
	}
	var acct models.Account
	err := r.db.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM accounts WHERE username = ? LIMIT 1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", username, err)
	}
	return &acct, nil
}

// List returns every account ordered by id.
func (r *AccountsRepo) List(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	if err := r.db.SelectContext(ctx, &accounts, `SELECT `+accountColumns+` FROM accounts ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
