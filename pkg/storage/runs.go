package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"xscraper/pkg/logger"
	"xscraper/pkg/models"
)

const runColumns = `run_id, status, started_at, finished_at, query_hash, items_count, input_json, stats_json`

// RunsRepo records one row per search invocation.
type RunsRepo struct {
	db     *sqlx.DB
	now    func() time.Time
	logger logger.Logger
}

// NewRunsRepo creates a run repository over db.
func NewRunsRepo(db *sqlx.DB, log logger.Logger) *RunsRepo {
	return &RunsRepo{
		db:     db,
		now:    time.Now,
		logger: logger.OrDefault(log).WithField("repo", "runs"),
	}
}

// CreateRun inserts a running row and returns its new id. input is stored
// as JSON.
func (r *RunsRepo) CreateRun(ctx context.Context, queryHash string, input any) (string, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode run input: %w", err)
	}
	runID := uuid.NewString()

	err = withBusyRetry(ctx, r.logger, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO runs (run_id, status, started_at, query_hash, items_count, input_json) VALUES (?, ?, ?, ?, 0, ?)`,
			runID, models.RunRunning, unixSeconds(r.now()), queryHash, string(payload),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return runID, nil
}

// FinalizeRun sets the terminal status of a running row. Rows that are
// already final are left untouched.
func (r *RunsRepo) FinalizeRun(ctx context.Context, runID, status string, itemsCount int, stats any) error {
	var statsJSON *string
	if stats != nil {
		raw, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("encode run stats: %w", err)
		}
		statsJSON = models.Ptr(string(raw))
	}

	err := withBusyRetry(ctx, r.logger, func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, items_count = ?, finished_at = ?, stats_json = COALESCE(?, stats_json)
			WHERE run_id = ? AND status = ?`,
			status, itemsCount, unixSeconds(r.now()), statsJSON, runID, models.RunRunning,
		)
		if err != nil {
			return err
		}
		if ok, _ := affected(res); !ok {
			r.logger.WithField("run_id", runID).Debug("Run already finalized or unknown")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

// GetRun returns the run or nil when absent.
func (r *RunsRepo) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	err := r.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs first.
func (r *RunsRepo) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []models.Run
	if err := r.db.SelectContext(ctx, &runs, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
