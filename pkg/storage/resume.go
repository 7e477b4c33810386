package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"xscraper/pkg/logger"
	"xscraper/pkg/models"
)

// ResumeRepo keeps at most one checkpoint per query hash.
type ResumeRepo struct {
	db     *sqlx.DB
	now    func() time.Time
	logger logger.Logger
}

// NewResumeRepo creates a checkpoint repository over db.
func NewResumeRepo(db *sqlx.DB, log logger.Logger) *ResumeRepo {
	return &ResumeRepo{
		db:     db,
		now:    time.Now,
		logger: logger.OrDefault(log).WithField("repo", "resume"),
	}
}

// GetCheckpoint returns the checkpoint for queryHash or nil when none exists.
func (r *ResumeRepo) GetCheckpoint(ctx context.Context, queryHash string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := r.db.GetContext(ctx, &cp,
		`SELECT query_hash, run_id, cursor, since, until, updated_at FROM resume_state WHERE query_hash = ?`,
		queryHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

// SaveCheckpoint records the cursor reached for queryHash, replacing any
// previous checkpoint.
func (r *ResumeRepo) SaveCheckpoint(ctx context.Context, queryHash, runID string, cursor *string, since, until string) error {
	err := withBusyRetry(ctx, r.logger, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO resume_state (query_hash, run_id, cursor, since, until, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(query_hash) DO UPDATE SET
				run_id = excluded.run_id, cursor = excluded.cursor, since = excluded.since,
				until = excluded.until, updated_at = excluded.updated_at`,
			queryHash, runID, cursor, since, until, unixSeconds(r.now()),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// ClearCheckpoint removes the checkpoint for queryHash.
func (r *ResumeRepo) ClearCheckpoint(ctx context.Context, queryHash string) error {
	err := withBusyRetry(ctx, r.logger, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM resume_state WHERE query_hash = ?`, queryHash)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
