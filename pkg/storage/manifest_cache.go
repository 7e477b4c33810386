package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"xscraper/pkg/logger"
)

// CachedManifest is one manifest_cache row.
type CachedManifest struct {
	Key       string  `db:"key"`
	Payload   string  `db:"manifest_json"`
	FetchedAt float64 `db:"fetched_at"`
	ExpiresAt float64 `db:"expires_at"`
	ETag      *string `db:"etag"`
}

// ManifestRepo caches fetched manifests by key.
type ManifestRepo struct {
	db     *sqlx.DB
	now    func() time.Time
	logger logger.Logger
}

// NewManifestRepo creates a manifest cache repository over db.
func NewManifestRepo(db *sqlx.DB, log logger.Logger) *ManifestRepo {
	return &ManifestRepo{
		db:     db,
		now:    time.Now,
		logger: logger.OrDefault(log).WithField("repo", "manifest_cache"),
	}
}

// GetCached returns the cached entry for key. Expired entries are returned
// only when allowExpired is set; otherwise nil.
func (r *ManifestRepo) GetCached(ctx context.Context, key string, allowExpired bool) (*CachedManifest, error) {
	var row CachedManifest
	err := r.db.GetContext(ctx, &row,
		`SELECT key, manifest_json, fetched_at, expires_at, etag FROM manifest_cache WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached manifest: %w", err)
	}
	if !allowExpired && row.ExpiresAt <= unixSeconds(r.now()) {
		return nil, nil
	}
	return &row, nil
}

// SetCached stores payload under key for ttl.
func (r *ManifestRepo) SetCached(ctx context.Context, key string, payload []byte, ttl time.Duration, etag string) error {
	if ttl < 0 {
		ttl = 0
	}
	var etagValue *string
	if etag != "" {
		etagValue = &etag
	}

	err := withBusyRetry(ctx, r.logger, func(ctx context.Context) error {
		now := unixSeconds(r.now())
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO manifest_cache (key, manifest_json, fetched_at, expires_at, etag)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				manifest_json = excluded.manifest_json, fetched_at = excluded.fetched_at,
				expires_at = excluded.expires_at, etag = excluded.etag`,
			key, string(payload), now, now+ttl.Seconds(), etagValue,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("set cached manifest: %w", err)
	}
	return nil
}
