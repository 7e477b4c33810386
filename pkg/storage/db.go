package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"xscraper/pkg/logger"
	"xscraper/pkg/retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	busyTimeoutMs   = 5000
	busyMaxAttempts = 6
)

// Store owns the SQLite handle shared by every repository.
type Store struct {
	db     *sqlx.DB
	logger logger.Logger
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string, log logger.Logger) (*Store, error) {
	log = logger.OrDefault(log)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// One connection per handle; writers from other handles or processes are
	// serialized by BEGIN IMMEDIATE and the busy timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite3: %w", err)
	}

	store := &Store{db: db, logger: log.WithField("component", "storage")}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func dsn(path string) string {
	params := fmt.Sprintf("_busy_timeout=%d&_foreign_keys=on&_txlock=immediate", busyTimeoutMs)
	if path == ":memory:" {
		return "file::memory:?" + params
	}
	return fmt.Sprintf("file:%s?%s&_journal_mode=WAL", path, params)
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	// m.Close would close the shared *sql.DB, so only the source is released.
	defer src.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			s.logger.Debug("No pending migrations")
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	version, _, _ := m.Version()
	s.logger.WithField("version", version).Info("Migrations applied successfully")
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Accounts returns the account pool repository.
func (s *Store) Accounts(settings AccountsSettings) *AccountsRepo {
	return NewAccountsRepo(s.db, settings, s.logger)
}

// Runs returns the run history repository.
func (s *Store) Runs() *RunsRepo {
	return NewRunsRepo(s.db, s.logger)
}

// Resume returns the checkpoint repository.
func (s *Store) Resume() *ResumeRepo {
	return NewResumeRepo(s.db, s.logger)
}

// Manifests returns the manifest cache repository.
func (s *Store) Manifests() *ManifestRepo {
	return NewManifestRepo(s.db, s.logger)
}

// isSQLiteBusy reports SQLITE_BUSY and SQLITE_LOCKED, including when the
// driver error has been wrapped or flattened to text.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withBusyRetry runs op again while SQLite reports contention beyond the
// driver's own busy timeout.
func withBusyRetry(ctx context.Context, log logger.Logger, op retry.Operation) error {
	return retry.Do(ctx, op, &retry.Config{
		MaxAttempts: busyMaxAttempts,
		Backoff: &retry.ExponentialBackoff{
			BaseDelay:    50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2,
			JitterFactor: 0.25,
		},
		RetryIf: isSQLiteBusy,
		Logger:  log,
	})
}

// inTx runs fn inside a write transaction, committing on success.
func inTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
