package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"xscraper/pkg/logger"
	"xscraper/pkg/storage"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return sqlx.NewDb(mockDB, "sqlite3"), mock, func() { mockDB.Close() }
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAccountsRepo_AcquireLeases_EmptyPool(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := storage.NewAccountsRepo(db, storage.DefaultAccountsSettings(), logger.NewNopLogger())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE \(status IS NULL OR status IN .+ ORDER BY COALESCE\(last_used, 0\) ASC, id ASC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	leases, err := repo.AcquireLeases(context.Background(), 3, "run", "xw")
	if err != nil {
		t.Fatalf("AcquireLeases() error = %v", err)
	}
	if len(leases) != 0 {
		t.Errorf("expected no leases, got %d", len(leases))
	}

	expectationsMet(t, mock)
}

func TestAccountsRepo_Heartbeat_RetriesBusy(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := storage.NewAccountsRepo(db, storage.DefaultAccountsSettings(), logger.NewNopLogger())

	mock.ExpectExec(`UPDATE accounts SET lease_expires_at = \? WHERE lease_id = \?`).
		WithArgs(sqlmock.AnyArg(), "lease-1").
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})
	mock.ExpectExec(`UPDATE accounts SET lease_expires_at = \? WHERE lease_id = \?`).
		WithArgs(sqlmock.AnyArg(), "lease-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Heartbeat(context.Background(), "lease-1", time.Minute)
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if !ok {
		t.Error("expected heartbeat to find the lease")
	}

	expectationsMet(t, mock)
}

func TestAccountsRepo_Release_ClearsLeaseOnly(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := storage.NewAccountsRepo(db, storage.DefaultAccountsSettings(), logger.NewNopLogger())

	mock.ExpectExec(`UPDATE accounts SET lease_id = NULL, lease_run_id = NULL, lease_worker_id = NULL, lease_acquired_at = NULL, lease_expires_at = NULL, busy = 0, last_used = \? WHERE lease_id = \?`).
		WithArgs(sqlmock.AnyArg(), "lease-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Release(context.Background(), "lease-1", nil, nil)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if ok {
		t.Error("expected unknown lease to report false")
	}

	expectationsMet(t, mock)
}

func TestAccountsRepo_Release_WithCooldownAndCounters(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := storage.NewAccountsRepo(db, storage.DefaultAccountsSettings(), logger.NewNopLogger())

	reason := "transient"
	mock.ExpectExec(`UPDATE accounts SET status = \?, available_til = \?, cooldown_reason = \?, last_error_code = \?, daily_items = COALESCE\(daily_items, 0\) \+ \?, total_items = COALESCE\(total_items, 0\) \+ \?, lease_id = NULL`).
		WithArgs(1, 1234.5, &reason, nil, 2, 5, sqlmock.AnyArg(), "lease-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Release(context.Background(), "lease-1", &storage.ReleaseUpdate{
		Status:         1,
		AvailableTil:   1234.5,
		CooldownReason: &reason,
	}, map[string]int{"total_items": 5, "daily_items": 2})
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !ok {
		t.Error("expected release to report true")
	}

	expectationsMet(t, mock)
}

func TestResumeRepo_SaveCheckpoint_Upserts(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := storage.NewResumeRepo(db, logger.NewNopLogger())

	mock.ExpectExec(`INSERT INTO resume_state .+ ON CONFLICT\(query_hash\) DO UPDATE SET`).
		WithArgs("hash", "run", sqlmock.AnyArg(), "s", "u", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	cursor := "c1"
	if err := repo.SaveCheckpoint(context.Background(), "hash", "run", &cursor, "s", "u"); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	expectationsMet(t, mock)
}

func TestRunsRepo_FinalizeRun_OnlyRunningRows(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := storage.NewRunsRepo(db, logger.NewNopLogger())

	mock.ExpectExec(`UPDATE runs SET status = \?, items_count = \?, finished_at = \?, stats_json = COALESCE\(\?, stats_json\)\s+WHERE run_id = \? AND status = \?`).
		WithArgs("failed", 0, sqlmock.AnyArg(), nil, "run-1", "running").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.FinalizeRun(context.Background(), "run-1", "failed", 0, nil); err != nil {
		t.Fatalf("FinalizeRun() error = %v", err)
	}

	expectationsMet(t, mock)
}
