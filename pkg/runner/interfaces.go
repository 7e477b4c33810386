package runner

import (
	"context"
	"time"

	"xscraper/pkg/models"
	"xscraper/pkg/storage"
	"xscraper/pkg/xapi"
)

// Searcher fetches one page of search results. *xapi.Client implements it.
type Searcher interface {
	Search(ctx context.Context, call xapi.SearchCall) (*models.SearchResponse, error)
}

// SessionBuilder creates the per-account HTTP session. *xapi.SessionBuilder
// implements it.
type SessionBuilder interface {
	Build(ctx context.Context, account models.Account) (*xapi.Session, xapi.SessionMeta, error)
	Close(session *xapi.Session) error
}

// AccountPool is the lease side of the account store. *storage.AccountsRepo
// implements it.
type AccountPool interface {
	AcquireLeases(ctx context.Context, count int, runID, workerPrefix string) ([]models.Account, error)
	Heartbeat(ctx context.Context, leaseID string, extendBy time.Duration) (bool, error)
	Release(ctx context.Context, leaseID string, update *storage.ReleaseUpdate, inc map[string]int) (bool, error)
	RecordUsage(ctx context.Context, leaseID string, pages, items int) error
	UpsertAccount(ctx context.Context, account models.Account) error
}

// RunStore records run bookkeeping. *storage.RunsRepo implements it.
type RunStore interface {
	CreateRun(ctx context.Context, queryHash string, input any) (string, error)
	FinalizeRun(ctx context.Context, runID, status string, itemsCount int, stats any) error
}

// CheckpointStore persists resume cursors. *storage.ResumeRepo implements it.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, queryHash, runID string, cursor *string, since, until string) error
	ClearCheckpoint(ctx context.Context, queryHash string) error
}

// Repairer tries to restore an account that failed authentication. A nil
// account with a nil error means no repair was possible.
type Repairer interface {
	Repair(ctx context.Context, account models.Account, strategy string) (*models.Account, error)
}

// Observer receives progress notifications. Calls come from worker
// goroutines and must not block.
type Observer interface {
	WorkerStarted(workerID, username string)
	PageFetched(workerID string, statusCode, newItems, totalItems int)
	TaskFinished(workerID, outcome string, stats models.RunStats)
	WorkerStopped(workerID, username, cooldownReason string)
}

type nopObserver struct{}

func (nopObserver) WorkerStarted(string, string) {}
func (nopObserver) PageFetched(string, int, int, int) {}
func (nopObserver) TaskFinished(string, string, models.RunStats) {}
func (nopObserver) WorkerStopped(string, string, string) {}
