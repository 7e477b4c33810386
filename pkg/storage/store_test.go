package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xscraper/pkg/models"
)

func TestRunsLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	runs := store.Runs()
	ctx := context.Background()

	runID, err := runs.CreateRun(ctx, "hash-1", map[string]any{"since": "2024-01-01"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := runs.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.RunRunning, run.Status)
	assert.Equal(t, "hash-1", models.Str(run.QueryHash))
	assert.JSONEq(t, `{"since":"2024-01-01"}`, models.Str(run.InputJSON))
	assert.Nil(t, run.FinishedAt)

	stats := models.RunStats{ItemsCount: 7, TasksTotal: 2, TasksDone: 2}
	require.NoError(t, runs.FinalizeRun(ctx, runID, models.RunCompleted, 7, stats))

	// A second finalize on a final row is ignored.
	require.NoError(t, runs.FinalizeRun(ctx, runID, models.RunFailed, 0, nil))

	run, err = runs.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 7, run.ItemsCount)
	assert.NotNil(t, run.FinishedAt)

	var decoded models.RunStats
	require.NoError(t, json.Unmarshal([]byte(models.Str(run.StatsJSON)), &decoded))
	assert.Equal(t, stats, decoded)

	missing, err := runs.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListRunsNewestFirst(t *testing.T) {
	store, _ := openTestStore(t)
	runs := store.Runs()
	ctx := context.Background()

	clock := &testClock{now: baseTime}
	runs.now = clock.Now

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := runs.CreateRun(ctx, fmt.Sprintf("h%d", i), nil)
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Minute)
	}

	got, err := runs.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].RunID)
	assert.Equal(t, ids[1], got[1].RunID)
}

func TestCheckpointUpsert(t *testing.T) {
	store, _ := openTestStore(t)
	resume := store.Resume()
	ctx := context.Background()

	cp, err := resume.GetCheckpoint(ctx, "h")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, resume.SaveCheckpoint(ctx, "h", "run-1", models.Ptr("c1"), "2024-01-01_00:00:00_UTC", "2024-01-02_00:00:00_UTC"))
	require.NoError(t, resume.SaveCheckpoint(ctx, "h", "run-2", models.Ptr("c2"), "2024-01-01_00:00:00_UTC", "2024-01-03_00:00:00_UTC"))

	cp, err = resume.GetCheckpoint(ctx, "h")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "c2", models.Str(cp.Cursor))
	assert.Equal(t, "run-2", models.Str(cp.RunID))
	assert.Equal(t, "2024-01-03_00:00:00_UTC", cp.Until)

	var rows int
	require.NoError(t, store.DB().Get(&rows, `SELECT COUNT(*) FROM resume_state`))
	assert.Equal(t, 1, rows)

	require.NoError(t, resume.SaveCheckpoint(ctx, "h", "run-3", nil, "a", "b"))
	cp, err = resume.GetCheckpoint(ctx, "h")
	require.NoError(t, err)
	assert.Nil(t, cp.Cursor)

	require.NoError(t, resume.ClearCheckpoint(ctx, "h"))
	cp, err = resume.GetCheckpoint(ctx, "h")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestManifestCacheExpiry(t *testing.T) {
	store, _ := openTestStore(t)
	cache := store.Manifests()
	ctx := context.Background()

	clock := &testClock{now: baseTime}
	cache.now = clock.Now

	require.NoError(t, cache.SetCached(ctx, "remote", []byte(`{"version":"v1"}`), time.Hour, `"etag-1"`))

	got, err := cache.GetCached(ctx, "remote", false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"version":"v1"}`, got.Payload)
	assert.Equal(t, `"etag-1"`, models.Str(got.ETag))

	clock.Advance(2 * time.Hour)
	got, err = cache.GetCached(ctx, "remote", false)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = cache.GetCached(ctx, "remote", true)
	require.NoError(t, err)
	require.NotNil(t, got, "stale entries remain readable")

	require.NoError(t, cache.SetCached(ctx, "remote", []byte(`{"version":"v2"}`), time.Hour, ""))
	got, err = cache.GetCached(ctx, "remote", false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"v2"}`, got.Payload)
	assert.Nil(t, got.ETag)
}

func TestIsSQLiteBusy(t *testing.T) {
	assert.True(t, isSQLiteBusy(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, isSQLiteBusy(fmt.Errorf("wrapped: %w", sqlite3.Error{Code: sqlite3.ErrLocked})))
	assert.True(t, isSQLiteBusy(errors.New("database is locked")))
	assert.False(t, isSQLiteBusy(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, isSQLiteBusy(errors.New("no such table")))
	assert.False(t, isSQLiteBusy(nil))
}
