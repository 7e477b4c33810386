package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xscraper/pkg/logger"
	"xscraper/pkg/models"
)

func newTask(id string) *models.Task {
	return &models.Task{TaskID: id}
}

func TestLeaseFIFO(t *testing.T) {
	q := New(nil, logger.NewNopLogger())
	q.Enqueue(newTask("a"), newTask("b"))

	first, err := q.Lease(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "a", first.TaskID)
	assert.NotEmpty(t, first.LeaseID)
	assert.Equal(t, "w1", first.LeaseWorkerID)

	second, err := q.Lease(context.Background(), "w2")
	require.NoError(t, err)
	assert.Equal(t, "b", second.TaskID)
	assert.NotEqual(t, first.LeaseID, second.LeaseID)
}

func TestLeaseKeepsExistingLeaseID(t *testing.T) {
	q := New(nil, logger.NewNopLogger())
	task := newTask("a")
	task.LeaseID = "existing"
	q.Enqueue(task)

	got, err := q.Lease(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "existing", got.LeaseID)
}

func TestLeaseReturnsNilWhenDrained(t *testing.T) {
	q := New(nil, logger.NewNopLogger())

	got, err := q.Lease(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLeaseReturnsNilWhenStopped(t *testing.T) {
	stop := make(chan struct{})
	q := New(stop, logger.NewNopLogger())
	q.Enqueue(newTask("a"))
	close(stop)

	got, err := q.Lease(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRetryRedeliversAfterDelay(t *testing.T) {
	q := New(nil, logger.NewNopLogger())
	task := newTask("a")
	cursor := "c9"

	q.Retry(task, RetryOptions{
		Delay:       30 * time.Millisecond,
		Reason:      "account_auth_error",
		Cursor:      &cursor,
		ErrorCode:   401,
		FallbackInc: 1,
		SwitchInc:   1,
	})

	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, 1, task.FallbackAttempts)
	assert.Equal(t, 1, task.AccountSwitches)
	assert.Equal(t, 401, task.LastErrorCode)
	assert.Equal(t, "account_auth_error", task.LastErrorReason)
	assert.Equal(t, "c9", models.Str(task.Query.Cursor))
	assert.Equal(t, 1, q.Pending())

	start := time.Now()
	got, err := q.Lease(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, got, "lease waits for the pending retry instead of reporting drained")
	assert.Equal(t, "a", got.TaskID)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Equal(t, 0, q.Pending())
}

func TestRetryKeepsCursorWhenNil(t *testing.T) {
	q := New(nil, logger.NewNopLogger())
	task := newTask("a")
	task.Query.Cursor = models.Ptr("keep")

	q.Retry(task, RetryOptions{Delay: time.Hour})
	assert.Equal(t, "keep", models.Str(task.Query.Cursor))
	q.CancelPending()
}

func TestCancelPendingPreventsDelivery(t *testing.T) {
	q := New(nil, logger.NewNopLogger())
	q.Retry(newTask("a"), RetryOptions{Delay: 20 * time.Millisecond})
	require.Equal(t, 1, q.Pending())

	q.CancelPending()
	assert.Equal(t, 0, q.Pending())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, q.Len())

	got, err := q.Lease(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCancelPendingRacesWithZeroDelay(t *testing.T) {
	for i := 0; i < 50; i++ {
		q := New(nil, logger.NewNopLogger())
		q.Retry(newTask("a"), RetryOptions{})
		q.CancelPending()

		// The timer may win the lock before CancelPending; either way the
		// task arrives at most once and nothing stays pending.
		time.Sleep(2 * time.Millisecond)
		assert.Equal(t, 0, q.Pending())
		assert.LessOrEqual(t, q.Len(), 1)
	}
}

func TestStopSuppressesDelayedDelivery(t *testing.T) {
	stop := make(chan struct{})
	q := New(stop, logger.NewNopLogger())
	q.Retry(newTask("a"), RetryOptions{Delay: 10 * time.Millisecond})
	close(stop)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Pending())
}

func TestLeaseHonoursContext(t *testing.T) {
	q := New(nil, logger.NewNopLogger())
	q.Retry(newTask("a"), RetryOptions{Delay: time.Hour})
	defer q.CancelPending()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	got, err := q.Lease(ctx, "w1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, got)
}

func TestEnqueueWakesWaitingLease(t *testing.T) {
	q := New(nil, logger.NewNopLogger())
	q.Retry(newTask("late"), RetryOptions{Delay: time.Hour})
	defer q.CancelPending()

	done := make(chan *models.Task, 1)
	go func() {
		task, _ := q.Lease(context.Background(), "w1")
		done <- task
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(newTask("now"))

	select {
	case task := <-done:
		require.NotNil(t, task)
		assert.Equal(t, "now", task.TaskID)
	case <-time.After(time.Second):
		t.Fatal("lease did not wake up")
	}
}

func TestAckAndFail(t *testing.T) {
	q := New(nil, logger.NewNopLogger())
	task := newTask("a")

	q.Ack(task, models.TaskStats{Pages: 1, Items: 20})
	q.Ack(task, models.TaskStats{Pages: 2, Items: 5})
	assert.Equal(t, models.TaskStats{Pages: 3, Items: 25}, task.Stats)

	q.Fail(task, "fatal_error", 400)
	assert.Equal(t, 400, task.LastErrorCode)
	assert.Equal(t, "fatal_error", task.LastErrorReason)
	assert.Equal(t, 0, q.Len())
}

func TestConcurrentLeasesHandOutEachTaskOnce(t *testing.T) {
	q := New(nil, logger.NewNopLogger())
	for i := 0; i < 100; i++ {
		q.Enqueue(newTask(string(rune('A' + i%26))))
	}

	var (
		mu    sync.Mutex
		count int
		wg    sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Lease(context.Background(), "w")
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, count)
}
