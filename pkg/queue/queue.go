package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"xscraper/pkg/logger"
	"xscraper/pkg/models"
)

// pollInterval bounds how long an idle Lease waits before re-checking the
// stop signal and drain condition.
const pollInterval = 50 * time.Millisecond

// RetryOptions describe how a task is re-delivered.
type RetryOptions struct {
	Delay       time.Duration
	Reason      string
	Cursor      *string
	ErrorCode   int
	FallbackInc int
	SwitchInc   int
}

// TaskQueue is the FIFO shared by all workers of one run. Delayed retries are
// re-delivered on timers unless the queue is cancelled or stopped first.
type TaskQueue struct {
	mu        sync.Mutex
	tasks     []*models.Task
	timers    map[*time.Timer]struct{}
	pending   int
	cancelled bool

	stop   <-chan struct{}
	wake   chan struct{}
	logger logger.Logger
}

// New creates a queue observing stop. A nil stop channel never fires.
func New(stop <-chan struct{}, log logger.Logger) *TaskQueue {
	return &TaskQueue{
		timers: make(map[*time.Timer]struct{}),
		stop:   stop,
		wake:   make(chan struct{}, 1),
		logger: logger.OrDefault(log),
	}
}

// Enqueue appends tasks in order.
func (q *TaskQueue) Enqueue(tasks ...*models.Task) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, tasks...)
	q.mu.Unlock()
	q.signal()
}

// Lease hands the next task to workerID. It returns nil without error when
// the run is stopping or when the queue is drained (empty with no delayed
// retries outstanding).
func (q *TaskQueue) Lease(ctx context.Context, workerID string) (*models.Task, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if q.stopped() {
			return nil, nil
		}

		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()

			if task.LeaseID == "" {
				task.LeaseID = uuid.NewString()
			}
			task.LeaseWorkerID = workerID
			return task, nil
		}
		drained := q.pending == 0
		q.mu.Unlock()

		if drained {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.stop:
			return nil, nil
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// Ack folds the stats of a finished task into its counters.
func (q *TaskQueue) Ack(task *models.Task, stats models.TaskStats) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Stats.Pages += stats.Pages
	task.Stats.Items += stats.Items
}

// Retry bumps the task's counters and re-delivers it after opts.Delay.
func (q *TaskQueue) Retry(task *models.Task, opts RetryOptions) {
	task.Attempt++
	task.FallbackAttempts += opts.FallbackInc
	task.AccountSwitches += opts.SwitchInc
	task.LastErrorCode = opts.ErrorCode
	task.LastErrorReason = opts.Reason
	if opts.Cursor != nil {
		task.Query.Cursor = models.Ptr(*opts.Cursor)
	}

	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled {
		return
	}
	q.pending++

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.deliver(timer, task)
	})
	q.timers[timer] = struct{}{}

	q.logger.DebugWithFields("Task scheduled for retry", map[string]interface{}{
		"task_id": task.TaskID,
		"attempt": task.Attempt,
		"reason":  opts.Reason,
		"delay":   delay.String(),
	})
}

func (q *TaskQueue) deliver(timer *time.Timer, task *models.Task) {
	q.mu.Lock()
	if _, ok := q.timers[timer]; !ok {
		// CancelPending already accounted for this timer.
		q.mu.Unlock()
		return
	}
	delete(q.timers, timer)
	q.pending--
	if q.cancelled || q.stopped() {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	q.signal()
}

// Fail records a terminal failure on the task. The task is not re-queued.
func (q *TaskQueue) Fail(task *models.Task, reason string, code int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.LastErrorCode = code
	task.LastErrorReason = reason
	task.Error = reason
}

// CancelPending stops every outstanding delayed retry.
func (q *TaskQueue) CancelPending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = true
	for timer := range q.timers {
		timer.Stop()
		delete(q.timers, timer)
	}
	q.pending = 0
}

// Len is the number of tasks ready to lease.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Pending is the number of delayed retries not yet delivered.
func (q *TaskQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *TaskQueue) stopped() bool {
	if q.stop == nil {
		return false
	}
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}

func (q *TaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
