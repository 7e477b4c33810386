package runner

import (
	"fmt"
	"strings"
	"sync"

	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/queue"
)

const (
	maxErrorEvents     = 50
	summaryErrorEvents = 5
	detailLength       = 240
)

// runState is everything shared by the workers of one Search call.
type runState struct {
	id            string
	queryHash     string
	limit         int
	checkpointing bool

	queue    *queue.TaskQueue
	stop     chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	items        []models.Item
	seen         map[string]struct{}
	stats        models.RunStats
	events       []models.ErrorEvent
	workerErrors []error

	repairMu         sync.Mutex
	repairAttempted  map[string]bool
	repairSkipLogged bool
}

func newRunState(runID, queryHash string, limit int, checkpointing bool, log logger.Logger) *runState {
	stop := make(chan struct{})
	return &runState{
		id:              runID,
		queryHash:       queryHash,
		limit:           limit,
		checkpointing:   checkpointing,
		queue:           queue.New(stop, log),
		stop:            stop,
		seen:            make(map[string]struct{}),
		repairAttempted: make(map[string]bool),
	}
}

// halt closes the run-wide stop signal. Safe to call repeatedly.
func (rs *runState) halt() {
	rs.stopOnce.Do(func() { close(rs.stop) })
}

func (rs *runState) stopped() bool {
	select {
	case <-rs.stop:
		return true
	default:
		return false
	}
}

// limitReachedLocked requires rs.mu.
func (rs *runState) limitReachedLocked() bool {
	return rs.limit > 0 && len(rs.items) >= rs.limit
}

func (rs *runState) limitReached() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.limitReachedLocked()
}

// collect appends the items not seen before in this run. Items without an
// id cannot be deduplicated and are always kept.
func (rs *runState) collect(items []models.Item) (added, total int, limitHit bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, item := range items {
		if item.ID != "" {
			if _, dup := rs.seen[item.ID]; dup {
				continue
			}
			rs.seen[item.ID] = struct{}{}
		}
		rs.items = append(rs.items, item)
		added++
	}
	return added, len(rs.items), rs.limitReachedLocked()
}

func (rs *runState) itemCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.items)
}

func (rs *runState) update(fn func(*models.RunStats)) models.RunStats {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fn(&rs.stats)
	return rs.stats
}

func (rs *runState) recordEvent(ev models.ErrorEvent) {
	ev.Detail = truncate(ev.Detail, detailLength)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.events = append(rs.events, ev)
	if len(rs.events) > maxErrorEvents {
		rs.events = append([]models.ErrorEvent(nil), rs.events[len(rs.events)-maxErrorEvents:]...)
	}
}

func (rs *runState) workerFailed(err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.workerErrors = append(rs.workerErrors, err)
}

// claimRepair reports whether key has not had a repair attempt yet in this
// run, and marks it attempted.
func (rs *runState) claimRepair(key string) bool {
	rs.repairMu.Lock()
	defer rs.repairMu.Unlock()
	if rs.repairAttempted[key] {
		return false
	}
	rs.repairAttempted[key] = true
	return true
}

// firstRepairSkip is true exactly once per run.
func (rs *runState) firstRepairSkip() bool {
	rs.repairMu.Lock()
	defer rs.repairMu.Unlock()
	if rs.repairSkipLogged {
		return false
	}
	rs.repairSkipLogged = true
	return true
}

// snapshot copies the results out from under the lock.
func (rs *runState) snapshot() ([]models.Item, models.RunStats, []models.ErrorEvent, []error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	stats := rs.stats
	stats.ItemsCount = len(rs.items)
	return append([]models.Item(nil), rs.items...),
		stats,
		append([]models.ErrorEvent(nil), rs.events...),
		append([]error(nil), rs.workerErrors...)
}

// failureSummary describes a run that collected nothing.
func failureSummary(stats models.RunStats, events []models.ErrorEvent) string {
	lines := []string{
		"run failed to make progress (0 items collected)",
		fmt.Sprintf("stats: tasks_total=%d tasks_done=%d tasks_failed=%d unresolved=%d retries=%d",
			stats.TasksTotal, stats.TasksDone, stats.TasksFailed, stats.Unresolved(), stats.Retries),
	}
	if len(events) > 0 {
		lines = append(lines, "recent_errors:")
		start := max(0, len(events)-summaryErrorEvents)
		for _, ev := range events[start:] {
			username := ev.Username
			if username == "" {
				username = "-"
			}
			status := "-"
			if ev.StatusCode != 0 {
				status = fmt.Sprint(ev.StatusCode)
			}
			detail := ev.Detail
			if detail == "" {
				detail = ev.Reason
			}
			lines = append(lines, fmt.Sprintf("- %s account=%s status=%s detail=%s", ev.Kind, username, status, truncate(detail, detailLength)))
		}
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
