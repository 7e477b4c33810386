package models

// TaskQuery is the slice of the search a task covers.
type TaskQuery struct {
	Raw    SearchRequest `json:"raw"`
	Since  string        `json:"since"`
	Until  string        `json:"until"`
	Cursor *string       `json:"cursor,omitempty"`
}

// TaskStats accumulate as the queue acks a task.
type TaskStats struct {
	Pages int `json:"pages"`
	Items int `json:"items"`
}

// Task is the unit of work handed to workers. A task moves between the queue
// and exactly one worker at a time.
type Task struct {
	TaskID           string    `json:"task_id"`
	RunID            string    `json:"run_id"`
	Priority         int       `json:"priority"`
	Query            TaskQuery `json:"query"`
	Attempt          int       `json:"attempt"`
	FallbackAttempts int       `json:"fallback_attempts"`
	AccountSwitches  int       `json:"account_switches"`
	CursorHistory    []string  `json:"cursor_history,omitempty"`
	LeaseID          string    `json:"lease_id,omitempty"`
	LeaseWorkerID    string    `json:"lease_worker_id,omitempty"`
	LastErrorCode    int       `json:"last_error_code,omitempty"`
	LastErrorReason  string    `json:"last_error_reason,omitempty"`
	Error            string    `json:"error,omitempty"`
	Stats            TaskStats `json:"stats"`
}

// Continuation returns a copy of t positioned at nextCursor, or nil when the
// cursor is empty, unchanged, or already visited by this task. The current
// cursor joins the history. Retry counters carry over; lease fields do not.
func (t *Task) Continuation(nextCursor string) *Task {
	if nextCursor == "" {
		return nil
	}
	current := ""
	if t.Query.Cursor != nil {
		current = *t.Query.Cursor
		if current == nextCursor {
			return nil
		}
	}

	history := make([]string, 0, len(t.CursorHistory)+1)
	seen := make(map[string]struct{}, len(t.CursorHistory)+1)
	for _, c := range t.CursorHistory {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		history = append(history, c)
	}
	if t.Query.Cursor != nil {
		if _, dup := seen[current]; !dup {
			seen[current] = struct{}{}
			history = append(history, current)
		}
	}
	if _, visited := seen[nextCursor]; visited {
		return nil
	}

	next := *t
	next.Query.Cursor = Ptr(nextCursor)
	next.CursorHistory = history
	next.LeaseID = ""
	next.LeaseWorkerID = ""
	return &next
}
