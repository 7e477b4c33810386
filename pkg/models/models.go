package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Account status values. Any other stored value is a cached HTTP status.
const (
	StatusUnusable = 0
	StatusUsable   = 1
)

// Account is one credential set in the pool. Nullable columns are pointers.
type Account struct {
	ID              int64    `db:"id" json:"id"`
	Username        string   `db:"username" json:"username"`
	AuthToken       *string  `db:"auth_token" json:"auth_token,omitempty"`
	CSRF            *string  `db:"csrf" json:"csrf,omitempty"`
	Bearer          *string  `db:"bearer" json:"bearer,omitempty"`
	CookiesJSON     *string  `db:"cookies_json" json:"cookies_json,omitempty"`
	ProxyJSON       *string  `db:"proxy_json" json:"proxy_json,omitempty"`
	Status          *int     `db:"status" json:"status,omitempty"`
	AvailableTil    *float64 `db:"available_til" json:"available_til,omitempty"`
	CooldownReason  *string  `db:"cooldown_reason" json:"cooldown_reason,omitempty"`
	LastErrorCode   *int     `db:"last_error_code" json:"last_error_code,omitempty"`
	LeaseID         *string  `db:"lease_id" json:"lease_id,omitempty"`
	LeaseRunID      *string  `db:"lease_run_id" json:"lease_run_id,omitempty"`
	LeaseWorkerID   *string  `db:"lease_worker_id" json:"lease_worker_id,omitempty"`
	LeaseAcquiredAt *float64 `db:"lease_acquired_at" json:"lease_acquired_at,omitempty"`
	LeaseExpiresAt  *float64 `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	Busy            bool     `db:"busy" json:"busy"`
	DailyRequests   int      `db:"daily_requests" json:"daily_requests"`
	DailyItems      int      `db:"daily_items" json:"daily_items"`
	LastResetDate   *string  `db:"last_reset_date" json:"last_reset_date,omitempty"`
	TotalItems      int      `db:"total_items" json:"total_items"`
	LastUsed        *float64 `db:"last_used" json:"last_used,omitempty"`
}

// Key identifies the account for once-per-run bookkeeping: username, else
// auth token, else row id.
func (a Account) Key() string {
	if u := strings.TrimSpace(a.Username); u != "" {
		return "u:" + u
	}
	if t := strings.TrimSpace(Str(a.AuthToken)); t != "" {
		return "t:" + t
	}
	return "id:" + strconv.FormatInt(a.ID, 10)
}

// Cookies decodes CookiesJSON. Both {"name": "value"} objects and
// [{"name": ..., "value": ...}] arrays are accepted.
func (a Account) Cookies() map[string]string {
	return ParseCookies(Str(a.CookiesJSON))
}

// ParseCookies decodes a cookie blob in either map or list form.
func ParseCookies(raw string) map[string]string {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out
	}

	var asMap map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &asMap); err == nil {
		for k, v := range asMap {
			if s, ok := v.(string); ok && strings.TrimSpace(k) != "" {
				out[k] = s
			}
		}
		return out
	}

	var asList []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(raw), &asList); err == nil {
		for _, c := range asList {
			if strings.TrimSpace(c.Name) != "" {
				out[c.Name] = c.Value
			}
		}
	}
	return out
}

// Checkpoint is the resume row for one query hash.
type Checkpoint struct {
	QueryHash string  `db:"query_hash" json:"query_hash"`
	RunID     *string `db:"run_id" json:"run_id,omitempty"`
	Cursor    *string `db:"cursor" json:"cursor,omitempty"`
	Since     string  `db:"since" json:"since"`
	Until     string  `db:"until" json:"until"`
	UpdatedAt float64 `db:"updated_at" json:"updated_at"`
}

// Run statuses
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one search invocation.
type Run struct {
	RunID      string   `db:"run_id" json:"run_id"`
	Status     string   `db:"status" json:"status"`
	StartedAt  float64  `db:"started_at" json:"started_at"`
	FinishedAt *float64 `db:"finished_at" json:"finished_at,omitempty"`
	QueryHash  *string  `db:"query_hash" json:"query_hash,omitempty"`
	ItemsCount int      `db:"items_count" json:"items_count"`
	InputJSON  *string  `db:"input_json" json:"input_json,omitempty"`
	StatsJSON  *string  `db:"stats_json" json:"stats_json,omitempty"`
}

// RunStats are the aggregate counters of a run.
type RunStats struct {
	ItemsCount  int `json:"items_count"`
	TasksTotal  int `json:"tasks_total"`
	TasksDone   int `json:"tasks_done"`
	TasksFailed int `json:"tasks_failed"`
	Retries     int `json:"retries"`
}

// Unresolved is the number of tasks neither done nor failed.
func (s RunStats) Unresolved() int {
	n := s.TasksTotal - s.TasksDone - s.TasksFailed
	if n < 0 {
		return 0
	}
	return n
}

// Error event kinds
const (
	EventSessionBuild = "session_build"
	EventAPIRequest   = "api_request"
)

// ErrorEvent records one failed interaction for the end-of-run summary.
type ErrorEvent struct {
	Kind       string `json:"kind"`
	Username   string `json:"username,omitempty"`
	AccountID  int64  `json:"account_id,omitempty"`
	LeaseID    string `json:"lease_id,omitempty"`
	StatusCode int    `json:"status_code"`
	Category   string `json:"category,omitempty"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Item is one search result. Only ID is interpreted by the runner.
type Item struct {
	ID          string          `json:"id"`
	Username    string          `json:"username"`
	DisplayName string          `json:"display_name"`
	CreatedAt   string          `json:"created_at"`
	Text        string          `json:"text"`
	Replies     int             `json:"replies"`
	Retweets    int             `json:"retweets"`
	Likes       int             `json:"likes"`
	Quotes      int             `json:"quotes"`
	Lang        string          `json:"lang,omitempty"`
	MediaURLs   []string        `json:"media_urls,omitempty"`
	URL         string          `json:"url"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// SearchResponse is the outcome of one upstream page request.
type SearchResponse struct {
	Items      []Item
	NextCursor *string
	Continue   bool
	StatusCode int
	Headers    map[string]string
	Snippet    string
}

// Str dereferences a nullable string.
func Str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Int dereferences a nullable int with a fallback.
func Int(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

// Float dereferences a nullable float.
func Float(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
