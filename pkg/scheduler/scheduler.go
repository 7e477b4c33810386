package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"xscraper/pkg/models"
)

// TimestampLayout is the wire format of task bounds, always UTC.
const TimestampLayout = "2006-01-02_15:04:05_UTC"

const dateLayout = "2006-01-02"

// Interval is a half-open slice [Since, Until) of the search window.
type Interval struct {
	Since time.Time
	Until time.Time
}

// Formatted returns both bounds in the wire format.
func (iv Interval) Formatted() (string, string) {
	return FormatTimestamp(iv.Since), FormatTimestamp(iv.Until)
}

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts the wire format, RFC 3339 or a plain date. A plain
// date used as an upper bound resolves to the last second of that day.
func ParseTimestamp(value string, endOfDay bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(TimestampLayout, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(dateLayout, value); err == nil {
		if endOfDay {
			t = t.Add(24*time.Hour - time.Second)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: want YYYY-MM-DD or %s", value, TimestampLayout)
}

// SplitTimeIntervals divides [since, until] into at most n contiguous slices,
// none shorter than minIntervalSeconds (unless the whole range is). The first
// slice starts exactly at since and the last ends exactly at until; inner
// bounds are whole seconds.
func SplitTimeIntervals(since, until time.Time, n, minIntervalSeconds int) []Interval {
	total := int64(until.Sub(since) / time.Second)
	if total <= 0 {
		return []Interval{{Since: since, Until: until}}
	}

	count := max(1, n)
	minSeconds := int64(max(1, minIntervalSeconds))
	allowed := max(1, total/minSeconds)
	if int64(count) > allowed {
		count = int(allowed)
	}

	span := until.Sub(since) / time.Duration(count)
	intervals := make([]Interval, 0, count)
	for i := 0; i < count; i++ {
		start := since
		if i > 0 {
			start = since.Add(span * time.Duration(i)).Truncate(time.Second)
		}
		end := until
		if i < count-1 {
			end = since.Add(span * time.Duration(i+1)).Truncate(time.Second)
		}
		intervals = append(intervals, Interval{Since: start, Until: end})
	}
	return intervals
}

// SplitFormatted is SplitTimeIntervals over wire-format bounds.
func SplitFormatted(since, until string, n, minIntervalSeconds int) ([]Interval, error) {
	s, err := time.Parse(TimestampLayout, since)
	if err != nil {
		return nil, fmt.Errorf("parse since: %w", err)
	}
	u, err := time.Parse(TimestampLayout, until)
	if err != nil {
		return nil, fmt.Errorf("parse until: %w", err)
	}
	return SplitTimeIntervals(s, u, n, minIntervalSeconds), nil
}

// BuildTasksForIntervals creates one fresh task per interval. Every task gets
// its own copy of base.
func BuildTasksForIntervals(base models.SearchRequest, runID string, priority int, intervals []Interval) []*models.Task {
	tasks := make([]*models.Task, 0, len(intervals))
	for _, iv := range intervals {
		since, until := iv.Formatted()
		tasks = append(tasks, &models.Task{
			TaskID:   uuid.NewString(),
			RunID:    runID,
			Priority: priority,
			Query: models.TaskQuery{
				Raw:   cloneRequest(base),
				Since: since,
				Until: until,
			},
		})
	}
	return tasks
}

func cloneRequest(r models.SearchRequest) models.SearchRequest {
	out := r
	out.AllWords = cloneStrings(r.AllWords)
	out.AnyWords = cloneStrings(r.AnyWords)
	out.ExactPhrases = cloneStrings(r.ExactPhrases)
	out.ExcludeWords = cloneStrings(r.ExcludeWords)
	out.Hashtags = cloneStrings(r.Hashtags)
	out.ExcludeHashtags = cloneStrings(r.ExcludeHashtags)
	out.FromUsers = cloneStrings(r.FromUsers)
	out.ToUsers = cloneStrings(r.ToUsers)
	out.MentioningUsers = cloneStrings(r.MentioningUsers)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
