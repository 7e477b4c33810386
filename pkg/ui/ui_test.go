package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"xscraper/pkg/models"
	"xscraper/pkg/runner"
)

func TestProgressDisplay(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressDisplayTo(&buf, "golang", 100, false)

	p.WorkerStarted("w1", "alice")
	p.PageFetched("w1", 200, 20, 20)
	p.TaskFinished("w1", runner.OutcomeRetried, models.RunStats{TasksTotal: 2, Retries: 1})
	p.WorkerStopped("w1", "alice", "rate_limit")

	out := buf.String()
	if !strings.Contains(out, "20 items") {
		t.Errorf("progress line missing item count: %q", out)
	}
	if !strings.Contains(out, "1 retries") || !strings.Contains(out, "1 cooldowns") {
		t.Errorf("progress line missing retries or cooldowns: %q", out)
	}
	if !strings.Contains(out, "[━━━━") {
		t.Errorf("progress line missing bar: %q", out)
	}

	buf.Reset()
	p.Done(models.RunCompleted, 20)
	if !strings.Contains(buf.String(), "Run completed: 20 items for golang") {
		t.Errorf("unexpected summary: %q", buf.String())
	}
}

func TestProgressDisplayVerbose(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressDisplayTo(&buf, "golang", 0, true)

	p.WorkerStarted("w1", "alice")
	p.PageFetched("w1", 429, 0, 0)
	p.TaskFinished("w1", runner.OutcomeContinue, models.RunStats{})
	p.WorkerStopped("w1", "alice", "")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// continued pages are not echoed
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "status 429") {
		t.Errorf("unexpected page line: %q", lines[1])
	}
	if !strings.Contains(lines[2], "@alice released") {
		t.Errorf("unexpected release line: %q", lines[2])
	}
}

type recordingSender struct {
	titles []string
	err    error
}

func (r *recordingSender) Send(title, message string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func TestNotifier(t *testing.T) {
	var buf bytes.Buffer
	sender := &recordingSender{err: errors.New("no display")}
	n := NewNotifierWith(sender, &buf)

	n.NotifyRun("0123456789abcdef", models.RunCompleted, models.RunStats{ItemsCount: 5, TasksDone: 1, TasksTotal: 1})
	n.NotifyRun("abc", models.RunFailed, models.RunStats{})

	if len(sender.titles) != 2 || sender.titles[0] != "Search completed" || sender.titles[1] != "Search failed" {
		t.Errorf("unexpected notifications: %v", sender.titles)
	}
	if !strings.Contains(buf.String(), "run 01234567: 5 items") {
		t.Errorf("unexpected console output: %q", buf.String())
	}

	// nil sender only prints
	quiet := NewNotifierWith(nil, &buf)
	quiet.SendNotification("title", "message")
}
