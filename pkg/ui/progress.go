package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"xscraper/pkg/models"
	"xscraper/pkg/runner"
)

var _ Dashboard = (*ProgressDisplay)(nil)

// ProgressDisplay prints a single self-overwriting progress line for a run.
// In verbose mode every event gets its own line instead.
type ProgressDisplay struct {
	mu        sync.Mutex
	out       io.Writer
	label     string
	limit     int
	items     int
	pages     int
	active    int
	cooldowns int
	stats     models.RunStats
	startTime time.Time
	verbose   bool
}

// NewProgressDisplay creates a console display for one run. A positive limit
// draws a bar against it.
func NewProgressDisplay(label string, limit int, verbose bool) *ProgressDisplay {
	return NewProgressDisplayTo(os.Stdout, label, limit, verbose)
}

// NewProgressDisplayTo is NewProgressDisplay writing to w.
func NewProgressDisplayTo(w io.Writer, label string, limit int, verbose bool) *ProgressDisplay {
	return &ProgressDisplay{
		out:       w,
		label:     label,
		limit:     limit,
		startTime: time.Now(),
		verbose:   verbose,
	}
}

func (p *ProgressDisplay) WorkerStarted(workerID, username string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active++
	if p.verbose {
		fmt.Fprintf(p.out, "%s %s leased @%s\n", Magenta("→"), workerID, username)
		return
	}
	p.printProgress()
}

func (p *ProgressDisplay) PageFetched(workerID string, statusCode, newItems, totalItems int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pages++
	if totalItems > p.items {
		p.items = totalItems
	}
	if p.verbose {
		mark := Green("✓")
		if statusCode != 200 {
			mark = Yellow("⚠")
		}
		fmt.Fprintf(p.out, "%s %s status %d, +%d items (%d total)\n", mark, workerID, statusCode, newItems, totalItems)
		return
	}
	p.printProgress()
}

func (p *ProgressDisplay) TaskFinished(workerID, outcome string, stats models.RunStats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = stats
	if p.verbose && outcome != runner.OutcomeContinue {
		fmt.Fprintf(p.out, "%s %s task %s (%d/%d done)\n", Dim("•"), workerID, outcome, stats.TasksDone, stats.TasksTotal)
		return
	}
	if !p.verbose {
		p.printProgress()
	}
}

func (p *ProgressDisplay) WorkerStopped(workerID, username, cooldownReason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--
	if cooldownReason != "" {
		p.cooldowns++
	}
	if p.verbose {
		if cooldownReason != "" {
			fmt.Fprintf(p.out, "%s @%s cooling down: %s\n", Yellow("⏳"), username, cooldownReason)
		} else {
			fmt.Fprintf(p.out, "%s @%s released\n", Dim("•"), username)
		}
		return
	}
	p.printProgress()
}

// Done prints the run summary
func (p *ProgressDisplay) Done(status string, items int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.startTime)
	mark := Green("✓")
	if status != models.RunCompleted {
		mark = Red("✗")
	}

	fmt.Fprintf(p.out, "\n\n%s Run %s: %d items for %s\n", mark, status, items, p.label)
	fmt.Fprintf(p.out, "  %s %d pages in %s (%.1f items/min)\n",
		Dim("•"), p.pages, formatDuration(elapsed), perMinute(items, elapsed))
	fmt.Fprintf(p.out, "  %s %d/%d tasks done, %d failed, %d retries\n",
		Dim("•"), p.stats.TasksDone, p.stats.TasksTotal, p.stats.TasksFailed, p.stats.Retries)
	if p.cooldowns > 0 {
		fmt.Fprintf(p.out, "  %s %d accounts put on cooldown\n", Dim("•"), p.cooldowns)
	}
}

func (p *ProgressDisplay) LogInfo(format string, args ...interface{}) {
	p.logLine(Cyan("ℹ"), format, args...)
}

func (p *ProgressDisplay) LogSuccess(format string, args ...interface{}) {
	p.logLine(Green("✓"), format, args...)
}

func (p *ProgressDisplay) LogWarning(format string, args ...interface{}) {
	p.logLine(Yellow("⚠"), format, args...)
}

func (p *ProgressDisplay) LogError(format string, args ...interface{}) {
	p.logLine(Red("✗"), format, args...)
}

func (p *ProgressDisplay) logLine(mark, format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\n%s %s\n", mark, fmt.Sprintf(format, args...))
}

// printProgress prints the minimal progress line. Callers hold p.mu.
func (p *ProgressDisplay) printProgress() {
	line := fmt.Sprintf("%s %s %d items • %d pages • %s • %d/%d tasks",
		Cyan(p.label),
		p.bar(),
		p.items,
		p.pages,
		fmt.Sprintf("%.1f/min", perMinute(p.items, time.Since(p.startTime))),
		p.stats.TasksDone,
		p.stats.TasksTotal,
	)
	if p.active > 0 {
		line += fmt.Sprintf(" • %d workers", p.active)
	}
	if p.stats.Retries > 0 {
		line += " • " + Yellow(fmt.Sprintf("%d retries", p.stats.Retries))
	}
	if p.cooldowns > 0 {
		line += " • " + Yellow(fmt.Sprintf("%d cooldowns", p.cooldowns))
	}
	if p.stats.TasksFailed > 0 {
		line += " • " + Red(fmt.Sprintf("%d failed", p.stats.TasksFailed))
	}

	fmt.Fprintf(p.out, "\r%s\r%s", strings.Repeat(" ", 120), line)
}

func (p *ProgressDisplay) bar() string {
	const width = 20
	if p.limit <= 0 {
		return ""
	}
	progress := float64(p.items) / float64(p.limit)
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * width)
	return "[" + strings.Repeat("━", filled) + strings.Repeat("─", width-filled) + "]"
}

func perMinute(n int, elapsed time.Duration) float64 {
	if elapsed.Minutes() <= 0 {
		return 0
	}
	return float64(n) / elapsed.Minutes()
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
