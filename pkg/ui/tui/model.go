package tui

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"xscraper/pkg/models"
)

// WorkerState is the lifecycle state of one account worker
type WorkerState int

const (
	WorkerActive WorkerState = iota
	WorkerStopped
)

// WorkerItem is one leased account as seen by the dashboard
type WorkerItem struct {
	ID             string
	Username       string
	State          WorkerState
	Pages          int
	Items          int
	LastStatus     int
	StartTime      time.Time
	StopTime       time.Time
	CooldownReason string
}

// Model represents the TUI model
type Model struct {
	// UI components
	spinner  spinner.Model
	progress progress.Model

	// Worker state
	workers       map[string]*WorkerItem
	workerOrder   []string
	activeWorkers int
	maxWorkers    int

	// Run totals
	totalItems       int
	limit            int
	stats            models.RunStats
	sessionStartTime time.Time
	finalStatus      string

	// UI state
	width          int
	height         int
	showHelp       bool
	logMessages    []LogMessage
	maxLogMessages int

	mu sync.RWMutex
}

// LogMessage represents a log entry
type LogMessage struct {
	Time    time.Time
	Level   string
	Message string
	Color   lipgloss.Color
}

// NewModel creates a dashboard for up to maxWorkers accounts. A positive
// limit shows collection progress against it.
func NewModel(maxWorkers, limit int) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(neonCyan)

	p := progress.New(progress.WithDefaultGradient())
	p.Width = 40

	return Model{
		spinner:          s,
		progress:         p,
		workers:          make(map[string]*WorkerItem),
		workerOrder:      []string{},
		maxWorkers:       maxWorkers,
		limit:            limit,
		sessionStartTime: time.Now(),
		logMessages:      []LogMessage{},
		maxLogMessages:   50,
	}
}

// Init initializes the model
func (m *Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// AddWorker registers a worker that just started on an account
func (m *Model) AddWorker(id, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workers[id]; !ok {
		m.workerOrder = append(m.workerOrder, id)
	}
	m.workers[id] = &WorkerItem{
		ID:        id,
		Username:  username,
		State:     WorkerActive,
		StartTime: time.Now(),
	}
	m.activeWorkers++
}

// RecordPage counts a fetched page for a worker
func (m *Model) RecordPage(id string, statusCode, newItems, totalItems int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[id]; ok {
		w.Pages++
		w.Items += newItems
		w.LastStatus = statusCode
	}
	if totalItems > m.totalItems {
		m.totalItems = totalItems
	}
}

// FinishTask stores the latest run stats
func (m *Model) FinishTask(stats models.RunStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = stats
}

// StopWorker marks a worker as done with its lease
func (m *Model) StopWorker(id, cooldownReason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[id]; ok && w.State == WorkerActive {
		w.State = WorkerStopped
		w.StopTime = time.Now()
		w.CooldownReason = cooldownReason
		m.activeWorkers--
	}
}

// Finish records the final run status
func (m *Model) Finish(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalStatus = status
}

// AddLogMessage adds a log message
func (m *Model) AddLogMessage(level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	color := dimWhite
	switch level {
	case "ERROR":
		color = lipgloss.Color("#FF0000")
	case "WARN":
		color = neonOrange
	case "SUCCESS":
		color = neonGreen
	case "INFO":
		color = neonCyan
	}

	m.logMessages = append(m.logMessages, LogMessage{
		Time:    time.Now(),
		Level:   level,
		Message: message,
		Color:   color,
	})

	if len(m.logMessages) > m.maxLogMessages {
		m.logMessages = m.logMessages[len(m.logMessages)-m.maxLogMessages:]
	}
}

// GetActiveWorkers returns workers still holding their lease, in start order
func (m *Model) GetActiveWorkers() []*WorkerItem {
	return m.workersIn(WorkerActive)
}

// GetStoppedWorkers returns workers that released their lease, in start order
func (m *Model) GetStoppedWorkers() []*WorkerItem {
	return m.workersIn(WorkerStopped)
}

func (m *Model) workersIn(state WorkerState) []*WorkerItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*WorkerItem
	for _, id := range m.workerOrder {
		if w := m.workers[id]; w != nil && w.State == state {
			out = append(out, w)
		}
	}
	return out
}

// ItemsPerMinute is the collection rate since the dashboard started
func (m *Model) ItemsPerMinute() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elapsed := time.Since(m.sessionStartTime).Minutes()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.totalItems) / elapsed
}

// LimitProgress returns the collected fraction of the limit, or -1 without
// a limit
func (m *Model) LimitProgress() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.limit <= 0 {
		return -1
	}
	p := float64(m.totalItems) / float64(m.limit)
	if p > 1 {
		p = 1
	}
	return p
}

// FormatRate formats an items-per-minute rate
func FormatRate(perMinute float64) string {
	return fmt.Sprintf("%.1f/min", perMinute)
}
