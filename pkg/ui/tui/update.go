package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"xscraper/pkg/models"
	"xscraper/pkg/runner"
)

// Message types for the TUI

// WorkerStartMsg is sent when a worker starts on a leased account
type WorkerStartMsg struct {
	WorkerID string
	Username string
}

// PageMsg is sent for every page a worker fetched
type PageMsg struct {
	WorkerID   string
	StatusCode int
	NewItems   int
	TotalItems int
}

// TaskMsg is sent when a task is done, retried, failed or continued
type TaskMsg struct {
	WorkerID string
	Outcome  string
	Stats    models.RunStats
}

// WorkerStopMsg is sent when a worker released its lease
type WorkerStopMsg struct {
	WorkerID       string
	Username       string
	CooldownReason string
}

// RunDoneMsg is sent once the run is finalized
type RunDoneMsg struct {
	Status string
	Items  int
}

// LogMsg is sent to add a log message
type LogMsg struct {
	Level   string
	Message string
}

// TickMsg is sent periodically to update the UI
type TickMsg time.Time

// Update handles all messages and updates the model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case TickMsg:
		return m, tea.Batch(tickCmd(), m.spinner.Tick)

	case WorkerStartMsg:
		m.AddWorker(msg.WorkerID, msg.Username)
		m.AddLogMessage("INFO", fmt.Sprintf("%s leased @%s", msg.WorkerID, msg.Username))
		return m, nil

	case PageMsg:
		m.RecordPage(msg.WorkerID, msg.StatusCode, msg.NewItems, msg.TotalItems)
		if msg.StatusCode != 200 {
			m.AddLogMessage("WARN", fmt.Sprintf("%s got status %d", msg.WorkerID, msg.StatusCode))
		}
		return m, nil

	case TaskMsg:
		m.FinishTask(msg.Stats)
		switch msg.Outcome {
		case runner.OutcomeRetried:
			m.AddLogMessage("WARN", fmt.Sprintf("%s stepped aside, task requeued", msg.WorkerID))
		case runner.OutcomeFailed:
			m.AddLogMessage("ERROR", fmt.Sprintf("%s gave up on a task", msg.WorkerID))
		}
		return m, nil

	case WorkerStopMsg:
		m.StopWorker(msg.WorkerID, msg.CooldownReason)
		if msg.CooldownReason != "" {
			m.AddLogMessage("WARN", fmt.Sprintf("@%s cooling down: %s", msg.Username, msg.CooldownReason))
		} else {
			m.AddLogMessage("INFO", fmt.Sprintf("@%s released", msg.Username))
		}
		return m, nil

	case RunDoneMsg:
		m.Finish(msg.Status)
		level := "SUCCESS"
		if msg.Status != models.RunCompleted {
			level = "ERROR"
		}
		m.AddLogMessage(level, fmt.Sprintf("Run %s with %d items (press q to exit)", msg.Status, msg.Items))
		return m, nil

	case LogMsg:
		m.AddLogMessage(msg.Level, msg.Message)
		return m, nil
	}

	return m, nil
}

// handleKeyPress handles keyboard input
func (m *Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "Q", "ctrl+c":
		return m, tea.Quit

	case "?":
		m.showHelp = !m.showHelp
		return m, nil

	case "ctrl+l":
		m.mu.Lock()
		m.logMessages = []LogMessage{}
		m.mu.Unlock()
		return m, nil
	}

	return m, nil
}

// tickCmd returns a command that sends a tick message
func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
