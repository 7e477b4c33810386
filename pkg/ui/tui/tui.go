package tui

import (
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"xscraper/pkg/models"
	"xscraper/pkg/runner"
)

var _ runner.Observer = (*TUI)(nil)

// TUI is a full-screen run dashboard fed by runner callbacks
type TUI struct {
	program *tea.Program
	model   *Model

	// messages before Start go straight to the model; the program has no
	// reader until Run
	mu      sync.Mutex
	started bool
}

// NewTUI creates a dashboard for a run with maxWorkers concurrent accounts
func NewTUI(maxWorkers, limit int) *TUI {
	model := NewModel(maxWorkers, limit)
	program := tea.NewProgram(&model, tea.WithAltScreen())

	return &TUI{
		program: program,
		model:   &model,
	}
}

// Start runs the dashboard until the user quits
func (t *TUI) Start() error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()

	go func() {
		time.Sleep(100 * time.Millisecond)
		t.program.Send(TickMsg(time.Now()))
	}()

	_, err := t.program.Run()
	return err
}

// Stop stops the TUI gracefully
func (t *TUI) Stop() {
	t.program.Quit()
}

// Send sends a message to the TUI
func (t *TUI) Send(msg tea.Msg) {
	t.mu.Lock()
	if !t.started {
		t.model.Update(msg)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if t.program != nil {
		t.program.Send(msg)
	}
}

func (t *TUI) WorkerStarted(workerID, username string) {
	t.Send(WorkerStartMsg{WorkerID: workerID, Username: username})
}

func (t *TUI) PageFetched(workerID string, statusCode, newItems, totalItems int) {
	t.Send(PageMsg{WorkerID: workerID, StatusCode: statusCode, NewItems: newItems, TotalItems: totalItems})
}

func (t *TUI) TaskFinished(workerID, outcome string, stats models.RunStats) {
	t.Send(TaskMsg{WorkerID: workerID, Outcome: outcome, Stats: stats})
}

func (t *TUI) WorkerStopped(workerID, username, cooldownReason string) {
	t.Send(WorkerStopMsg{WorkerID: workerID, Username: username, CooldownReason: cooldownReason})
}

// Done shows the final run status. The dashboard stays up until the user quits.
func (t *TUI) Done(status string, items int) {
	t.Send(RunDoneMsg{Status: status, Items: items})
}

// Log sends a log message to the TUI
func (t *TUI) Log(level, format string, args ...interface{}) {
	t.Send(LogMsg{Level: level, Message: fmt.Sprintf(format, args...)})
}

// LogInfo logs an info message
func (t *TUI) LogInfo(format string, args ...interface{}) {
	t.Log("INFO", format, args...)
}

// LogSuccess logs a success message
func (t *TUI) LogSuccess(format string, args ...interface{}) {
	t.Log("SUCCESS", format, args...)
}

// LogWarning logs a warning message
func (t *TUI) LogWarning(format string, args ...interface{}) {
	t.Log("WARN", format, args...)
}

// LogError logs an error message
func (t *TUI) LogError(format string, args ...interface{}) {
	t.Log("ERROR", format, args...)
}
