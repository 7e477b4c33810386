package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"xscraper/pkg/models"
)

// View renders the entire TUI
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	var sections []string
	sections = append(sections, m.renderLogo())

	mainContent := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderLeftColumn(),
		"  ",
		m.renderRightColumn(),
	)
	sections = append(sections, mainContent)

	if m.showHelp {
		sections = append(sections, m.renderHelp())
	} else {
		sections = append(sections, helpStyle.Render("Press ? for help"))
	}

	return baseStyle.Width(m.width).Height(m.height).Render(
		lipgloss.JoinVertical(lipgloss.Left, sections...),
	)
}

func (m *Model) renderLogo() string {
	logo := `
╔═══════════════════════════════════════════════════════╗
║ ██╗  ██╗███████╗ ██████╗██████╗  █████╗ ██████╗ ███████╗║
║ ╚██╗██╔╝██╔════╝██╔════╝██╔══██╗██╔══██╗██╔══██╗██╔════╝║
║  ╚███╔╝ ███████╗██║     ██████╔╝███████║██████╔╝█████╗  ║
║  ██╔██╗ ╚════██║██║     ██╔══██╗██╔══██║██╔═══╝ ██╔══╝  ║
║ ██╔╝ ██╗███████║╚██████╗██║  ██║██║  ██║██║     ███████╗║
║ ╚═╝  ╚═╝╚══════╝ ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝╚═╝     ╚══════╝║
║            ACCOUNT POOL SEARCH COLLECTOR              ║
╚═══════════════════════════════════════════════════════╝`

	return logoStyle.Width(m.width).Render(logo)
}

func (m *Model) renderLeftColumn() string {
	width := (m.width - 4) / 2
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatsPanel(width),
		m.renderWorkersPanel(width),
	)
}

func (m *Model) renderRightColumn() string {
	width := (m.width - 4) / 2
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderCooldownPanel(width),
		m.renderLogsPanel(width),
	)
}

func (m *Model) renderStatsPanel(width int) string {
	rate := m.ItemsPerMinute()
	fraction := m.LimitProgress()

	m.mu.RLock()
	defer m.mu.RUnlock()

	title := titleStyle.Render(" RUN STATS ")

	stats := []string{
		fmt.Sprintf("%s %s", statsLabelStyle.Render("Session Time:"), statsValueStyle.Render(formatDuration(time.Since(m.sessionStartTime)))),
		fmt.Sprintf("%s %s", statsLabelStyle.Render("Items:"), statsValueStyle.Render(fmt.Sprintf("%d", m.totalItems))),
		fmt.Sprintf("%s %s", statsLabelStyle.Render("Rate:"), speedStyle.Render(FormatRate(rate))),
		fmt.Sprintf("%s %s", statsLabelStyle.Render("Tasks:"), statsValueStyle.Render(fmt.Sprintf("%d/%d done", m.stats.TasksDone, m.stats.TasksTotal))),
		fmt.Sprintf("%s %s", statsLabelStyle.Render("Failed:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TasksFailed))),
		fmt.Sprintf("%s %s", statsLabelStyle.Render("Retries:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.Retries))),
		fmt.Sprintf("%s %s", statsLabelStyle.Render("Workers:"), statsValueStyle.Render(fmt.Sprintf("%d/%d", m.activeWorkers, m.maxWorkers))),
	}

	if fraction >= 0 {
		p := m.progress
		p.Width = width - 8
		stats = append(stats, "", p.ViewAs(fraction))
	}

	switch m.finalStatus {
	case "":
		stats = append(stats, "", m.spinner.View()+" collecting")
	case models.RunCompleted:
		stats = append(stats, "", successStyle.Render("✓ COMPLETED"))
	default:
		stats = append(stats, "", errorStyle.Render("✗ "+strings.ToUpper(m.finalStatus)))
	}

	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, stats...)),
	)
}

func (m *Model) renderWorkersPanel(width int) string {
	title := titleStyle.Render(" ACTIVE WORKERS ")

	active := m.GetActiveWorkers()
	if len(active) == 0 {
		content := lipgloss.NewStyle().Foreground(dimWhite).Render("No leased accounts")
		return panelStyle.Width(width).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, content),
		)
	}

	var rows []string
	for _, w := range active {
		rows = append(rows, renderWorkerItem(w))
	}

	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, rows...)),
	)
}

func renderWorkerItem(w *WorkerItem) string {
	status := "-"
	if w.LastStatus != 0 {
		status = fmt.Sprintf("%d", w.LastStatus)
	}
	return fmt.Sprintf("%s %s %s",
		queueItemActiveStyle.Render("@"+w.Username),
		lipgloss.NewStyle().Foreground(dimWhite).Render(fmt.Sprintf("%d pages, %d items", w.Pages, w.Items)),
		GetStatusStyle(w.LastStatus).Render(status),
	)
}

func (m *Model) renderCooldownPanel(width int) string {
	title := titleStyle.Render(" RELEASED ACCOUNTS ")

	stopped := m.GetStoppedWorkers()

	var items []string
	cooling := 0
	for _, w := range stopped {
		if w.CooldownReason != "" {
			cooling++
		}
	}
	if cooling > 0 {
		items = append(items, warningStyle.Render(fmt.Sprintf("⏳ %d cooling down", cooling)))
	}
	if released := len(stopped) - cooling; released > 0 {
		items = append(items, successStyle.Render(fmt.Sprintf("✓ %d released clean", released)))
	}

	start := len(stopped) - 5
	if start < 0 {
		start = 0
	}
	for _, w := range stopped[start:] {
		if w.CooldownReason != "" {
			items = append(items, queueItemStyle.Render(fmt.Sprintf("• @%s %s", w.Username, w.CooldownReason)))
		} else {
			items = append(items, queueItemCompletedStyle.Render("✓ @"+w.Username))
		}
	}

	if len(items) == 0 {
		items = append(items, lipgloss.NewStyle().Foreground(dimWhite).Render("None yet"))
	}

	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, items...)),
	)
}

func (m *Model) renderLogsPanel(width int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	title := titleStyle.Render(" RUN LOG ")

	start := len(m.logMessages) - 10
	if start < 0 {
		start = 0
	}

	maxMsgLen := width - 25
	var logs []string
	for _, entry := range m.logMessages[start:] {
		timestamp := logTimestampStyle.Render(entry.Time.Format("15:04:05"))
		level := lipgloss.NewStyle().Foreground(entry.Color).Bold(true).Render(fmt.Sprintf("[%-7s]", entry.Level))

		msg := entry.Message
		if maxMsgLen > 3 && len(msg) > maxMsgLen {
			msg = msg[:maxMsgLen-3] + "..."
		}
		logs = append(logs, fmt.Sprintf("%s %s %s", timestamp, level, logMessageStyle.Render(msg)))
	}

	content := strings.Join(logs, "\n")
	if content == "" {
		content = lipgloss.NewStyle().Foreground(dimWhite).Render("No logs yet...")
	}

	logsHeight := m.height - 35
	if logsHeight < 5 {
		logsHeight = 5
	}

	return panelStyle.Width(width).Height(logsHeight).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, content),
	)
}

func (m *Model) renderHelp() string {
	help := `
  Navigation:
    q/Q      - Quit the dashboard
    ctrl+l   - Clear the log
    ?        - Toggle this help

  Status Indicators:
    ` + successStyle.Render("Green") + `    - 200 / released clean
    ` + warningStyle.Render("Orange") + `   - Rate limited / cooling down
    ` + errorStyle.Render("Red") + `      - Auth or server error

  Icons:
    ⏳       - Account cooling down
    ✓        - Account released
`

	return panelStyle.Width(m.width).Render(help)
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "00:00"
	}

	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
