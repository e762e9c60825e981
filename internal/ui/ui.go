// Package ui provides a terminal dashboard for watching the task mesh.
// Uses Bubbletea for interactive display of tasks, peers, and activity.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/taskmesh/internal/store"
	"github.com/marcus/taskmesh/internal/task"
)

// Panel represents which panel is currently focused.
type Panel int

const (
	PanelMesh Panel = iota
	PanelTasks
	PanelActivity
)

// PeerItem is a machine's presence line.
type PeerItem struct {
	Name     string
	Online   bool
	LastSeen time.Time
	Load     int
}

// TaskItem is a task row in the task list.
type TaskItem struct {
	ID      string
	Type    string
	Owner   string
	Status  task.Status
	Attempt int
	Updated time.Time
}

// ActivityEntry is a line in the activity feed.
type ActivityEntry struct {
	Time    time.Time
	Level   string
	Message string
}

// Model holds the TUI state.
type Model struct {
	store   store.Store
	machine string

	// Display state
	width       int
	height      int
	activePanel Panel
	quitting    bool

	// Mesh panel
	peers     []PeerItem
	storeOK   bool
	lastFetch time.Time

	// Task list
	tasks        []TaskItem
	taskScroll   int
	selectedTask int

	// Activity feed
	activity       []ActivityEntry
	activityScroll int

	// Spinner
	progressTick int

	// Styles
	styles *Styles

	// prior statuses keyed by id, for the activity feed
	seen map[string]task.Status
}

// Styles holds lipgloss styles for the UI.
type Styles struct {
	ActiveBorder   lipgloss.Style
	InactiveBorder lipgloss.Style

	Title     lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	TaskSelected lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

// newStyles creates the default style set.
func newStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		ActiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight),

		InactiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			MarginBottom(1),

		Label: lipgloss.NewStyle().
			Foreground(subtle),

		Value: lipgloss.NewStyle().
			Bold(true),

		Highlight: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(subtle),

		StatusOK: lipgloss.NewStyle().
			Foreground(green).
			Bold(true),

		StatusWarn: lipgloss.NewStyle().
			Foreground(yellow).
			Bold(true),

		StatusError: lipgloss.NewStyle().
			Foreground(red).
			Bold(true),

		StatusRunning: lipgloss.NewStyle().
			Foreground(blue).
			Bold(true),

		TaskSelected: lipgloss.NewStyle().
			Background(highlight).
			Foreground(lipgloss.Color("#fff")).
			Bold(true),

		HelpKey: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		HelpText: lipgloss.NewStyle().
			Foreground(subtle),
	}
}

// tickMsg is sent periodically to refresh the view.
type tickMsg time.Time

// refreshMsg carries a fresh snapshot of the store.
type refreshMsg struct {
	tasks []TaskItem
	peers []PeerItem
	err   error
}

// New creates a dashboard model reading from the given store.
func New(st store.Store, machine string) *Model {
	return &Model{
		store:       st,
		machine:     machine,
		width:       80,
		height:      24,
		activePanel: PanelMesh,
		tasks:       make([]TaskItem, 0),
		activity:    make([]ActivityEntry, 0),
		styles:      newStyles(),
		seen:        make(map[string]task.Status),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.refreshCmd(),
		tickCmd(),
		tea.EnterAltScreen,
	)
}

// tickCmd returns a command that ticks every second.
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refreshCmd loads tasks and presence from the store.
func (m Model) refreshCmd() tea.Cmd {
	st := m.store
	if st == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		tasks, err := st.List(ctx)
		if err != nil {
			return refreshMsg{err: err}
		}
		peers, err := st.Peers(ctx)
		if err != nil {
			return refreshMsg{err: err}
		}
		loads, err := st.Loads(ctx)
		if err != nil {
			return refreshMsg{err: err}
		}

		msg := refreshMsg{}
		for _, t := range tasks {
			msg.tasks = append(msg.tasks, TaskItem{
				ID:      t.ID,
				Type:    t.Type,
				Owner:   t.Owner,
				Status:  t.Status,
				Attempt: t.Attempt,
				Updated: t.UpdatedAt,
			})
		}
		for _, p := range peers {
			msg.peers = append(msg.peers, PeerItem{
				Name:     p.Name,
				Online:   p.Online,
				LastSeen: p.LastSeen,
				Load:     loads[p.Name],
			})
		}
		return msg
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.progressTick++
		return m, tea.Batch(tickCmd(), m.refreshCmd())

	case refreshMsg:
		return m.applyRefresh(msg), nil
	}

	return m, nil
}

// applyRefresh folds a store snapshot into the model and derives activity
// lines from status changes since the previous snapshot.
func (m Model) applyRefresh(msg refreshMsg) Model {
	m.lastFetch = time.Now()
	if msg.err != nil {
		m.storeOK = false
		m.addActivity("error", fmt.Sprintf("store: %v", msg.err))
		return m
	}
	m.storeOK = true
	m.tasks = msg.tasks
	m.peers = msg.peers

	for _, item := range msg.tasks {
		prev, known := m.seen[item.ID]
		if known && prev == item.Status {
			continue
		}
		m.seen[item.ID] = item.Status

		level := "info"
		switch item.Status {
		case task.StatusFailed:
			level = "error"
		case task.StatusCancelled:
			level = "warn"
		}
		if known {
			m.addActivity(level, fmt.Sprintf("%s %s -> %s on %s", item.Type, prev, item.Status, item.Owner))
		} else {
			m.addActivity(level, fmt.Sprintf("%s %s on %s", item.Type, item.Status, item.Owner))
		}
	}

	if m.selectedTask >= len(m.tasks) {
		m.selectedTask = len(m.tasks) - 1
		if m.selectedTask < 0 {
			m.selectedTask = 0
		}
	}
	return m
}

// addActivity appends a feed entry and keeps the view pinned to the tail
// unless the user scrolled away.
func (m *Model) addActivity(level, message string) {
	m.activity = append(m.activity, ActivityEntry{
		Time:    time.Now(),
		Level:   level,
		Message: message,
	})
	if m.activityScroll == len(m.activity)-2 || len(m.activity) == 1 {
		m.activityScroll = len(m.activity) - 1
	}
}

// handleKey processes keyboard input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "right", "l":
		m.activePanel = (m.activePanel + 1) % 3
		return m, nil

	case "shift+tab", "left", "h":
		m.activePanel = (m.activePanel + 2) % 3
		return m, nil

	case "up", "k":
		return m.handleUp(), nil

	case "down", "j":
		return m.handleDown(), nil

	case "home", "g":
		return m.handleHome(), nil

	case "end", "G":
		return m.handleEnd(), nil

	case "r":
		return m, m.refreshCmd()
	}

	return m, nil
}

// handleUp handles up arrow / k key.
func (m Model) handleUp() Model {
	switch m.activePanel {
	case PanelTasks:
		if m.selectedTask > 0 {
			m.selectedTask--
		}
	case PanelActivity:
		if m.activityScroll > 0 {
			m.activityScroll--
		}
	}
	return m
}

// handleDown handles down arrow / j key.
func (m Model) handleDown() Model {
	switch m.activePanel {
	case PanelTasks:
		if m.selectedTask < len(m.tasks)-1 {
			m.selectedTask++
		}
	case PanelActivity:
		if m.activityScroll < len(m.activity)-1 {
			m.activityScroll++
		}
	}
	return m
}

// handleHome handles home / g key.
func (m Model) handleHome() Model {
	switch m.activePanel {
	case PanelTasks:
		m.selectedTask = 0
	case PanelActivity:
		m.activityScroll = 0
	}
	return m
}

// handleEnd handles end / G key.
func (m Model) handleEnd() Model {
	switch m.activePanel {
	case PanelTasks:
		if len(m.tasks) > 0 {
			m.selectedTask = len(m.tasks) - 1
		}
	case PanelActivity:
		if len(m.activity) > 0 {
			m.activityScroll = len(m.activity) - 1
		}
	}
	return m
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	topHeight := m.height / 2
	bottomHeight := m.height - topHeight - 3
	leftWidth := m.width / 2
	rightWidth := m.width - leftWidth

	meshPanel := m.renderMeshPanel()
	taskPanel := m.renderTaskPanel(topHeight - 2)
	activityPanel := m.renderActivityPanel(m.width-2, bottomHeight-2)

	meshBorder := m.getBorder(PanelMesh).Width(leftWidth - 2).Height(topHeight - 2)
	taskBorder := m.getBorder(PanelTasks).Width(rightWidth - 2).Height(topHeight - 2)
	activityBorder := m.getBorder(PanelActivity).Width(m.width - 2).Height(bottomHeight - 2)

	topRow := lipgloss.JoinHorizontal(
		lipgloss.Top,
		meshBorder.Render(meshPanel),
		taskBorder.Render(taskPanel),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		topRow,
		activityBorder.Render(activityPanel),
		m.renderHelpBar(),
	)
}

// getBorder returns the appropriate border style for a panel.
func (m Model) getBorder(panel Panel) lipgloss.Style {
	if m.activePanel == panel {
		return m.styles.ActiveBorder
	}
	return m.styles.InactiveBorder
}

// renderMeshPanel renders the mesh overview: this machine, store health,
// and per-peer presence with load.
func (m Model) renderMeshPanel() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Mesh"))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Machine: "))
	b.WriteString(m.styles.Value.Render(m.machine))
	b.WriteString("\n")

	b.WriteString(m.styles.Label.Render("Store: "))
	if m.storeOK {
		b.WriteString(m.styles.StatusOK.Render("reachable"))
	} else if m.lastFetch.IsZero() {
		b.WriteString(m.styles.Muted.Render("connecting " + m.spinner()))
	} else {
		b.WriteString(m.styles.StatusError.Render("unreachable"))
	}
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Peers"))
	b.WriteString("\n")
	if len(m.peers) == 0 {
		b.WriteString(m.styles.Muted.Render(" none seen"))
		return b.String()
	}

	for _, p := range m.peers {
		marker := m.styles.StatusError.Render("x")
		if p.Online {
			marker = m.styles.StatusOK.Render("*")
		}
		line := fmt.Sprintf(" %s %s", marker, p.Name)
		if p.Name == m.machine {
			line += m.styles.Muted.Render(" (this machine)")
		}
		if p.Load > 0 {
			line += m.styles.Muted.Render(fmt.Sprintf(" load:%d", p.Load))
		}
		if !p.LastSeen.IsZero() {
			line += m.styles.Muted.Render(" seen " + formatDuration(time.Since(p.LastSeen)) + " ago")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return b.String()
}

// renderTaskPanel renders the task list panel.
func (m Model) renderTaskPanel(height int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Tasks"))
	b.WriteString("\n\n")

	if len(m.tasks) == 0 {
		b.WriteString(m.styles.Muted.Render("No tasks in the mesh"))
		return b.String()
	}

	visible := height - 4
	if visible < 1 {
		visible = 1
	}

	if m.selectedTask < m.taskScroll {
		m.taskScroll = m.selectedTask
	} else if m.selectedTask >= m.taskScroll+visible {
		m.taskScroll = m.selectedTask - visible + 1
	}

	for i := m.taskScroll; i < len(m.tasks) && i < m.taskScroll+visible; i++ {
		item := m.tasks[i]

		var icon string
		var style lipgloss.Style
		switch item.Status {
		case task.StatusPending:
			icon = "o"
			style = m.styles.Muted
		case task.StatusInProgress:
			icon = m.spinner()
			style = m.styles.StatusRunning
		case task.StatusCompleted:
			icon = "*"
			style = m.styles.StatusOK
		case task.StatusFailed:
			icon = "x"
			style = m.styles.StatusError
		case task.StatusCancelled:
			icon = "-"
			style = m.styles.StatusWarn
		}

		line := fmt.Sprintf(" %s %s", style.Render(icon), item.Type)
		line += m.styles.Muted.Render(" @" + item.Owner)
		if item.Attempt > 1 {
			line += m.styles.Muted.Render(fmt.Sprintf(" (attempt %d)", item.Attempt))
		}

		if i == m.selectedTask && m.activePanel == PanelTasks {
			line = m.styles.TaskSelected.Render(line)
		}

		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(m.tasks) > visible {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" [%d/%d]", m.taskScroll+1, len(m.tasks))))
	}

	return b.String()
}

// spinner returns a spinner character based on the current tick.
func (m Model) spinner() string {
	frames := []string{"|", "/", "-", "\\"}
	return frames[m.progressTick%len(frames)]
}

// renderActivityPanel renders the activity feed.
func (m Model) renderActivityPanel(width, height int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Activity"))
	b.WriteString("\n\n")

	if len(m.activity) == 0 {
		b.WriteString(m.styles.Muted.Render("Nothing yet"))
		return b.String()
	}

	visible := height - 4
	if visible < 1 {
		visible = 1
	}

	start := m.activityScroll
	if start+visible > len(m.activity) {
		start = len(m.activity) - visible
		if start < 0 {
			start = 0
		}
	}

	for i := start; i < len(m.activity) && i < start+visible; i++ {
		entry := m.activity[i]

		var levelStyle lipgloss.Style
		switch entry.Level {
		case "info":
			levelStyle = m.styles.StatusRunning
		case "warn":
			levelStyle = m.styles.StatusWarn
		case "error":
			levelStyle = m.styles.StatusError
		default:
			levelStyle = m.styles.Muted
		}

		maxMsgLen := width - 20
		msg := entry.Message
		if len(msg) > maxMsgLen && maxMsgLen > 3 {
			msg = msg[:maxMsgLen-3] + "..."
		}

		b.WriteString(fmt.Sprintf("%s %s %s",
			m.styles.Muted.Render(entry.Time.Format("15:04:05")),
			levelStyle.Render(fmt.Sprintf("[%-5s]", entry.Level)),
			msg,
		))
		b.WriteString("\n")
	}

	if len(m.activity) > visible {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" [%d/%d]", m.activityScroll+1, len(m.activity))))
	}

	return b.String()
}

// renderHelpBar renders the help bar at the bottom.
func (m Model) renderHelpBar() string {
	helpItems := []struct {
		key  string
		desc string
	}{
		{"tab", "switch panel"},
		{"j/k", "up/down"},
		{"r", "refresh"},
		{"q", "quit"},
	}

	var parts []string
	for _, item := range helpItems {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(item.key),
			m.styles.HelpText.Render(item.desc),
		))
	}

	return "  " + strings.Join(parts, "  |  ")
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// Run starts the TUI and blocks until the user quits.
func (m *Model) Run() error {
	p := tea.NewProgram(*m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
