// Package console is the sentinel terminal dashboard. It polls the HTTP API
// and renders one scene at a time.
package console

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sentinel/internal/console/client"
	"sentinel/internal/console/scenes"
	"sentinel/internal/console/styles"
)

// Scene identifies the active view.
type Scene int

const (
	SceneDashboard Scene = iota
	SceneThreats
	SceneActions

	sceneCount = 3
)

// Model is the root bubbletea model.
type Model struct {
	client *client.Client
	scene  Scene

	dashboard *scenes.DashboardScene
	threats   *scenes.ThreatsScene
	actions   *scenes.ActionsScene

	width    int
	height   int
	quitting bool
}

// New creates the console model for the API at baseURL.
func New(baseURL string, opts ...client.Option) *Model {
	c := client.New(baseURL, opts...)
	return &Model{
		client:    c,
		scene:     SceneDashboard,
		dashboard: scenes.NewDashboardScene(c),
		threats:   scenes.NewThreatsScene(c),
		actions:   scenes.NewActionsScene(c),
	}
}

// Init starts the dashboard. Only the active scene ticks.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.dashboard.Init(), m.dashboard.TickCmd())
}

func (m *Model) switchTo(s Scene) tea.Cmd {
	if m.scene == s {
		return nil
	}
	m.scene = s
	switch s {
	case SceneThreats:
		return tea.Batch(m.threats.Init(), m.threats.TickCmd())
	case SceneActions:
		return tea.Batch(m.actions.Init(), m.actions.TickCmd())
	default:
		return tea.Batch(m.dashboard.Init(), m.dashboard.TickCmd())
	}
}

// Update routes messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1":
			return m, m.switchTo(SceneDashboard)
		case "2":
			return m, m.switchTo(SceneThreats)
		case "3":
			return m, m.switchTo(SceneActions)
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.dashboard, _ = m.dashboard.Update(msg)
		m.threats, _ = m.threats.Update(msg)
		m.actions, _ = m.actions.Update(msg)
		return m, nil

	case scenes.TickMsg:
		// A tick from a scene that is no longer active stops its loop.
		var cmd tea.Cmd
		switch {
		case m.scene == SceneDashboard && msg.Scene == "dashboard":
			m.dashboard, cmd = m.dashboard.Update(msg)
			return m, tea.Batch(cmd, m.dashboard.TickCmd())
		case m.scene == SceneThreats && msg.Scene == "threats":
			m.threats, cmd = m.threats.Update(msg)
			return m, tea.Batch(cmd, m.threats.TickCmd())
		case m.scene == SceneActions && msg.Scene == "actions":
			m.actions, cmd = m.actions.Update(msg)
			return m, tea.Batch(cmd, m.actions.TickCmd())
		}
		return m, nil
	}

	var cmd tea.Cmd
	switch m.scene {
	case SceneDashboard:
		m.dashboard, cmd = m.dashboard.Update(msg)
	case SceneThreats:
		m.threats, cmd = m.threats.Update(msg)
	case SceneActions:
		m.actions, cmd = m.actions.Update(msg)
	}
	return m, cmd
}

// View renders the active scene between the tab bar and the help line.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneDashboard:
		b.WriteString(m.dashboard.View())
	case SceneThreats:
		b.WriteString(m.threats.View())
	case SceneActions:
		b.WriteString(m.actions.View())
	}

	b.WriteString("\n")
	b.WriteString(styles.Help.Render(" [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [q] Quit "))
	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		scene Scene
	}{
		{"Dashboard", SceneDashboard},
		{"Threats", SceneThreats},
		{"Actions", SceneActions},
	}

	views := make([]string, 0, len(tabs))
	for i, tab := range tabs {
		label := fmt.Sprintf(" %d %s ", i+1, tab.name)
		if tab.scene == m.scene {
			views = append(views, styles.TabActive.Render(label))
		} else {
			views = append(views, styles.TabInactive.Render(label))
		}
	}
	views = append(views, styles.Muted.Render("  "+m.client.BaseURL()))

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, views...))
}

// Run starts the console in the alternate screen.
func Run(baseURL string, opts ...client.Option) error {
	_, err := tea.NewProgram(New(baseURL, opts...), tea.WithAltScreen()).Run()
	return err
}
