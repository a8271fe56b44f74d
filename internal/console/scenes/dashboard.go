// Package scenes holds the console scenes. Each scene polls the API on its
// own tick and renders one view.
package scenes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sentinel/internal/console/client"
	"sentinel/internal/console/styles"
	"sentinel/internal/schema"
)

// fetchTimeout bounds one poll of the API.
const fetchTimeout = 5 * time.Second

// TickMsg is sent on each scene tick. The parent model routes it to the
// active scene only.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// DashboardScene shows the system summary.
type DashboardScene struct {
	client     *client.Client
	stats      *schema.SystemStats
	health     *client.Health
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

// dashboardMsg carries one poll result.
type dashboardMsg struct {
	stats  *schema.SystemStats
	health *client.Health
	err    error
}

// NewDashboardScene creates the dashboard scene.
func NewDashboardScene(c *client.Client) *DashboardScene {
	return &DashboardScene{client: c, loading: true}
}

// Init fetches the first snapshot.
func (d *DashboardScene) Init() tea.Cmd {
	return d.fetch()
}

func (d *DashboardScene) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		health, err := d.client.Health(ctx)
		if err != nil {
			return dashboardMsg{err: err}
		}
		stats, err := d.client.Stats(ctx)
		return dashboardMsg{stats: stats, health: health, err: err}
	}
}

// TickCmd schedules the next refresh.
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// Update handles messages for the dashboard.
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height

	case dashboardMsg:
		d.loading = false
		d.err = msg.err
		if msg.health != nil {
			d.health = msg.health
		}
		if msg.stats != nil {
			d.stats = msg.stats
		}
		d.lastUpdate = time.Now()

	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, d.fetch()
		}
	}
	return d, nil
}

// View renders the dashboard.
func (d *DashboardScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  SENTINEL Dashboard"))
	b.WriteString("\n\n")

	if d.loading {
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	}

	if d.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", d.err)))
		b.WriteString("\n\n")
	}

	if d.health != nil {
		style := styles.StatusOK
		if d.health.Status != "healthy" {
			style = styles.StatusError
		}
		fmt.Fprintf(&b, "  API: %s  %s\n",
			style.Render("● "+strings.ToUpper(d.health.Status)),
			styles.Muted.Render("up "+d.health.Uptime))
	}

	if d.stats == nil {
		return b.String()
	}

	health := string(d.stats.SystemHealth)
	fmt.Fprintf(&b, "  System: %s\n\n", styles.Health(health).Render("● "+strings.ToUpper(health)))

	cards := []string{
		renderMetricCard("Logs Total", formatNumber(d.stats.TotalLogs)),
		renderMetricCard("Logs Today", formatNumber(d.stats.LogsToday)),
		renderMetricCard("Active Threats", formatNumber(d.stats.ActiveThreats)),
		renderMetricCard("Resolved", formatNumber(d.stats.ResolvedThreats)),
		renderMetricCard("Anomalies", formatNumber(d.stats.AnomalyCount)),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	b.WriteString(styles.Subtitle.Render("  Agents"))
	b.WriteString("\n")
	b.WriteString(renderAgents(d.stats.AgentStatus))
	b.WriteString("\n")

	if !d.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  Last updated: %s", d.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

func renderMetricCard(label, value string) string {
	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)
	return styles.MetricCard.Render(content)
}

func renderAgents(agents map[string]string) string {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]string, 0, len(names))
	for _, name := range names {
		status := agents[name]
		dot := styles.Muted.Render("●")
		switch status {
		case "active":
			dot = styles.StatusOK.Render("●")
		case "idle":
			dot = styles.StatusWarning.Render("●")
		}
		rows = append(rows, fmt.Sprintf("  %s %-18s %s", dot, name, status))
	}
	return strings.Join(rows, "\n")
}

func formatNumber(n int) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
