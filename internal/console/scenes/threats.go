package scenes

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"sentinel/internal/console/client"
	"sentinel/internal/console/styles"
	"sentinel/internal/schema"
)

// threatFilters are cycled with the f key; the empty status shows all.
var threatFilters = []schema.ThreatStatus{
	"",
	schema.ThreatActive,
	schema.ThreatInvestigating,
	schema.ThreatContained,
	schema.ThreatResolved,
}

// statusKeys move the selected threat forward.
var statusKeys = map[string]schema.ThreatStatus{
	"i": schema.ThreatInvestigating,
	"c": schema.ThreatContained,
	"v": schema.ThreatResolved,
}

// ThreatsScene lists threats and lets the operator move them forward.
type ThreatsScene struct {
	client     *client.Client
	threats    []schema.Threat
	filter     int
	err        string
	notice     string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

// threatsMsg carries one poll result.
type threatsMsg struct {
	threats []schema.Threat
	err     string
}

// threatUpdatedMsg reports the outcome of a status change.
type threatUpdatedMsg struct {
	threat *schema.Threat
	err    string
}

// NewThreatsScene creates the threats scene.
func NewThreatsScene(c *client.Client) *ThreatsScene {
	return &ThreatsScene{
		client:  c,
		loading: true,
		maxRows: 10,
	}
}

// Init fetches the first page.
func (s *ThreatsScene) Init() tea.Cmd {
	return s.fetch()
}

func (s *ThreatsScene) fetch() tea.Cmd {
	status := threatFilters[s.filter]
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		threats, err := s.client.Threats(ctx, 100, status)
		if err != nil {
			return threatsMsg{err: err.Error()}
		}
		return threatsMsg{threats: threats}
	}
}

func (s *ThreatsScene) setStatus(id string, status schema.ThreatStatus) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		t, err := s.client.SetThreatStatus(ctx, id, status, false)
		if err != nil {
			return threatUpdatedMsg{err: err.Error()}
		}
		return threatUpdatedMsg{threat: t}
	}
}

// TickCmd schedules the next refresh.
func (s *ThreatsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "threats", Time: t}
	})
}

// Selected returns the threat under the cursor.
func (s *ThreatsScene) Selected() (schema.Threat, bool) {
	if s.cursor < 0 || s.cursor >= len(s.threats) {
		return schema.Threat{}, false
	}
	return s.threats[s.cursor], true
}

// Update handles messages for the threats scene.
func (s *ThreatsScene) Update(msg tea.Msg) (*ThreatsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.maxRows = max(5, s.height-12)

	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "up", "k":
			if s.cursor > 0 {
				s.cursor--
				if s.cursor < s.offset {
					s.offset = s.cursor
				}
			}
		case "down", "j":
			if s.cursor < len(s.threats)-1 {
				s.cursor++
				if s.cursor >= s.offset+s.maxRows {
					s.offset = s.cursor - s.maxRows + 1
				}
			}
		case "f":
			s.filter = (s.filter + 1) % len(threatFilters)
			s.cursor, s.offset = 0, 0
			s.loading = true
			return s, s.fetch()
		case "r":
			s.loading = true
			return s, s.fetch()
		}
		if status, ok := statusKeys[key]; ok {
			if t, ok := s.Selected(); ok {
				return s, s.setStatus(t.ID, status)
			}
		}

	case threatsMsg:
		s.loading = false
		s.threats = msg.threats
		s.err = msg.err
		s.lastUpdate = time.Now()
		if s.cursor >= len(s.threats) {
			s.cursor = max(0, len(s.threats)-1)
		}
		s.offset = min(s.offset, s.cursor)

	case threatUpdatedMsg:
		if msg.err != "" {
			s.notice = "Update failed: " + msg.err
			return s, nil
		}
		s.notice = fmt.Sprintf("Threat %s is now %s", shortID(msg.threat.ID), msg.threat.Status)
		return s, s.fetch()

	case TickMsg:
		if msg.Scene == "threats" {
			return s, s.fetch()
		}
	}
	return s, nil
}

// View renders the threat table.
func (s *ThreatsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Threats"))
	b.WriteString("\n\n")

	if s.loading && len(s.threats) == 0 && s.err == "" {
		b.WriteString(styles.Muted.Render("  Loading threats..."))
		return b.String()
	}

	if s.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", s.err)))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	filter := "all"
	if f := threatFilters[s.filter]; f != "" {
		filter = string(f)
	}
	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  %d threats (filter: %s)", len(s.threats), filter)))
	if s.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	if len(s.threats) == 0 {
		b.WriteString(styles.Muted.Render("  No threats found."))
		return b.String()
	}

	header := fmt.Sprintf("  %-9s %-10s %-14s %-20s %-6s %s",
		"Time", "Severity", "Status", "Category", "Score", "Title")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	end := min(s.offset+s.maxRows, len(s.threats))
	for i := s.offset; i < end; i++ {
		b.WriteString(renderThreatRow(s.threats[i], i == s.cursor))
		b.WriteString("\n")
	}

	if t, ok := s.Selected(); ok {
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  %s  source=%s  indicators=%s",
			shortID(t.ID), t.Source, strings.Join(t.Indicators, ","))))
		b.WriteString("\n")
	}
	if s.notice != "" {
		b.WriteString(styles.StatusWarning.Render("  " + s.notice))
		b.WriteString("\n")
	}

	b.WriteString(styles.Muted.Render("\n  [i] investigating  [c] contained  [v] resolved  [f] filter  [r] refresh"))
	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

func renderThreatRow(t schema.Threat, selected bool) string {
	severity := styles.Severity(string(t.Severity)).Render(fmt.Sprintf("%-10s", strings.ToUpper(string(t.Severity))))
	status := styles.ThreatStatus(string(t.Status)).Render(fmt.Sprintf("%-14s", t.Status))
	row := fmt.Sprintf("  %-9s %s %s %-20s %-6.2f %s",
		t.Timestamp.Local().Format("15:04:05"),
		severity,
		status,
		t.Category,
		t.AnomalyScore,
		truncate(t.Title, 40))

	if selected {
		return styles.TableRowSelected.Render(row)
	}
	return row
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
