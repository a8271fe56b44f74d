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

// ActionsScene shows the response action log.
type ActionsScene struct {
	client     *client.Client
	actions    []schema.Action
	err        error
	width      int
	height     int
	maxRows    int
	lastUpdate time.Time
	loading    bool
}

type actionsMsg struct {
	actions []schema.Action
	err     error
}

// NewActionsScene creates the actions scene.
func NewActionsScene(c *client.Client) *ActionsScene {
	return &ActionsScene{client: c, loading: true, maxRows: 15}
}

// Init fetches the first page.
func (a *ActionsScene) Init() tea.Cmd {
	return a.fetch()
}

func (a *ActionsScene) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		actions, err := a.client.Actions(ctx, 100)
		return actionsMsg{actions: actions, err: err}
	}
}

// TickCmd schedules the next refresh.
func (a *ActionsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "actions", Time: t}
	})
}

// Update handles messages for the actions scene.
func (a *ActionsScene) Update(msg tea.Msg) (*ActionsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.maxRows = max(5, a.height-10)

	case actionsMsg:
		a.loading = false
		a.err = msg.err
		if msg.err == nil {
			a.actions = msg.actions
		}
		a.lastUpdate = time.Now()

	case TickMsg:
		if msg.Scene == "actions" {
			return a, a.fetch()
		}
	}
	return a, nil
}

// View renders the action log.
func (a *ActionsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Response Actions"))
	b.WriteString("\n\n")

	if a.loading {
		b.WriteString(styles.Muted.Render("  Loading actions..."))
		return b.String()
	}
	if a.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", a.err)))
		b.WriteString("\n\n")
	}
	if len(a.actions) == 0 {
		b.WriteString(styles.Muted.Render("  No actions recorded."))
		return b.String()
	}

	header := fmt.Sprintf("  %-9s %-16s %-12s %-10s %s", "Time", "Action", "Status", "Threat", "Result")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	for _, act := range a.actions[:min(a.maxRows, len(a.actions))] {
		style := styles.Muted
		switch act.Status {
		case schema.ActionCompleted:
			style = styles.StatusOK
		case schema.ActionFailed:
			style = styles.StatusError
		case schema.ActionInProgress:
			style = styles.StatusWarning
		}
		fmt.Fprintf(&b, "  %-9s %-16s %s %-10s %s\n",
			act.Timestamp.Local().Format("15:04:05"),
			act.ActionType,
			style.Render(fmt.Sprintf("%-12s", act.Status)),
			shortID(act.ThreatID),
			truncate(resultSummary(act.Result), 50))
	}

	if !a.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  Updated: %s", a.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

func resultSummary(r schema.ActionResult) string {
	if msg, ok := r["message"].(string); ok {
		return msg
	}
	if msg, ok := r["error"].(string); ok {
		return "error: " + msg
	}
	return ""
}
