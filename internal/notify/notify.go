// Package notify publishes threat and action lifecycle events.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"sentinel/internal/schema"
)

// Event types.
const (
	EventThreatCreated   = "threat.created"
	EventThreatUpdated   = "threat.updated"
	EventActionCompleted = "action.completed"
	EventActionFailed    = "action.failed"
)

// ErrNotConnected is returned when publishing without a live connection.
var ErrNotConnected = errors.New("notify: nats connection not available")

// Config holds NATS connection settings.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	Name           string        `yaml:"name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns default NATS settings. Publishing is disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		URL:            nats.DefaultURL,
		SubjectPrefix:  "sentinel",
		Name:           "sentinel",
		ConnectTimeout: 5 * time.Second,
	}
}

// Notifier receives lifecycle events. Implementations must be safe for
// concurrent use.
type Notifier interface {
	ThreatCreated(ctx context.Context, t schema.Threat) error
	ThreatUpdated(ctx context.Context, t schema.Threat) error
	ActionFinished(ctx context.Context, a schema.Action) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) ThreatCreated(context.Context, schema.Threat) error  { return nil }
func (Nop) ThreatUpdated(context.Context, schema.Threat) error  { return nil }
func (Nop) ActionFinished(context.Context, schema.Action) error { return nil }

// Event is the envelope published for every lifecycle change.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ThreatID  string    `json:"threat_id"`
	ActionID  string    `json:"action_id,omitempty"`
	Data      any       `json:"data"`
}

type publisher interface {
	PublishMsg(m *nats.Msg) error
	IsConnected() bool
}

// NATSNotifier publishes events to subjects "<prefix>.<event type>".
type NATSNotifier struct {
	conn   publisher
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// Connect dials NATS and returns a notifier bound to the connection.
func Connect(cfg Config, logger *slog.Logger) (*NATSNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("notify: url is required")
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to connect to nats: %w", err)
	}

	logger.Info("connected to nats", "url", nc.ConnectedUrl())
	n := newNATSNotifier(nc, cfg.SubjectPrefix, logger)
	n.nc = nc
	return n, nil
}

func newNATSNotifier(conn publisher, prefix string, logger *slog.Logger) *NATSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "sentinel"
	}
	return &NATSNotifier{
		conn:   conn,
		prefix: prefix,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ThreatCreated publishes a threat.created event.
func (n *NATSNotifier) ThreatCreated(ctx context.Context, t schema.Threat) error {
	return n.publish(ctx, Event{Type: EventThreatCreated, ThreatID: t.ID, Data: t})
}

// ThreatUpdated publishes a threat.updated event.
func (n *NATSNotifier) ThreatUpdated(ctx context.Context, t schema.Threat) error {
	return n.publish(ctx, Event{Type: EventThreatUpdated, ThreatID: t.ID, Data: t})
}

// ActionFinished publishes action.completed or action.failed depending on
// the action's status.
func (n *NATSNotifier) ActionFinished(ctx context.Context, a schema.Action) error {
	typ := EventActionCompleted
	if a.Status == schema.ActionFailed {
		typ = EventActionFailed
	}
	return n.publish(ctx, Event{Type: typ, ThreatID: a.ThreatID, ActionID: a.ID, Data: a})
}

func (n *NATSNotifier) subject(eventType string) string {
	return n.prefix + "." + eventType
}

func (n *NATSNotifier) publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.conn == nil || !n.conn.IsConnected() {
		return ErrNotConnected
	}

	ev.Timestamp = n.now()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: failed to marshal %s event: %w", ev.Type, err)
	}

	headers := nats.Header{}
	headers.Set("x-event-type", ev.Type)
	headers.Set("x-threat-id", ev.ThreatID)
	if ev.ActionID != "" {
		headers.Set("x-action-id", ev.ActionID)
	}

	msg := &nats.Msg{
		Subject: n.subject(ev.Type),
		Data:    data,
		Header:  headers,
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("notify: failed to publish %s: %w", ev.Type, err)
	}

	n.logger.Debug("event published", "subject", msg.Subject, "threat_id", ev.ThreatID)
	return nil
}

// Close drains the connection.
func (n *NATSNotifier) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
