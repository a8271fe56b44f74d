// Package stats computes the system summary shown by the dashboard.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"sentinel/internal/schema"
	"sentinel/internal/storage"
)

const (
	// AnomalyScoreThreshold counts threats scoring strictly above it as
	// anomalies.
	AnomalyScoreThreshold = 0.6
	// CriticalActiveThreats and WarningActiveThreats are exclusive lower
	// bounds on active threats for the health levels.
	CriticalActiveThreats = 5
	WarningActiveThreats  = 2
)

// Agent states.
const (
	AgentActive  = "active"
	AgentIdle    = "idle"
	AgentUnknown = "unknown"
)

// Agents lists the reported components in display order.
var Agents = []string{
	"SentinelCore", "LogCollector", "AnomalyDetector",
	"ResponseManager", "EventMonitor", "CommandExecutor",
}

// Counter is the subset of the ledger the service reads.
type Counter interface {
	CountLogs(ctx context.Context, f storage.LogFilter) (int, error)
	CountThreats(ctx context.Context, f storage.ThreatFilter) (int, error)
}

// Service computes SystemStats.
type Service struct {
	ledger Counter
	agents func() map[string]string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAgentStatus overrides how agent states are reported.
func WithAgentStatus(fn func() map[string]string) Option {
	return func(s *Service) { s.agents = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a stats service over a ledger.
func NewService(ledger Counter, opts ...Option) *Service {
	s := &Service{
		ledger: ledger,
		agents: DefaultAgentStatus,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultAgentStatus reports every agent active except the command
// executor, which only runs on demand.
func DefaultAgentStatus() map[string]string {
	out := make(map[string]string, len(Agents))
	for _, name := range Agents {
		out[name] = AgentActive
	}
	out["CommandExecutor"] = AgentIdle
	return out
}

// Health maps the number of active threats to a health level.
func Health(active int) schema.Health {
	switch {
	case active > CriticalActiveThreats:
		return schema.HealthCritical
	case active > WarningActiveThreats:
		return schema.HealthWarning
	default:
		return schema.HealthHealthy
	}
}

// Compute returns the current statistics. It does not fail: when the
// ledger cannot be read the result carries zero counts, unknown health and
// unknown agents.
func (s *Service) Compute(ctx context.Context) schema.SystemStats {
	now := s.now()
	st, err := s.compute(ctx, now)
	if err != nil {
		s.logger.Error("failed to compute system stats", "error", err)
		agents := make(map[string]string, len(Agents))
		for _, name := range Agents {
			agents[name] = AgentUnknown
		}
		return schema.SystemStats{
			SystemHealth: schema.HealthUnknown,
			AgentStatus:  agents,
			LastUpdated:  now,
		}
	}
	return st
}

func (s *Service) compute(ctx context.Context, now time.Time) (schema.SystemStats, error) {
	var (
		st  = schema.SystemStats{LastUpdated: now}
		err error
	)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if st.TotalLogs, err = s.ledger.CountLogs(ctx, storage.LogFilter{}); err != nil {
		return st, fmt.Errorf("count logs: %w", err)
	}
	if st.LogsToday, err = s.ledger.CountLogs(ctx, storage.LogFilter{Since: midnight}); err != nil {
		return st, fmt.Errorf("count logs today: %w", err)
	}
	if st.ActiveThreats, err = s.ledger.CountThreats(ctx, storage.ThreatFilter{Status: schema.ThreatActive}); err != nil {
		return st, fmt.Errorf("count active threats: %w", err)
	}
	if st.ResolvedThreats, err = s.ledger.CountThreats(ctx, storage.ThreatFilter{Status: schema.ThreatResolved}); err != nil {
		return st, fmt.Errorf("count resolved threats: %w", err)
	}
	if st.AnomalyCount, err = s.ledger.CountThreats(ctx, storage.ThreatFilter{ScoreAbove: AnomalyScoreThreshold}); err != nil {
		return st, fmt.Errorf("count anomalies: %w", err)
	}

	st.SystemHealth = Health(st.ActiveThreats)
	st.AgentStatus = maps.Clone(s.agents())
	return st, nil
}
