// Package storage provides the threat ledger: persistence for log records,
// threats and response actions, with memory, SQL and ClickHouse backends.
package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"sentinel/internal/schema"
)

// Query limits.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Ledger persists and queries logs, threats and actions. Query results are
// ordered newest first by timestamp, ties broken by ascending id, so
// identical queries over unchanged data return identical slices.
type Ledger interface {
	InsertLog(ctx context.Context, rec *schema.LogRecord) error
	QueryLogs(ctx context.Context, f LogFilter) ([]schema.LogRecord, error)
	CountLogs(ctx context.Context, f LogFilter) (int, error)

	InsertThreat(ctx context.Context, t *schema.Threat) error
	GetThreat(ctx context.Context, id string) (*schema.Threat, error)
	QueryThreats(ctx context.Context, f ThreatFilter) ([]schema.Threat, error)
	CountThreats(ctx context.Context, f ThreatFilter) (int, error)
	UpdateThreat(ctx context.Context, id string, p ThreatPatch) (*schema.Threat, error)

	InsertAction(ctx context.Context, a *schema.Action) error
	UpdateAction(ctx context.Context, id string, p ActionPatch) (*schema.Action, error)
	QueryActions(ctx context.Context, f ActionFilter) ([]schema.Action, error)

	Close() error
}

// LogFilter selects log records. Source matches as a case-insensitive
// substring; zero values match everything.
type LogFilter struct {
	Limit  int
	Source string
	Level  schema.Level
	Since  time.Time
	Until  time.Time
}

// Match reports whether rec passes the filter.
func (f LogFilter) Match(rec *schema.LogRecord) bool {
	if f.Source != "" && !containsFold(rec.Source, f.Source) {
		return false
	}
	if f.Level != "" && rec.Level != f.Level {
		return false
	}
	return inRange(rec.Timestamp, f.Since, f.Until)
}

// ThreatFilter selects threats. ScoreAbove keeps threats whose anomaly
// score is strictly greater than the value when it is positive.
type ThreatFilter struct {
	Limit      int
	Source     string
	Severity   schema.Severity
	Status     schema.ThreatStatus
	Category   schema.Category
	ScoreAbove float64
	Since      time.Time
	Until      time.Time
}

// Match reports whether t passes the filter.
func (f ThreatFilter) Match(t *schema.Threat) bool {
	if f.Source != "" && !containsFold(t.Source, f.Source) {
		return false
	}
	if f.Severity != "" && t.Severity != f.Severity {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if f.ScoreAbove > 0 && t.AnomalyScore <= f.ScoreAbove {
		return false
	}
	return inRange(t.Timestamp, f.Since, f.Until)
}

// ActionFilter selects actions.
type ActionFilter struct {
	Limit      int
	ThreatID   string
	ActionType schema.ActionType
	Status     schema.ActionStatus
}

// Match reports whether a passes the filter.
func (f ActionFilter) Match(a *schema.Action) bool {
	if f.ThreatID != "" && a.ThreatID != f.ThreatID {
		return false
	}
	if f.ActionType != "" && a.ActionType != f.ActionType {
		return false
	}
	return f.Status == "" || a.Status == f.Status
}

// ThreatPatch describes a threat mutation. Status moves forward only unless
// Override is set by an investigator.
type ThreatPatch struct {
	Status        *schema.ThreatStatus
	AppendActions []string
	Override      bool
}

// Apply mutates t according to the patch.
func (p ThreatPatch) Apply(t *schema.Threat) error {
	if p.Status != nil {
		if !p.Status.IsValid() {
			return fmt.Errorf("%w: status %q", ErrInvalidData, *p.Status)
		}
		if !p.Override && !t.Status.CanTransition(*p.Status) {
			return fmt.Errorf("%w: threat %s %s -> %s", schema.ErrStatusRegression, t.ID, t.Status, *p.Status)
		}
		t.Status = *p.Status
	}
	t.Actions = append(t.Actions, p.AppendActions...)
	return nil
}

// ActionPatch describes an action mutation.
type ActionPatch struct {
	Status *schema.ActionStatus
	Result schema.ActionResult
}

// Apply mutates a according to the patch.
func (p ActionPatch) Apply(a *schema.Action) error {
	if p.Status != nil {
		if !a.Status.CanTransition(*p.Status) {
			return fmt.Errorf("%w: action %s %s -> %s", schema.ErrStatusRegression, a.ID, a.Status, *p.Status)
		}
		a.Status = *p.Status
	}
	if p.Result != nil {
		a.Result = p.Result
	}
	return nil
}

// NormalizeLimit applies the default and maximum query limits.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

// newestFirst orders by timestamp descending, then id ascending.
func newestFirst(ta, tb time.Time, ida, idb string) int {
	if c := tb.Compare(ta); c != 0 {
		return c
	}
	return strings.Compare(ida, idb)
}

func sortLogs(recs []schema.LogRecord) {
	slices.SortFunc(recs, func(a, b schema.LogRecord) int {
		return newestFirst(a.Timestamp, b.Timestamp, a.ID, b.ID)
	})
}

func sortThreats(ts []schema.Threat) {
	slices.SortFunc(ts, func(a, b schema.Threat) int {
		return newestFirst(a.Timestamp, b.Timestamp, a.ID, b.ID)
	})
}

func sortActions(as []schema.Action) {
	slices.SortFunc(as, func(a, b schema.Action) int {
		return newestFirst(a.Timestamp, b.Timestamp, a.ID, b.ID)
	})
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func inRange(ts, since, until time.Time) bool {
	if !since.IsZero() && ts.Before(since) {
		return false
	}
	if !until.IsZero() && ts.After(until) {
		return false
	}
	return true
}
