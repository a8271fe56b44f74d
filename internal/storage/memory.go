package storage

import (
	"context"
	"sync"

	"sentinel/internal/schema"
)

// MemoryLedger is an in-process Ledger. It is the default backend and the
// reference for the others.
type MemoryLedger struct {
	mu      sync.RWMutex
	logs    map[string]schema.LogRecord
	threats map[string]schema.Threat
	actions map[string]schema.Action
	closed  bool
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		logs:    make(map[string]schema.LogRecord),
		threats: make(map[string]schema.Threat),
		actions: make(map[string]schema.Action),
	}
}

// InsertLog stores a log record.
func (m *MemoryLedger) InsertLog(_ context.Context, rec *schema.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrDatabaseClosed
	}
	if _, ok := m.logs[rec.ID]; ok {
		return WrapDuplicateError("InsertLog", "logs", rec.ID)
	}
	c := *rec
	c.Details = rec.Details.Clone()
	m.logs[rec.ID] = c
	return nil
}

// QueryLogs returns matching log records, newest first.
func (m *MemoryLedger) QueryLogs(_ context.Context, f LogFilter) ([]schema.LogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrDatabaseClosed
	}
	out := make([]schema.LogRecord, 0)
	for _, rec := range m.logs {
		if f.Match(&rec) {
			rec.Details = rec.Details.Clone()
			out = append(out, rec)
		}
	}
	sortLogs(out)
	return truncate(out, f.Limit), nil
}

// CountLogs counts matching log records. The limit is ignored.
func (m *MemoryLedger) CountLogs(_ context.Context, f LogFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrDatabaseClosed
	}
	n := 0
	for _, rec := range m.logs {
		if f.Match(&rec) {
			n++
		}
	}
	return n, nil
}

// InsertThreat stores a threat.
func (m *MemoryLedger) InsertThreat(_ context.Context, t *schema.Threat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrDatabaseClosed
	}
	if _, ok := m.threats[t.ID]; ok {
		return WrapDuplicateError("InsertThreat", "threats", t.ID)
	}
	m.threats[t.ID] = t.Clone()
	return nil
}

// GetThreat returns a threat by id.
func (m *MemoryLedger) GetThreat(_ context.Context, id string) (*schema.Threat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrDatabaseClosed
	}
	t, ok := m.threats[id]
	if !ok {
		return nil, WrapNotFoundError("GetThreat", "threats", id)
	}
	c := t.Clone()
	return &c, nil
}

// QueryThreats returns matching threats, newest first.
func (m *MemoryLedger) QueryThreats(_ context.Context, f ThreatFilter) ([]schema.Threat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrDatabaseClosed
	}
	out := make([]schema.Threat, 0)
	for _, t := range m.threats {
		if f.Match(&t) {
			out = append(out, t.Clone())
		}
	}
	sortThreats(out)
	return truncate(out, f.Limit), nil
}

// CountThreats counts matching threats. The limit is ignored.
func (m *MemoryLedger) CountThreats(_ context.Context, f ThreatFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrDatabaseClosed
	}
	n := 0
	for _, t := range m.threats {
		if f.Match(&t) {
			n++
		}
	}
	return n, nil
}

// UpdateThreat applies p to the stored threat and returns the result.
func (m *MemoryLedger) UpdateThreat(_ context.Context, id string, p ThreatPatch) (*schema.Threat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrDatabaseClosed
	}
	t, ok := m.threats[id]
	if !ok {
		return nil, WrapNotFoundError("UpdateThreat", "threats", id)
	}
	t = t.Clone()
	if err := p.Apply(&t); err != nil {
		return nil, err
	}
	m.threats[id] = t
	c := t.Clone()
	return &c, nil
}

// InsertAction stores an action. The owning threat must exist.
func (m *MemoryLedger) InsertAction(_ context.Context, a *schema.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrDatabaseClosed
	}
	if _, ok := m.threats[a.ThreatID]; !ok {
		return WrapNotFoundError("InsertAction", "threats", a.ThreatID)
	}
	if _, ok := m.actions[a.ID]; ok {
		return WrapDuplicateError("InsertAction", "actions", a.ID)
	}
	m.actions[a.ID] = a.Clone()
	return nil
}

// UpdateAction applies p to the stored action and returns the result.
func (m *MemoryLedger) UpdateAction(_ context.Context, id string, p ActionPatch) (*schema.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrDatabaseClosed
	}
	a, ok := m.actions[id]
	if !ok {
		return nil, WrapNotFoundError("UpdateAction", "actions", id)
	}
	a = a.Clone()
	if err := p.Apply(&a); err != nil {
		return nil, err
	}
	m.actions[id] = a.Clone()
	return &a, nil
}

// QueryActions returns matching actions, newest first.
func (m *MemoryLedger) QueryActions(_ context.Context, f ActionFilter) ([]schema.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrDatabaseClosed
	}
	out := make([]schema.Action, 0)
	for _, a := range m.actions {
		if f.Match(&a) {
			out = append(out, a.Clone())
		}
	}
	sortActions(out)
	return truncate(out, f.Limit), nil
}

// Close marks the ledger closed.
func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func truncate[T any](s []T, limit int) []T {
	limit = NormalizeLimit(limit)
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
