package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"sentinel/internal/metrics"
	"sentinel/internal/schema"
)

// failingLedger fails every call.
type failingLedger struct {
	MemoryLedger
	err error
}

func (f *failingLedger) QueryLogs(context.Context, LogFilter) ([]schema.LogRecord, error) {
	return nil, f.err
}
func (f *failingLedger) CountLogs(context.Context, LogFilter) (int, error) { return 0, f.err }
func (f *failingLedger) QueryThreats(context.Context, ThreatFilter) ([]schema.Threat, error) {
	return nil, f.err
}
func (f *failingLedger) CountThreats(context.Context, ThreatFilter) (int, error) { return 0, f.err }
func (f *failingLedger) QueryActions(context.Context, ActionFilter) ([]schema.Action, error) {
	return nil, f.err
}
func (f *failingLedger) InsertThreat(context.Context, *schema.Threat) error { return f.err }

func TestDegradingLedgerReads(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	d := NewDegradingLedger(&failingLedger{err: ErrConnectionFailed}, nil, m)

	logs, err := d.QueryLogs(ctx, LogFilter{})
	if err != nil || logs == nil || len(logs) != 0 {
		t.Errorf("QueryLogs() = %v, %v; want empty slice, nil", logs, err)
	}
	if n, err := d.CountLogs(ctx, LogFilter{}); err != nil || n != 0 {
		t.Errorf("CountLogs() = %d, %v", n, err)
	}
	threats, err := d.QueryThreats(ctx, ThreatFilter{})
	if err != nil || threats == nil || len(threats) != 0 {
		t.Errorf("QueryThreats() = %v, %v; want empty slice, nil", threats, err)
	}
	if n, err := d.CountThreats(ctx, ThreatFilter{}); err != nil || n != 0 {
		t.Errorf("CountThreats() = %d, %v", n, err)
	}
	actions, err := d.QueryActions(ctx, ActionFilter{})
	if err != nil || actions == nil || len(actions) != 0 {
		t.Errorf("QueryActions() = %v, %v; want empty slice, nil", actions, err)
	}

	for _, op := range []string{"query_logs", "count_logs", "query_threats", "count_threats", "query_actions"} {
		if got := testutil.ToFloat64(m.DegradedReads.WithLabelValues(op)); got != 1 {
			t.Errorf("degraded reads for %s = %v, want 1", op, got)
		}
	}
}

func TestDegradingLedgerWritesPassThrough(t *testing.T) {
	d := NewDegradingLedger(&failingLedger{err: ErrConnectionFailed}, nil, nil)

	err := d.InsertThreat(context.Background(), testThreat("t1", 0, 0.9))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("InsertThreat() error = %v, want the backend failure", err)
	}
}

func TestDegradingLedgerHealthyBackend(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	inner := NewMemoryLedger()
	if err := inner.InsertLog(ctx, testLog("a", 0, "Firewall", schema.LevelInfo)); err != nil {
		t.Fatal(err)
	}
	d := NewDegradingLedger(inner, nil, m)

	logs, err := d.QueryLogs(ctx, LogFilter{})
	if err != nil || len(logs) != 1 {
		t.Errorf("QueryLogs() = %v, %v", logs, err)
	}
	if got := testutil.ToFloat64(m.DegradedReads.WithLabelValues("query_logs")); got != 0 {
		t.Errorf("degraded reads = %v, want 0", got)
	}
}
