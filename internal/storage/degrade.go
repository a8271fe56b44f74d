package storage

import (
	"context"
	"log/slog"

	"sentinel/internal/metrics"
	"sentinel/internal/schema"
)

// DegradingLedger turns read failures of the wrapped ledger into empty
// results. Each degraded read is logged and counted; writes pass through
// unchanged so callers still see persistence failures.
type DegradingLedger struct {
	Ledger
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDegradingLedger wraps next.
func NewDegradingLedger(next Ledger, logger *slog.Logger, m *metrics.Metrics) *DegradingLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DegradingLedger{Ledger: next, logger: logger, metrics: m}
}

func (d *DegradingLedger) degraded(op string, err error) {
	d.logger.Warn("ledger read failed, returning empty result", "op", op, "error", err)
	d.metrics.DegradedRead(op)
}

// QueryLogs returns an empty slice on failure.
func (d *DegradingLedger) QueryLogs(ctx context.Context, f LogFilter) ([]schema.LogRecord, error) {
	recs, err := d.Ledger.QueryLogs(ctx, f)
	if err != nil {
		d.degraded("query_logs", err)
		return []schema.LogRecord{}, nil
	}
	return recs, nil
}

// CountLogs returns zero on failure.
func (d *DegradingLedger) CountLogs(ctx context.Context, f LogFilter) (int, error) {
	n, err := d.Ledger.CountLogs(ctx, f)
	if err != nil {
		d.degraded("count_logs", err)
		return 0, nil
	}
	return n, nil
}

// QueryThreats returns an empty slice on failure.
func (d *DegradingLedger) QueryThreats(ctx context.Context, f ThreatFilter) ([]schema.Threat, error) {
	ts, err := d.Ledger.QueryThreats(ctx, f)
	if err != nil {
		d.degraded("query_threats", err)
		return []schema.Threat{}, nil
	}
	return ts, nil
}

// CountThreats returns zero on failure.
func (d *DegradingLedger) CountThreats(ctx context.Context, f ThreatFilter) (int, error) {
	n, err := d.Ledger.CountThreats(ctx, f)
	if err != nil {
		d.degraded("count_threats", err)
		return 0, nil
	}
	return n, nil
}

// QueryActions returns an empty slice on failure.
func (d *DegradingLedger) QueryActions(ctx context.Context, f ActionFilter) ([]schema.Action, error) {
	as, err := d.Ledger.QueryActions(ctx, f)
	if err != nil {
		d.degraded("query_actions", err)
		return []schema.Action{}, nil
	}
	return as, nil
}
