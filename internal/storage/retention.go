package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTL settings for the ClickHouse ledger. Threats and
// actions are the audit trail and are never expired; only raw logs are.
type RetentionConfig struct {
	LogsTTL time.Duration `yaml:"logs_ttl"`
}

// execer runs a statement without returning rows.
type execer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// RetentionManager applies retention policies to ClickHouse tables.
type RetentionManager struct {
	client execer
	config RetentionConfig
	logger *slog.Logger
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client execer, config RetentionConfig, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{client: client, config: config, logger: logger}
}

// ApplyTTLs sets the logs table TTL. It runs after migrations; a zero TTL
// leaves the table untouched.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	if r.config.LogsTTL <= 0 {
		return nil
	}
	days := ttlDays(r.config.LogsTTL)
	query := fmt.Sprintf("ALTER TABLE logs MODIFY TTL toDateTime(timestamp) + INTERVAL %d DAY DELETE", days)
	if err := r.client.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to apply logs TTL: %w", err)
	}
	r.logger.Info("applied retention policy", "table", "logs", "ttl_days", days)
	return nil
}

// ttlDays rounds a TTL down to whole days, with a minimum of one.
func ttlDays(ttl time.Duration) int {
	return max(int(ttl.Hours()/24), 1)
}
