package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/internal/metrics"
	"sentinel/internal/schema"
)

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter buffers log records and inserts them into ClickHouse in
// batches, flushing on size or on a timer. Inserts and their retry backoff
// run outside the buffer lock, so Write is never held up by a slow or
// failing server.
type BatchWriter struct {
	client  *ClickHouseClient
	config  BatchWriterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	buffer []*schema.LogRecord
	mu     sync.Mutex
	// sendMu serializes inserts.
	sendMu sync.Mutex

	flushTimer *time.Timer
	closed     bool

	// Metrics
	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// BatchWriterOption configures a BatchWriter.
type BatchWriterOption func(*BatchWriter)

// WithBatchMetrics counts records dropped after the retries run out.
func WithBatchMetrics(m *metrics.Metrics) BatchWriterOption {
	return func(bw *BatchWriter) { bw.metrics = m }
}

// NewBatchWriter creates a new BatchWriter.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger, opts ...BatchWriterOption) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]*schema.LogRecord, 0, cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(bw)
	}

	// Start flush timer
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)

	return bw
}

// Write adds a record to the batch. The write that fills the batch also
// sends it and reports the insert's outcome.
func (bw *BatchWriter) Write(rec *schema.LogRecord) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return fmt.Errorf("batch writer is closed")
	}

	bw.buffer = append(bw.buffer, rec)

	var records []*schema.LogRecord
	if len(bw.buffer) >= bw.config.BatchSize {
		records = bw.takeLocked()
	}
	bw.mu.Unlock()

	return bw.send(records)
}

// timerFlush is called by the flush timer.
func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return
	}
	records := bw.takeLocked()
	bw.mu.Unlock()

	if err := bw.send(records); err != nil {
		bw.logger.Error("timer flush failed", "error", err)
	}

	// Reset timer
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// takeLocked detaches the buffered records. Caller must hold mu.
func (bw *BatchWriter) takeLocked() []*schema.LogRecord {
	records := bw.buffer
	bw.buffer = make([]*schema.LogRecord, 0, bw.config.BatchSize)
	return records
}

// send inserts records, retrying connection failures and timeouts with a
// linear backoff. Other failures drop the batch at once.
func (bw *BatchWriter) send(records []*schema.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	bw.sendMu.Lock()
	defer bw.sendMu.Unlock()

	var (
		lastErr error
		attempt int
	)
	for ; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		err := bw.insertBatch(records)
		if err == nil {
			atomic.AddUint64(&bw.totalWritten, uint64(len(records)))
			atomic.AddUint64(&bw.batchCount, 1)
			return nil
		}

		lastErr = err
		if !IsRetryable(err) {
			break
		}
		bw.logger.Warn("batch insert failed, retrying",
			"attempt", attempt+1,
			"max_retries", bw.config.MaxRetries,
			"error", err,
		)
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(records)))
	bw.metrics.LogBatchDropped(len(records))
	bw.logger.Error("batch dropped", "records", len(records), "error", lastErr)
	return NewStorageErrorWithRetries("InsertBatch", "logs",
		fmt.Errorf("%w: %w", ErrBatchInsertFailed, lastErr), min(attempt, bw.config.MaxRetries))
}

// classifyBatchError marks driver failures as timeouts or connection
// errors, both of which are retried.
func classifyBatchError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &StorageError{Op: op, Table: "logs", Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return WrapConnectionError(op, err)
}

// insertBatch inserts a batch of log records into ClickHouse.
func (bw *BatchWriter) insertBatch(records []*schema.LogRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO logs (id, timestamp, source, level, message, details)
	`)
	if err != nil {
		return classifyBatchError("PrepareBatch", err)
	}

	for _, rec := range records {
		details, err := json.Marshal(rec.Details)
		if err != nil {
			return WrapInvalidDataError("InsertBatch", "logs", fmt.Errorf("encode details of %s: %w", rec.ID, err))
		}

		err = batch.Append(
			rec.ID,
			rec.Timestamp.UTC(),
			rec.Source,
			string(rec.Level),
			rec.Message,
			string(details),
		)
		if err != nil {
			return WrapInvalidDataError("InsertBatch", "logs", fmt.Errorf("append record %s: %w", rec.ID, err))
		}
	}

	if err := batch.Send(); err != nil {
		return classifyBatchError("SendBatch", err)
	}

	bw.logger.Debug("batch inserted", "count", len(records))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	records := bw.takeLocked()
	bw.mu.Unlock()
	return bw.send(records)
}

// Close closes the batch writer.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	records := bw.takeLocked()
	bw.mu.Unlock()

	bw.flushTimer.Stop()

	// Final flush
	return bw.send(records)
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: bw.pendingCount(),
	}
}

func (bw *BatchWriter) pendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
