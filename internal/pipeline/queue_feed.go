package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"sentinel/internal/kafka"
	"sentinel/internal/metrics"
	"sentinel/internal/queue"
	"sentinel/internal/schema"
)

// ErrMalformedLog is wrapped by DecodeLog for messages that can never be
// turned into a log record.
var ErrMalformedLog = errors.New("pipeline: malformed log message")

// eventLevels maps Windows event ids to log levels for messages that carry
// an event id but no level.
var eventLevels = map[int]schema.Level{
	// security
	4624: schema.LevelInfo,    // successful logon
	4625: schema.LevelWarning, // failed logon
	4648: schema.LevelWarning, // logon with explicit credentials
	4634: schema.LevelInfo,    // logoff
	4647: schema.LevelInfo,    // user initiated logoff
	4672: schema.LevelWarning, // special privileges assigned
	4720: schema.LevelInfo,    // account created
	4725: schema.LevelWarning, // account disabled
	4728: schema.LevelWarning, // added to global group
	4732: schema.LevelWarning, // added to local group
	4756: schema.LevelWarning, // added to universal group
	5152: schema.LevelWarning, // WFP dropped a packet
	5157: schema.LevelWarning, // WFP blocked a connection
	// system
	1074: schema.LevelInfo,
	6005: schema.LevelInfo,
	6006: schema.LevelWarning,
	6008: schema.LevelError, // unexpected shutdown
	7036: schema.LevelInfo,
	7040: schema.LevelWarning,
	7045: schema.LevelWarning, // new service installed
	// application
	1000:  schema.LevelError,
	1001:  schema.LevelError,
	1002:  schema.LevelError,
	11707: schema.LevelInfo,
	11708: schema.LevelError,
	11724: schema.LevelInfo,
}

// EventLevel returns the level for a Windows event id, info when unknown.
func EventLevel(eventID int) schema.Level {
	if l, ok := eventLevels[eventID]; ok {
		return l
	}
	return schema.LevelInfo
}

// QueueFeed buffers log records consumed from Kafka until the next cycle
// collects them.
type QueueFeed struct {
	buf     *queue.RingBuffer
	parsers fastjson.ParserPool
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// maxBackoff caps the wait between push attempts on a full buffer.
	maxBackoff time.Duration
}

// NewQueueFeed creates a feed backed by a ring buffer of the given size.
func NewQueueFeed(size int, logger *slog.Logger, m *metrics.Metrics) *QueueFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueFeed{
		buf:        queue.NewRingBuffer(size),
		logger:     logger,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
		maxBackoff: time.Second,
	}
}

// Name implements Feed.
func (f *QueueFeed) Name() string { return FeedKafka }

// Collect drains up to max buffered records without blocking.
func (f *QueueFeed) Collect(ctx context.Context, max int) ([]schema.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := f.buf.PopBatch(max)
	out := make([]schema.LogRecord, 0, len(batch))
	for _, rec := range batch {
		out = append(out, *rec)
	}
	return out, nil
}

// Metrics returns buffer statistics.
func (f *QueueFeed) Metrics() queue.QueueMetrics {
	return f.buf.Metrics()
}

// Close stops accepting records. Buffered records can still be collected.
func (f *QueueFeed) Close() {
	f.buf.Close()
}

// HandleMessage is a kafka.MessageHandler. Malformed messages are logged
// and committed so they are not redelivered forever. A full buffer is
// retried with backoff until the context ends, leaving the offset
// uncommitted.
func (f *QueueFeed) HandleMessage(ctx context.Context, msg kafka.Message) error {
	rec, err := f.DecodeLog(msg.Value)
	if err != nil {
		f.logger.Warn("dropping malformed log message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err)
		f.metrics.LogRejected()
		return nil
	}
	return f.push(ctx, &rec)
}

func (f *QueueFeed) push(ctx context.Context, rec *schema.LogRecord) error {
	backoff := 10 * time.Millisecond
	for {
		err := f.buf.Push(rec)
		if !errors.Is(err, queue.ErrQueueFull) {
			return err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("pipeline: queue full: %w", ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, f.maxBackoff)
	}
}

// DecodeLog parses one JSON log message. Source and message are required;
// a missing id or timestamp is generated, and a missing level is derived
// from details.event_id when present.
func (f *QueueFeed) DecodeLog(data []byte) (schema.LogRecord, error) {
	p := f.parsers.Get()
	defer f.parsers.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return schema.LogRecord{}, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	if v.Type() != fastjson.TypeObject {
		return schema.LogRecord{}, fmt.Errorf("%w: expected object, got %s", ErrMalformedLog, v.Type())
	}

	source := strings.TrimSpace(string(v.GetStringBytes("source")))
	if source == "" {
		return schema.LogRecord{}, fmt.Errorf("%w: missing source", ErrMalformedLog)
	}
	message := string(v.GetStringBytes("message"))
	if message == "" {
		message = string(v.GetStringBytes("msg"))
	}
	if message == "" {
		return schema.LogRecord{}, fmt.Errorf("%w: missing message", ErrMalformedLog)
	}

	ts, err := decodeTimestamp(v.Get("timestamp"), f.now)
	if err != nil {
		return schema.LogRecord{}, err
	}

	var details schema.Details
	if dv := v.Get("details"); dv != nil && dv.Type() == fastjson.TypeObject {
		if m, ok := jsonValue(dv).(map[string]any); ok {
			details = schema.DetailsFromMap(m)
		}
	}

	var level schema.Level
	if lv := v.GetStringBytes("level"); len(lv) > 0 {
		level = schema.ParseLevel(string(lv))
	} else if id := v.GetInt("details", "event_id"); id != 0 {
		level = EventLevel(id)
	} else {
		level = schema.LevelInfo
	}

	rec := schema.NewLogRecord(ts, source, level, message, details)
	if id := string(v.GetStringBytes("id")); id != "" {
		rec.ID = id
	}
	return rec, nil
}

// decodeTimestamp accepts RFC 3339 strings and unix seconds or
// milliseconds.
func decodeTimestamp(v *fastjson.Value, now func() time.Time) (time.Time, error) {
	if v == nil || v.Type() == fastjson.TypeNull {
		return now(), nil
	}
	switch v.Type() {
	case fastjson.TypeString:
		s := string(v.GetStringBytes())
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformedLog, s, err)
		}
		return ts.UTC(), nil
	case fastjson.TypeNumber:
		n := v.GetFloat64()
		if n <= 0 {
			return now(), nil
		}
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		sec := int64(n)
		return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: timestamp has type %s", ErrMalformedLog, v.Type())
	}
}

// jsonValue converts a fastjson value into plain Go values.
func jsonValue(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		if i, err := v.Int(); err == nil {
			return i
		}
		return v.GetFloat64()
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeArray:
		items := v.GetArray()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, jsonValue(item))
		}
		return out
	case fastjson.TypeObject:
		obj := v.GetObject()
		out := make(map[string]any, obj.Len())
		obj.Visit(func(key []byte, item *fastjson.Value) {
			out[string(key)] = jsonValue(item)
		})
		return out
	default:
		return nil
	}
}
