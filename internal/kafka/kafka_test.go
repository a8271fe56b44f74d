package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Brokers) == 0 {
		t.Error("expected default brokers")
	}
	if cfg.Logs.Name != "sentinel-logs" {
		t.Errorf("Logs.Name = %q, want sentinel-logs", cfg.Logs.Name)
	}
	if cfg.Commands.Name != "sentinel-commands" {
		t.Errorf("Commands.Name = %q, want sentinel-commands", cfg.Commands.Name)
	}
	if cfg.Commands.Retention >= cfg.Logs.Retention {
		t.Errorf("command retention %v should be shorter than log retention %v", cfg.Commands.Retention, cfg.Logs.Retention)
	}
	if cfg.Enabled {
		t.Error("kafka should be disabled by default")
	}
	if cfg.Logs.Partitions < 1 || cfg.ReplicationFactor < 1 {
		t.Error("expected partitions and replication factor >= 1")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty brokers",
			modify: func(c *Config) {
				c.Brokers = nil
			},
			wantErr: true,
		},
		{
			name: "empty topic",
			modify: func(c *Config) {
				c.Logs.Name = ""
			},
			wantErr: true,
		},
		{
			name: "empty command topic",
			modify: func(c *Config) {
				c.Commands.Name = ""
			},
			wantErr: true,
		},
		{
			name: "command topic equals log topic",
			modify: func(c *Config) {
				c.Commands.Name = c.Logs.Name
			},
			wantErr: true,
		},
		{
			name: "invalid partitions",
			modify: func(c *Config) {
				c.Commands.Partitions = 0
			},
			wantErr: true,
		},
		{
			name: "invalid replication factor",
			modify: func(c *Config) {
				c.ReplicationFactor = 0
			},
			wantErr: true,
		},
		{
			name: "invalid security protocol",
			modify: func(c *Config) {
				c.Security.Protocol = "INVALID"
			},
			wantErr: true,
		},
		{
			name: "SASL without credentials",
			modify: func(c *Config) {
				c.Security.Protocol = ProtocolSASLPlaintext
				c.Security.SASLMechanism = "PLAIN"
				c.Security.Username = ""
			},
			wantErr: true,
		},
		{
			name: "valid SASL config",
			modify: func(c *Config) {
				c.Security.Protocol = ProtocolSASLPlaintext
				c.Security.SASLMechanism = "PLAIN"
				c.Security.Username = "user"
				c.Security.Password = "pass"
			},
			wantErr: false,
		},
		{
			name: "SCRAM-SHA-256",
			modify: func(c *Config) {
				c.Security.Protocol = ProtocolSASLSSL
				c.Security.SASLMechanism = "SCRAM-SHA-256"
				c.Security.Username = "user"
				c.Security.Password = "pass"
				c.Security.SkipVerify = true
			},
			wantErr: false,
		},
		{
			name: "unknown SASL mechanism",
			modify: func(c *Config) {
				c.Security.Protocol = ProtocolSASLSSL
				c.Security.SASLMechanism = "GSSAPI"
				c.Security.Username = "user"
				c.Security.Password = "pass"
			},
			wantErr: true,
		},
		{
			name: "empty consumer group",
			modify: func(c *Config) {
				c.Feed.Group = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetCompression(t *testing.T) {
	tests := []struct {
		compression string
		wantNonZero bool
	}{
		{"gzip", true},
		{"snappy", true},
		{"lz4", true},
		{"zstd", true},
		{"none", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Compression = tt.compression

			result := cfg.GetCompression()
			if tt.wantNonZero && result == 0 {
				t.Errorf("expected non-zero compression for %s", tt.compression)
			}
			if !tt.wantNonZero && result != 0 {
				t.Errorf("expected zero compression for %s", tt.compression)
			}
		})
	}
}

func TestGetDialer(t *testing.T) {
	cfg := DefaultConfig()

	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}

	if dialer == nil {
		t.Error("expected non-nil dialer")
	}

	if dialer.Timeout != cfg.DialTimeout {
		t.Errorf("expected timeout %v, got %v", cfg.DialTimeout, dialer.Timeout)
	}
}

func TestGetDialerWithTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.TLS = true
	cfg.Security.SkipVerify = true

	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}

	if dialer.TLS == nil {
		t.Error("expected TLS config to be set")
	}
}

func TestTopicConfigs(t *testing.T) {
	cfg := DefaultConfig()
	topics := cfg.TopicConfigs()
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(topics))
	}
	logs, commands := topics[0], topics[1]
	if logs.Name != cfg.Logs.Name || commands.Name != cfg.Commands.Name {
		t.Errorf("unexpected topic names %q, %q", logs.Name, commands.Name)
	}
	if logs.RetentionMs != 7*24*60*60*1000 {
		t.Errorf("log retention.ms = %d", logs.RetentionMs)
	}
	if commands.RetentionMs != 24*60*60*1000 || commands.Partitions != 1 {
		t.Errorf("unexpected command topic %+v", commands)
	}
	for _, tc := range topics {
		if tc.ReplicationFactor != cfg.ReplicationFactor {
			t.Errorf("topic %s replication = %d", tc.Name, tc.ReplicationFactor)
		}
		if len(tc.entries()) != 2 {
			t.Errorf("topic %s: expected retention and max message entries", tc.Name)
		}
	}

	cfg.Commands.Retention = 0
	cfg.Commands.MaxMessageBytes = 0
	if entries := cfg.TopicConfigs()[1].entries(); len(entries) != 0 {
		t.Errorf("unset topic settings should leave broker defaults, got %v", entries)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	mu       sync.Mutex
	failures []error
	written  []kafka.Message
	calls    int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if len(w.failures) > 0 {
		err := w.failures[0]
		w.failures = w.failures[1:]
		return err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.Dispatch.RetryBackoff = time.Millisecond
	cfg.Dispatch.MaxRetries = 2
	return cfg
}

func TestProducer_ProduceJSON(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, fastConfig(), testLogger())

	err := p.ProduceJSON(context.Background(), "host-1", map[string]string{"command": "restart_service"})
	if err != nil {
		t.Fatalf("ProduceJSON() error = %v", err)
	}
	if len(w.written) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.written))
	}
	if string(w.written[0].Key) != "host-1" {
		t.Errorf("key = %q", w.written[0].Key)
	}
	if string(w.written[0].Value) != `{"command":"restart_service"}` {
		t.Errorf("value = %s", w.written[0].Value)
	}
	if m := p.Stats(); m.Sent != 1 || m.Errors != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestProducer_RetriesTransientErrors(t *testing.T) {
	w := &fakeWriter{failures: []error{errors.New("leader not available")}}
	p := newProducer(w, fastConfig(), testLogger())

	if err := p.Produce(context.Background(), []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if w.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", w.calls)
	}
	m := p.Stats()
	if m.Retries != 1 || m.Errors != 1 || m.LastError == nil {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestProducer_GivesUp(t *testing.T) {
	boom := errors.New("broker down")
	w := &fakeWriter{failures: []error{boom, boom, boom, boom}}
	p := newProducer(w, fastConfig(), testLogger())

	err := p.Produce(context.Background(), []byte("k"), []byte("v"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
	if w.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", w.calls)
	}
}

func TestProducer_NonRetryable(t *testing.T) {
	w := &fakeWriter{failures: []error{kafka.MessageSizeTooLarge}}
	p := newProducer(w, fastConfig(), testLogger())

	err := p.Produce(context.Background(), []byte("k"), []byte("v"))
	if !errors.Is(err, kafka.MessageSizeTooLarge) {
		t.Fatalf("expected MessageSizeTooLarge, got %v", err)
	}
	if w.calls != 1 {
		t.Errorf("non-retryable error should not be retried, got %d attempts", w.calls)
	}
}

func TestProducerClosed(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, fastConfig(), testLogger())
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Produce(context.Background(), []byte("key"), []byte("value")); err != ErrProducerClosed {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			m := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumer_CommitsHandledMessages(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Value: []byte("ok")},
		{Offset: 2, Value: []byte("bad")},
		{Offset: 3, Value: []byte("ok")},
	}}

	var mu sync.Mutex
	var seen []string
	handler := func(_ context.Context, msg Message) error {
		mu.Lock()
		seen = append(seen, string(msg.Value))
		mu.Unlock()
		if string(msg.Value) == "bad" {
			return errors.New("unparseable")
		}
		return nil
	}

	c := newConsumer(r, DefaultConfig(), handler, testLogger())
	if err := c.StartAsync(); err != nil {
		t.Fatalf("StartAsync() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(r.commits()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	commits := r.commits()
	if len(commits) != 2 || commits[0] != 1 || commits[1] != 3 {
		t.Errorf("committed offsets = %v, want [1 3]", commits)
	}
	if len(seen) != 3 {
		t.Errorf("handler saw %d messages, want 3", len(seen))
	}
	m := c.Stats()
	if m.Consumed != 2 || m.Errors != 1 || m.LastOffset != 3 {
		t.Errorf("unexpected metrics %+v", m)
	}
	if !r.closed {
		t.Error("reader not closed")
	}
}

func TestConsumerStartTwice(t *testing.T) {
	c := newConsumer(&fakeReader{}, DefaultConfig(), func(context.Context, Message) error { return nil }, testLogger())
	if err := c.StartAsync(); err != nil {
		t.Fatalf("StartAsync() error = %v", err)
	}
	defer c.Stop()

	if err := c.StartAsync(); err == nil {
		t.Error("expected error when starting twice")
	}
}

func TestConsumerStartAfterStop(t *testing.T) {
	c := newConsumer(&fakeReader{}, DefaultConfig(), func(context.Context, Message) error { return nil }, testLogger())
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := c.StartAsync(); err != ErrConsumerClosed {
		t.Errorf("expected ErrConsumerClosed, got %v", err)
	}
}
