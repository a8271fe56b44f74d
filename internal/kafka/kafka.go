// Package kafka carries log records into the pipeline and response commands
// out to host agents over Kafka topics.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Security protocols.
const (
	ProtocolPlaintext     = "PLAINTEXT"
	ProtocolSSL           = "SSL"
	ProtocolSASLPlaintext = "SASL_PLAINTEXT"
	ProtocolSASLSSL       = "SASL_SSL"
)

var saslMechanisms = []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"}

// Config configures the log feed consumer, the agent command producer and
// topic provisioning.
type Config struct {
	// Enabled turns on the Kafka log feed and command executors.
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`

	// Logs is the topic agents publish normalized log records to.
	Logs TopicSettings `yaml:"logs"`
	// Commands is the topic restart_service and kill_process commands go
	// out on, keyed by target.
	Commands TopicSettings `yaml:"commands"`

	// EnsureTopics creates both topics at startup when they are missing.
	EnsureTopics      bool   `yaml:"ensure_topics"`
	ReplicationFactor int    `yaml:"replication_factor"`
	Compression       string `yaml:"compression"`

	Security SecurityConfig   `yaml:"security"`
	Feed     FeedSettings     `yaml:"feed"`
	Dispatch DispatchSettings `yaml:"dispatch"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
}

// TopicSettings describes one topic and how it is created.
type TopicSettings struct {
	Name            string        `yaml:"name"`
	Partitions      int           `yaml:"partitions"`
	Retention       time.Duration `yaml:"retention"`
	MaxMessageBytes int           `yaml:"max_message_bytes"`
}

// SecurityConfig holds broker authentication and transport encryption.
type SecurityConfig struct {
	Protocol      string `yaml:"protocol"`
	SASLMechanism string `yaml:"sasl_mechanism,omitempty"`
	Username      string `yaml:"username,omitempty"`
	Password      string `yaml:"password,omitempty"`
	TLS           bool   `yaml:"tls"`
	CAFile        string `yaml:"ca_file,omitempty"`
	CertFile      string `yaml:"cert_file,omitempty"`
	KeyFile       string `yaml:"key_file,omitempty"`
	SkipVerify    bool   `yaml:"skip_verify,omitempty"`
}

func (s SecurityConfig) sasl() bool {
	return s.Protocol == ProtocolSASLPlaintext || s.Protocol == ProtocolSASLSSL
}

func (s SecurityConfig) tls() bool {
	return s.TLS || s.Protocol == ProtocolSSL || s.Protocol == ProtocolSASLSSL
}

// FeedSettings tune the consumer group reading the log topic.
type FeedSettings struct {
	Group string `yaml:"group"`
	// StartOffset applies to a group with no committed offset:
	// -1 latest, -2 earliest.
	StartOffset    int64         `yaml:"start_offset"`
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// HandlerTimeout bounds one record's hand-off into the pipeline queue.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// DispatchSettings tune command publishing.
type DispatchSettings struct {
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// RequiredAcks: -1 all replicas, 0 none, 1 leader.
	RequiredAcks int `yaml:"required_acks"`
}

// DefaultConfig returns the settings used when the kafka section is absent.
func DefaultConfig() *Config {
	return &Config{
		Brokers: []string{"localhost:9092"},
		Logs: TopicSettings{
			Name:            "sentinel-logs",
			Partitions:      3,
			Retention:       7 * 24 * time.Hour,
			MaxMessageBytes: 1 << 20,
		},
		// Commands are only useful while the threat is fresh.
		Commands: TopicSettings{
			Name:            "sentinel-commands",
			Partitions:      1,
			Retention:       24 * time.Hour,
			MaxMessageBytes: 64 << 10,
		},
		ReplicationFactor: 1,
		Compression:       "lz4",
		Security:          SecurityConfig{Protocol: ProtocolPlaintext},
		Feed: FeedSettings{
			Group:          "sentinel",
			StartOffset:    kafka.LastOffset,
			MinBytes:       1,
			MaxBytes:       10 << 20,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: time.Second,
			SessionTimeout: 30 * time.Second,
			HandlerTimeout: 30 * time.Second,
		},
		Dispatch: DispatchSettings{
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
			RequiredAcks: int(kafka.RequireAll),
		},
		DialTimeout: 10 * time.Second,
		IOTimeout:   30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	for _, t := range []struct {
		role string
		TopicSettings
	}{{"logs", c.Logs}, {"commands", c.Commands}} {
		if t.Name == "" {
			return fmt.Errorf("kafka: %s topic name is required", t.role)
		}
		if t.Partitions < 1 {
			return fmt.Errorf("kafka: %s topic needs at least one partition", t.role)
		}
	}
	if c.Logs.Name == c.Commands.Name {
		return errors.New("kafka: log and command topics must differ")
	}
	if c.ReplicationFactor < 1 {
		return errors.New("kafka: replication factor must be at least 1")
	}
	if c.Feed.Group == "" {
		return errors.New("kafka: feed consumer group is required")
	}

	switch c.Security.Protocol {
	case ProtocolPlaintext, ProtocolSSL, ProtocolSASLPlaintext, ProtocolSASLSSL:
	default:
		return fmt.Errorf("kafka: invalid security protocol: %s", c.Security.Protocol)
	}
	if c.Security.sasl() {
		if !slices.Contains(saslMechanisms, c.Security.SASLMechanism) {
			return fmt.Errorf("kafka: invalid SASL mechanism: %s", c.Security.SASLMechanism)
		}
		if c.Security.Username == "" || c.Security.Password == "" {
			return errors.New("kafka: SASL username and password required for SASL authentication")
		}
	}

	return nil
}

// GetCompression returns the kafka-go codec for the configured compression.
func (c *Config) GetCompression() kafka.Compression {
	switch c.Compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// GetDialer returns a dialer carrying the TLS and SASL settings.
func (c *Config) GetDialer() (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   c.DialTimeout,
		DualStack: true,
	}

	if c.Security.tls() {
		tlsConfig, err := c.Security.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure TLS: %w", err)
		}
		dialer.TLS = tlsConfig
	}

	if c.Security.sasl() {
		mechanism, err := c.Security.mechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure SASL: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

func (s SecurityConfig) tlsConfig() (*tls.Config, error) {
	if s.SkipVerify {
		slog.Warn("kafka TLS certificate verification is disabled")
	}

	cfg := &tls.Config{
		InsecureSkipVerify: s.SkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if s.CAFile != "" {
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}

	if s.CertFile != "" && s.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func (s SecurityConfig) mechanism() (sasl.Mechanism, error) {
	switch s.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	}
	return nil, fmt.Errorf("unsupported SASL mechanism: %s", s.SASLMechanism)
}

// FeedStats counts what the log feed consumer has read.
type FeedStats struct {
	Consumed      int64
	Bytes         int64
	Errors        int64
	LastOffset    int64
	LastError     error
	LastErrorTime time.Time
}

// DispatchStats counts commands published to agents.
type DispatchStats struct {
	Sent          int64
	Bytes         int64
	Errors        int64
	Retries       int64
	LastError     error
	LastErrorTime time.Time
}

// HealthStatus is the result of a broker health check.
type HealthStatus struct {
	Healthy     bool          `json:"healthy"`
	LastCheck   time.Time     `json:"last_check"`
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error,omitempty"`
	BrokerCount int           `json:"broker_count"`
}
