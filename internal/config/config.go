// Package config loads the sentinel daemon configuration from a YAML file
// and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sentinel/internal/credentials"
	"sentinel/internal/detection/model"
	"sentinel/internal/kafka"
	"sentinel/internal/logging"
	"sentinel/internal/notify"
	"sentinel/internal/pipeline"
	"sentinel/internal/response"
	"sentinel/internal/storage"
	"sentinel/internal/storage/s3"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendSQL        = "sql"
	BackendClickHouse = "clickhouse"
)

// DefaultConfigPath is read when SENTINEL_CONFIG_PATH is unset.
const DefaultConfigPath = "configs/sentinel.yaml"

// Config holds the daemon configuration.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Auth        AuthConfig           `yaml:"auth"`
	CORS        CORSConfig           `yaml:"cors"`
	RateLimit   RateLimitConfig      `yaml:"rate_limit"`
	Headers     HeadersConfig        `yaml:"security_headers"`
	Logging     logging.Config       `yaml:"logging"`
	Pipeline    pipeline.Config      `yaml:"pipeline"`
	Detection   DetectionConfig      `yaml:"detection"`
	Response    response.Config      `yaml:"response"`
	Storage     StorageConfig        `yaml:"storage"`
	Encryption  EncryptionConfig     `yaml:"encryption"`
	Kafka       kafka.Config         `yaml:"kafka"`
	Redis       response.RedisConfig `yaml:"redis"`
	S3          S3Config             `yaml:"s3"`
	NATS        notify.Config        `yaml:"nats"`
	Credentials credentials.Config   `yaml:"credentials"`
	Metrics     MetricsConfig        `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
	Enabled      bool     `yaml:"enabled"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"` // Preflight cache duration in seconds
}

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"` // Allowed above the limit within a window
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"` // Trust X-Forwarded-For
}

// HeadersConfig holds the security headers set on API responses. Empty
// values leave the header unset.
type HeadersConfig struct {
	Enabled               bool              `yaml:"enabled"`
	HSTSMaxAge            int               `yaml:"hsts_max_age"` // Seconds; zero disables HSTS
	HSTSIncludeSubdomains bool              `yaml:"hsts_include_subdomains"`
	ContentSecurityPolicy string            `yaml:"content_security_policy"`
	FrameOptions          string            `yaml:"frame_options"`
	ReferrerPolicy        string            `yaml:"referrer_policy"`
	CrossOriginResource   string            `yaml:"cross_origin_resource_policy"`
	Custom                map[string]string `yaml:"custom"`
}

// DetectionConfig holds the anomaly model and classifier settings.
type DetectionConfig struct {
	Model     model.Config `yaml:"model"`
	Threshold float64      `yaml:"threshold"`
}

// StorageConfig selects and configures the ledger backend.
type StorageConfig struct {
	Backend     string                    `yaml:"backend"`
	SQL         storage.SQLConfig         `yaml:"sql"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention   storage.RetentionConfig   `yaml:"retention"`
}

// EncryptionConfig holds at-rest sealing settings. The master key comes from
// SENTINEL_MASTER_KEY or MasterKeyFile and is never read from YAML.
type EncryptionConfig struct {
	Enabled       bool   `yaml:"enabled"`
	KeyVersion    int    `yaml:"key_version"`
	MasterKeyFile string `yaml:"master_key_file"`
	MasterKey     string `yaml:"-"`
	// PreviousKeys are retired keys, still needed to open older values.
	PreviousKeys []PreviousKey `yaml:"previous_keys"`
}

// PreviousKey names a retired master key by version and file.
type PreviousKey struct {
	Version   int    `yaml:"version"`
	KeyFile   string `yaml:"key_file"`
	MasterKey string `yaml:"-"`
}

// S3Config holds the quarantine evidence store settings.
type S3Config struct {
	Enabled   bool `yaml:"enabled"`
	s3.Config `yaml:",inline"`
	Evidence  s3.EvidenceConfig `yaml:"evidence"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration: in-memory ledger,
// simulated feed and simulated executors, so the daemon runs without any
// external service.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			Enabled:      false,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders: []string{
				"Accept",
				"Authorization",
				"Content-Type",
				"X-API-Key",
				"X-Request-ID",
			},
			ExposedHeaders: []string{
				"X-Request-ID",
				"X-RateLimit-Limit",
				"X-RateLimit-Remaining",
				"X-RateLimit-Reset",
			},
			AllowCredentials: false,
			MaxAge:           86400,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 600,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		Headers: HeadersConfig{
			Enabled:               true,
			HSTSMaxAge:            31536000,
			HSTSIncludeSubdomains: true,
			ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
			FrameOptions:          "DENY",
			ReferrerPolicy:        "no-referrer",
			CrossOriginResource:   "same-origin",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Pipeline: pipeline.DefaultConfig(),
		Detection: DetectionConfig{
			Model:     model.DefaultConfig(),
			Threshold: 0.75,
		},
		Response: response.DefaultConfig(),
		Storage: StorageConfig{
			Backend:     BackendMemory,
			SQL:         storage.DefaultSQLConfig(),
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Retention: storage.RetentionConfig{
				LogsTTL: 90 * 24 * time.Hour,
			},
		},
		Encryption: EncryptionConfig{
			Enabled:    false,
			KeyVersion: 1,
		},
		Kafka: *kafka.DefaultConfig(),
		Redis: response.DefaultRedisConfig(),
		S3: S3Config{
			Config:   *s3.DefaultConfig(),
			Evidence: s3.DefaultEvidenceConfig(),
		},
		NATS:        notify.DefaultConfig(),
		Credentials: credentials.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads configuration from SENTINEL_CONFIG_PATH (default
// configs/sentinel.yaml). A missing file yields the defaults. Environment
// overrides are applied in both cases.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("SENTINEL_CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.Encryption.MasterKey == "" && cfg.Encryption.MasterKeyFile != "" {
		key, err := os.ReadFile(cfg.Encryption.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read master key file: %w", err)
		}
		cfg.Encryption.MasterKey = strings.TrimSpace(string(key))
	}
	for i, prev := range cfg.Encryption.PreviousKeys {
		if prev.KeyFile == "" {
			continue
		}
		key, err := os.ReadFile(prev.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read previous key file: %w", err)
		}
		cfg.Encryption.PreviousKeys[i].MasterKey = strings.TrimSpace(string(key))
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SENTINEL_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = p
		}
	}

	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("SENTINEL_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if apiKey := os.Getenv("SENTINEL_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if interval := os.Getenv("SENTINEL_CYCLE_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			c.Pipeline.Interval = d
		}
	}
	if feed := os.Getenv("SENTINEL_FEED"); feed != "" {
		c.Pipeline.Feed = feed
	}

	// Storage settings
	if backend := os.Getenv("SENTINEL_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if dsn := os.Getenv("SENTINEL_SQL_DSN"); dsn != "" {
		c.Storage.SQL.DSN = dsn
	}
	if driver := os.Getenv("SENTINEL_SQL_DRIVER"); driver != "" {
		c.Storage.SQL.Driver = driver
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(host, ",")
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if key := os.Getenv("SENTINEL_MASTER_KEY"); key != "" {
		c.Encryption.MasterKey = key
		c.Encryption.Enabled = true
	}

	// Response backends
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.NATS.URL = url
		c.NATS.Enabled = true
	}
	if bucket := os.Getenv("SENTINEL_S3_BUCKET"); bucket != "" {
		c.S3.Bucket = bucket
		c.S3.Enabled = true
	}

	if dir := os.Getenv("SENTINEL_CREDENTIALS_DIR"); dir != "" {
		c.Credentials.Dir = dir
	}

	// CORS settings
	if enabled := os.Getenv("SENTINEL_CORS_ENABLED"); enabled == "false" {
		c.CORS.Enabled = false
	}
	if origins := os.Getenv("SENTINEL_CORS_ORIGINS"); origins != "" {
		c.CORS.AllowedOrigins = splitAndTrim(origins, ",")
	}

	// Rate limit settings
	if enabled := os.Getenv("SENTINEL_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
	if rps := os.Getenv("SENTINEL_RATELIMIT_RPS"); rps != "" {
		if n, err := strconv.Atoi(rps); err == nil {
			c.RateLimit.RequestsPerIP = n
		}
	}
}

// splitAndTrim splits s by sep and drops empty elements.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be json or text, got %q", c.Logging.Format)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if c.Detection.Threshold <= 0 || c.Detection.Threshold >= 1 {
		return fmt.Errorf("detection threshold must be in (0,1), got %v", c.Detection.Threshold)
	}
	if c.Detection.Model.MinTrainingSamples < 2 {
		return fmt.Errorf("detection min_training_samples must be at least 2")
	}
	if c.Detection.Model.Forest.Trees <= 0 {
		return fmt.Errorf("detection forest trees must be positive")
	}
	if err := c.Response.Validate(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQL:
		if c.Storage.SQL.Driver != storage.DriverSQLite && c.Storage.SQL.Driver != storage.DriverPostgres {
			return fmt.Errorf("storage sql driver must be %s or %s, got %q",
				storage.DriverSQLite, storage.DriverPostgres, c.Storage.SQL.Driver)
		}
		if c.Storage.SQL.DSN == "" {
			return fmt.Errorf("storage sql dsn is required")
		}
	case BackendClickHouse:
		if err := c.Storage.ClickHouse.Validate(); err != nil {
			return err
		}
		if c.Storage.BatchWriter.BatchSize <= 0 {
			return fmt.Errorf("batch_writer batch_size must be positive")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Encryption.Enabled {
		if c.Encryption.MasterKey == "" {
			return fmt.Errorf("encryption enabled but no master key (set SENTINEL_MASTER_KEY or master_key_file)")
		}
		if c.Encryption.KeyVersion < 1 || c.Encryption.KeyVersion > 255 {
			return fmt.Errorf("encryption key_version must be in 1..255")
		}
		seen := make(map[int]bool, len(c.Encryption.PreviousKeys))
		for _, prev := range c.Encryption.PreviousKeys {
			if prev.MasterKey == "" {
				return fmt.Errorf("encryption previous key %d has no key", prev.Version)
			}
			if prev.Version < 1 || prev.Version >= c.Encryption.KeyVersion || seen[prev.Version] {
				return fmt.Errorf("encryption previous key version %d must be unique and below key_version", prev.Version)
			}
			seen[prev.Version] = true
		}
	}

	if c.Kafka.Enabled || c.Pipeline.Feed == pipeline.FeedKafka {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	if c.Pipeline.Feed == pipeline.FeedKafka && !c.Kafka.Enabled {
		return fmt.Errorf("pipeline feed %q requires kafka.enabled", pipeline.FeedKafka)
	}
	if c.S3.Enabled {
		if err := c.S3.Config.Validate(); err != nil {
			return err
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats url is required when nats is enabled")
	}

	for _, want := range c.Response.RealExecutors() {
		switch want {
		case response.BackendRedis:
			if c.Redis.Addr == "" {
				return fmt.Errorf("redis addr is required by the block_ip executor")
			}
		case response.BackendS3:
			if !c.S3.Enabled {
				return fmt.Errorf("s3 must be enabled for the quarantine executor")
			}
		case response.BackendKafka:
			if !c.Kafka.Enabled {
				return fmt.Errorf("kafka must be enabled for command executors")
			}
		}
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth enabled but no api keys configured")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerIP <= 0 {
		return fmt.Errorf("rate_limit requests_per_ip must be positive")
	}

	return nil
}
