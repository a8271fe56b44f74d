package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Wire compression for the ClickHouse connection.
const (
	CompressionZSTD = "zstd"
	CompressionLZ4  = "lz4"
	CompressionNone = "none"
)

// databaseName is the identifier form EnsureDatabase accepts; the name is
// spliced into DDL.
var databaseName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ClickHouseConfig configures the connection behind the ClickHouse ledger.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	// QueryTimeout is sent as max_execution_time; ledger queries that scan
	// the threat or action tables stop there.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	Compression  string        `yaml:"compression"`
}

// DefaultClickHouseConfig returns the default ClickHouse configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "sentinel",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
		QueryTimeout:    time.Minute,
		Compression:     CompressionZSTD,
	}
}

// Validate checks the connection settings.
func (c ClickHouseConfig) Validate() error {
	if len(c.Hosts) == 0 {
		return errors.New("storage clickhouse hosts are required")
	}
	if !databaseName.MatchString(c.Database) {
		return fmt.Errorf("storage clickhouse database %q is not a plain identifier", c.Database)
	}
	if _, err := c.compressionMethod(); err != nil {
		return err
	}
	return nil
}

func (c ClickHouseConfig) compressionMethod() (*clickhouse.Compression, error) {
	switch c.Compression {
	case "", CompressionZSTD:
		return &clickhouse.Compression{Method: clickhouse.CompressionZSTD}, nil
	case CompressionLZ4:
		return &clickhouse.Compression{Method: clickhouse.CompressionLZ4}, nil
	case CompressionNone:
		return nil, nil
	}
	return nil, fmt.Errorf("storage clickhouse compression must be %s, %s or %s, got %q",
		CompressionZSTD, CompressionLZ4, CompressionNone, c.Compression)
}

// ClickHouseClient holds the ledger's ClickHouse connection.
type ClickHouseClient struct {
	conn   driver.Conn
	config ClickHouseConfig
}

// NewClickHouseClient opens a connection and verifies it with a ping.
func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	compression, _ := cfg.compressionMethod()

	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression:     compression,
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.QueryTimeout > 0 {
		opts.Settings = clickhouse.Settings{
			"max_execution_time": int(cfg.QueryTimeout.Seconds()),
		}
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	return &ClickHouseClient{
		conn:   conn,
		config: cfg,
	}, nil
}

// Close closes the ClickHouse connection.
func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Exec runs a statement without returning rows.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// Query runs a query and returns its rows.
func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

// Select runs a query and scans all rows into dest, a pointer to a slice of
// structs with ch tags.
func (c *ClickHouseClient) Select(ctx context.Context, dest any, query string, args ...any) error {
	return c.conn.Select(ctx, dest, query, args...)
}

// QueryRow runs a query expected to return at most one row.
func (c *ClickHouseClient) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	return c.conn.QueryRow(ctx, query, args...)
}

// PrepareBatch starts a batch insert; used by BatchWriter for logs.
func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// EnsureDatabase creates the ledger database if it doesn't exist.
func (c *ClickHouseClient) EnsureDatabase(ctx context.Context) error {
	if !databaseName.MatchString(c.config.Database) {
		return WrapInvalidDataError("EnsureDatabase", "", fmt.Errorf("database name %q", c.config.Database))
	}
	return c.conn.Exec(ctx, "CREATE DATABASE IF NOT EXISTS `"+c.config.Database+"`")
}
