package response

import (
	"fmt"
	"slices"
	"time"

	"sentinel/internal/schema"
)

// Executor modes selectable per action type.
const (
	ExecutorSimulated = "simulated"
	ExecutorReal      = "real"
)

// Backends required by real executors.
const (
	BackendRedis = "redis"
	BackendS3    = "s3"
	BackendKafka = "kafka"
)

// realBackends maps each action type with a real implementation to the
// backend it needs.
var realBackends = map[schema.ActionType]string{
	schema.ActionBlockIP:        BackendRedis,
	schema.ActionQuarantine:     BackendS3,
	schema.ActionRestartService: BackendKafka,
	schema.ActionKillProcess:    BackendKafka,
}

// Config holds response orchestration settings.
type Config struct {
	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// SimulatedDelayScale multiplies the simulated handler delays. Zero
	// disables them.
	SimulatedDelayScale float64 `yaml:"simulated_delay_scale"`

	// Executors selects simulated or real per action type.
	Executors map[string]string `yaml:"executors"`

	// Rules overrides the category to action type table.
	Rules map[string]string `yaml:"rules"`
}

// DefaultConfig returns defaults with every executor simulated.
func DefaultConfig() Config {
	executors := make(map[string]string, len(schema.ActionTypes))
	for _, t := range schema.ActionTypes {
		executors[string(t)] = ExecutorSimulated
	}
	return Config{
		HandlerTimeout:      10 * time.Second,
		SimulatedDelayScale: 1.0,
		Executors:           executors,
		Rules:               map[string]string{},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("response: handler_timeout must be positive")
	}
	if c.SimulatedDelayScale < 0 {
		return fmt.Errorf("response: simulated_delay_scale must not be negative")
	}
	for name, mode := range c.Executors {
		t, err := schema.ParseActionType(name)
		if err != nil {
			return fmt.Errorf("response: executor %q: %w", name, err)
		}
		switch mode {
		case ExecutorSimulated:
		case ExecutorReal:
			if _, ok := realBackends[t]; !ok {
				return fmt.Errorf("response: action type %q has no real executor", name)
			}
		default:
			return fmt.Errorf("response: executor %q: unknown mode %q", name, mode)
		}
	}
	if _, err := NewRuleTable(c.Rules); err != nil {
		return err
	}
	return nil
}

// Mode returns the configured executor mode for t, simulated by default.
func (c Config) Mode(t schema.ActionType) string {
	if mode, ok := c.Executors[string(t)]; ok {
		return mode
	}
	return ExecutorSimulated
}

// RealExecutors lists the distinct backends required by the executors
// configured as real, in a stable order.
func (c Config) RealExecutors() []string {
	var out []string
	for _, t := range schema.ActionTypes {
		if c.Mode(t) != ExecutorReal {
			continue
		}
		if b, ok := realBackends[t]; ok && !slices.Contains(out, b) {
			out = append(out, b)
		}
	}
	return out
}

// RedisConfig holds Redis connection settings for the IP blocklist.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`

	// BlocklistKey is the set holding every blocked address.
	BlocklistKey string `yaml:"blocklist_key"`
	// BlockTTL is how long a per-address block entry lives. Zero keeps
	// entries forever.
	BlockTTL time.Duration `yaml:"block_ttl"`
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		BlocklistKey: "sentinel:blocklist",
		BlockTTL:     24 * time.Hour,
	}
}
