package response

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"sentinel/internal/schema"
)

// BlocklistStore is the subset of Redis used by RedisBlocker.
type BlocklistStore interface {
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// GoRedisStore adapts a go-redis client to BlocklistStore.
type GoRedisStore struct {
	client *redis.Client
}

// NewGoRedisStore connects to Redis and verifies the connection.
func NewGoRedisStore(ctx context.Context, cfg RedisConfig) (*GoRedisStore, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("response: failed to connect to redis: %w", err)
	}
	return &GoRedisStore{client: client}, nil
}

// SAdd adds members to a set.
func (g *GoRedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return g.client.SAdd(ctx, key, vals...).Err()
}

// SMembers returns all members of a set.
func (g *GoRedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return g.client.SMembers(ctx, key).Result()
}

// Set stores a value with TTL.
func (g *GoRedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

// Ping checks the connection.
func (g *GoRedisStore) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the connection.
func (g *GoRedisStore) Close() error {
	return g.client.Close()
}

// blockEntry is stored per address next to the blocklist set.
type blockEntry struct {
	IPAddress string    `json:"ip_address"`
	Severity  string    `json:"severity,omitempty"`
	Source    string    `json:"source,omitempty"`
	BlockedAt time.Time `json:"blocked_at"`
}

// RedisBlocker adds addresses to a Redis blocklist that enforcement
// points read from.
type RedisBlocker struct {
	store  BlocklistStore
	key    string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisBlocker creates a block_ip executor on top of store.
func NewRedisBlocker(store BlocklistStore, cfg RedisConfig, logger *slog.Logger) *RedisBlocker {
	if logger == nil {
		logger = slog.Default()
	}
	key := cfg.BlocklistKey
	if key == "" {
		key = DefaultRedisConfig().BlocklistKey
	}
	return &RedisBlocker{
		store:  store,
		key:    key,
		ttl:    cfg.BlockTTL,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Type implements ActionExecutor.
func (b *RedisBlocker) Type() schema.ActionType { return schema.ActionBlockIP }

// Execute implements ActionExecutor. The address resolves like the
// simulation's; whatever it resolves to must parse as an IP.
func (b *RedisBlocker) Execute(ctx context.Context, p schema.ActionParams) (schema.ActionResult, error) {
	placeholder := paramIP(p) == ""
	ip := ResolveIP(p)
	if placeholder {
		b.logger.Warn("block target missing, using placeholder", "ip_address", ip)
	}
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("response: %q is not an ip address", ip)
	}

	now := b.now()
	entry, err := json.Marshal(blockEntry{
		IPAddress: ip,
		Severity:  string(p.Severity),
		Source:    p.Source,
		BlockedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("response: failed to encode block entry: %w", err)
	}

	if err := b.store.SAdd(ctx, b.key, ip); err != nil {
		return nil, fmt.Errorf("response: failed to add %s to blocklist: %w", ip, err)
	}
	if err := b.store.Set(ctx, b.entryKey(ip), entry, b.ttl); err != nil {
		return nil, fmt.Errorf("response: failed to record block of %s: %w", ip, err)
	}

	b.logger.Info("ip blocked", "ip_address", ip, "blocklist", b.key, "ttl", b.ttl)

	res := successResult(schema.ActionBlockIP, fmt.Sprintf("IP address %s has been blocked", ip), now)
	res["ip_address"] = ip
	res["blocklist"] = b.key
	if placeholder {
		res["placeholder"] = true
	}
	return res, nil
}

// Blocked lists every address currently in the blocklist.
func (b *RedisBlocker) Blocked(ctx context.Context) ([]string, error) {
	return b.store.SMembers(ctx, b.key)
}

func (b *RedisBlocker) entryKey(ip string) string {
	return b.key + ":" + ip
}
