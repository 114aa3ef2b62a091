package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// ToolCache is the optional shared tool-listing cache a Manager consults
// before calling a provider's tools/list, letting multiple gateway replicas
// share one reconciled catalog per provider instead of each re-fetching it.
// Purely an optimization: a cache miss or error always falls back to calling
// the provider directly.
type ToolCache interface {
	Get(ctx context.Context, provider string) ([]Tool, bool)
	Set(ctx context.Context, provider string, tools []Tool) error
}

// RedisToolCache implements ToolCache on top of go-redis, per SPEC_FULL.md's
// domain-stack wiring for github.com/redis/go-redis/v9.
type RedisToolCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisToolCache constructs a cache backed by the given Redis client.
func NewRedisToolCache(client *redis.Client, ttl time.Duration) *RedisToolCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisToolCache{client: client, ttl: ttl, prefix: "mcpfront:tools:"}
}

// NewRedisToolCacheFromURL parses a redis:// URL (as accepted by
// config.RegistryIndexConfig.RedisURL) and constructs a RedisToolCache from
// it. The returned client is never pinged here; a bad address surfaces on
// the first Get/Set, which the Manager treats as a cache miss.
func NewRedisToolCacheFromURL(url string, ttl time.Duration) (*RedisToolCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisToolCache(redis.NewClient(opts), ttl), nil
}

// Get fetches a provider's cached tool catalog. A miss or decode error
// returns (nil, false) so the caller falls back to a live reconcile.
func (c *RedisToolCache) Get(ctx context.Context, provider string) ([]Tool, bool) {
	raw, err := c.client.Get(ctx, c.prefix+provider).Bytes()
	if err != nil {
		return nil, false
	}
	var tools []Tool
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, false
	}
	return tools, true
}

// Set stores a provider's tool catalog with the configured TTL.
func (c *RedisToolCache) Set(ctx context.Context, provider string, tools []Tool) error {
	raw, err := json.Marshal(tools)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+provider, raw, c.ttl).Err()
}
