// Package redis provides a Redis-backed implementation of the cache
// contract. Entries are stored as JSON with their creation time so the
// expiry invariant holds even when the server-side TTL and the configured
// TTL drift (for example after a config change).
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/openam-community/am-agent-go/cache"
)

// Config for the Redis cache. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: AGENT_CACHE_KEY_PREFIX
	KeyPrefix string `env:"AGENT_CACHE_KEY_PREFIX,default=amagent:sessions:"`
	// TTL is the per-entry expiry. Zero means entries never expire.
	// ENV: AGENT_CACHE_TTL
	TTL time.Duration `env:"AGENT_CACHE_TTL,default=5m"`

	// Client overrides the connection settings above when set.
	Client *redis.Client
}

type storedEntry struct {
	StoredAt time.Time `json:"storedAt"`
	Data     []byte    `json:"data"`
}

// Cache implements cache.Cache on Redis.
type Cache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	ownClient bool
}

var _ cache.Cache = (*Cache)(nil)

// New creates a Redis cache and verifies connectivity.
func New(cfg Config) (*Cache, error) {
	client := cfg.Client
	ownClient := false
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		ownClient = true
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "amagent:sessions:"
	}

	return &Cache{
		client:    client,
		keyPrefix: prefix,
		ttl:       cfg.TTL,
		ownClient: ownClient,
	}, nil
}

// NewFromEnv builds a Cache using envdecode to populate Config.
func NewFromEnv() (*Cache, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("redis: decode config: %w", err)
	}
	return New(cfg)
}

// Get returns the stored value, deleting it if expired. Redis usually
// evicts expired keys itself; the storedAt check covers clock drift and
// TTL reconfiguration.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}

	var e storedEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("redis: decode entry %s: %w", key, err)
	}

	if c.ttl > 0 && time.Now().After(e.StoredAt.Add(c.ttl)) {
		c.client.Del(ctx, c.keyPrefix+key)
		return nil, cache.ErrExpired
	}

	return e.Data, nil
}

// Put stores value under key with a fresh timestamp and the configured
// server-side TTL.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	raw, err := json.Marshal(storedEntry{StoredAt: time.Now(), Data: value})
	if err != nil {
		return fmt.Errorf("redis: encode entry %s: %w", key, err)
	}

	var expiry time.Duration
	if c.ttl > 0 {
		expiry = c.ttl
	}

	if err := c.client.Set(ctx, c.keyPrefix+key, raw, expiry).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Remove deletes the entry under key. Absent keys are not an error.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis: del %s: %w", key, err)
	}
	return nil
}

// Quit closes the Redis client if this cache created it. A client passed
// in via Config is left open for its owner.
func (c *Cache) Quit() error {
	if !c.ownClient {
		return nil
	}
	return c.client.Close()
}
