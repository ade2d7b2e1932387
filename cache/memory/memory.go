// Package memory provides a bounded in-memory implementation of the cache
// contract using github.com/hashicorp/golang-lru/v2, with lazy expiry on
// read plus a periodic cleanup sweep.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openam-community/am-agent-go/cache"
)

const defaultMaxEntries = 4096

type entry struct {
	storedAt time.Time
	data     []byte
}

// Config for the in-memory cache.
type Config struct {
	// TTL is the per-entry expiry. Zero or negative means entries never
	// expire and no sweep goroutine is started.
	TTL time.Duration

	// MaxEntries bounds the cache size; least recently used entries are
	// evicted first. Defaults to 4096.
	MaxEntries int

	// Logger for sweep diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Cache implements cache.Cache in process memory.
type Cache struct {
	ttl time.Duration
	log *slog.Logger

	mu    sync.Mutex
	store *lru.Cache[string, entry]

	quitOnce sync.Once
	done     chan struct{}
}

var _ cache.Cache = (*Cache)(nil)

// New creates an in-memory cache.
func New(cfg Config) (*Cache, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	store, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("memory: create lru: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Cache{
		ttl:   cfg.TTL,
		log:   log,
		store: store,
		done:  make(chan struct{}),
	}

	if c.ttl > 0 {
		go c.sweep()
	}

	return c, nil
}

// Get returns the stored value, purging it first if it has expired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.store.Get(key)
	if !ok {
		return nil, cache.ErrNotFound
	}

	if c.expired(e, time.Now()) {
		c.store.Remove(key)
		return nil, cache.ErrExpired
	}

	return e.data, nil
}

// Put stores value under key with a fresh timestamp.
func (c *Cache) Put(_ context.Context, key string, value []byte) error {
	data := make([]byte, len(value))
	copy(data, value)

	c.mu.Lock()
	c.store.Add(key, entry{storedAt: time.Now(), data: data})
	c.mu.Unlock()
	return nil
}

// Remove deletes the entry under key, if any.
func (c *Cache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	c.store.Remove(key)
	c.mu.Unlock()
	return nil
}

// Quit stops the sweep goroutine and drops all entries.
func (c *Cache) Quit() error {
	c.quitOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.store.Purge()
		c.mu.Unlock()
	})
	return nil
}

func (c *Cache) expired(e entry, now time.Time) bool {
	return c.ttl > 0 && now.After(e.storedAt.Add(c.ttl))
}

// sweep periodically evicts expired entries so they do not linger between
// reads. Lazy expiry in Get remains the authoritative check.
func (c *Cache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for _, key := range c.store.Keys() {
				if e, ok := c.store.Peek(key); ok && c.expired(e, now) {
					c.store.Remove(key)
				}
			}
			c.mu.Unlock()
			c.log.Debug("cache.sweep.done", slog.Duration("ttl", c.ttl))
		}
	}
}
