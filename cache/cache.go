// Package cache defines the session cache contract used by the policy
// agent. Implementations map end-user session ids to validated session
// records with per-entry expiry.
package cache

import (
	"context"
	"errors"
)

// ErrNotFound indicates the key is not present in the cache. A Get must
// fail with it rather than returning a zero value.
var ErrNotFound = errors.New("cache: entry not found")

// ErrExpired indicates the entry existed but its TTL elapsed. The entry is
// purged as a side effect of the failed Get. Matches ErrNotFound via
// errors.Is so callers can treat both as a miss.
var ErrExpired = expiredError{}

type expiredError struct{}

func (expiredError) Error() string { return "cache: entry expired" }

func (expiredError) Is(target error) bool { return target == ErrNotFound }

// Cache is the session cache contract. All operations are context-aware
// because backends may sit on the network. Implementations must be safe
// for concurrent use.
//
// Expiry: when a TTL is configured, an entry is invalid once
// now > storedAt + ttl. Expired entries must be purged on the next Get
// (lazy invalidation is mandatory; periodic sweeps are optional extras).
// A TTL of zero or less means entries never expire.
type Cache interface {
	// Get returns the value stored under key, or fails with ErrNotFound /
	// ErrExpired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, overwriting any previous entry and
	// stamping a fresh creation time.
	Put(ctx context.Context, key string, value []byte) error

	// Remove deletes the entry under key. Removing an absent key is not an
	// error.
	Remove(ctx context.Context, key string) error

	// Quit releases resources held by the cache (timers, connections).
	// Idempotent.
	Quit() error
}
