package shared

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by KVStore.Get for a missing or expired key
var ErrKeyNotFound = errors.New("kv: key not found")

// KVStore is a namespaced key-value store with per-entry retention.
// It backs short-lived records such as freight exchange offers and tracking
// references. A zero TTL means the entry never expires.
type KVStore interface {
	// Get returns the value stored under key or ErrKeyNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key for ttl
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
	// Scan returns every live entry whose key starts with prefix
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	// Close releases resources held by the store
	Close() error
}
