package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisKVStore implements shared.KVStore on Redis, so freight exchange
// offers and tracking records are shared by every instance. Every key is
// stored under keyPrefix; Scan results are returned without it.
type RedisKVStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Connect opens a Redis client and checks the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr(), err)
	}
	return client, nil
}

// NewRedisKVStore creates a store over an existing client
func NewRedisKVStore(client redis.UniversalClient, keyPrefix string) *RedisKVStore {
	return &RedisKVStore{client: client, keyPrefix: keyPrefix}
}

// Get implements shared.KVStore
func (s *RedisKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Put implements shared.KVStore. A negative ttl removes the key: Redis
// would read it as "keep the current TTL".
func (s *RedisKVStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return s.Delete(ctx, key)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements shared.KVStore
func (s *RedisKVStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Scan implements shared.KVStore with SCAN + MGET. Keys expiring between
// the two calls are skipped.
func (s *RedisKVStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	pattern := escapeGlob(s.keyPrefix+prefix) + "*"
	out := make(map[string][]byte)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("redis mget: %w", err)
			}
			for i, v := range values {
				str, ok := v.(string)
				if !ok {
					continue
				}
				out[strings.TrimPrefix(keys[i], s.keyPrefix)] = []byte(str)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Close closes the underlying client
func (s *RedisKVStore) Close() error {
	return s.client.Close()
}

// escapeGlob escapes the characters SCAN MATCH treats as a pattern
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ shared.KVStore = (*RedisKVStore)(nil)
