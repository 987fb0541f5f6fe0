package cache

import (
	"context"
	"fmt"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// KVStoreFactory creates the KV store selected by configuration
type KVStoreFactory struct {
	kvConfig              config.KVConfig
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// KVStoreFactoryOption configures the factory
type KVStoreFactoryOption func(*KVStoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) KVStoreFactoryOption {
	return func(f *KVStoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether an unreachable Redis falls back to
// the in-memory store. Offers and tracking records are then local to the
// instance.
func WithInMemoryFallback(allow bool) KVStoreFactoryOption {
	return func(f *KVStoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewKVStoreFactory creates a new factory
func NewKVStoreFactory(kv config.KVConfig, redisCfg config.RedisConfig, opts ...KVStoreFactoryOption) *KVStoreFactory {
	f := &KVStoreFactory{
		kvConfig:    kv,
		redisConfig: redisCfg,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create returns the configured store
func (f *KVStoreFactory) Create(ctx context.Context) (shared.KVStore, error) {
	if f.kvConfig.Backend != "redis" {
		f.logger.Info("Using in-memory KV store")
		return NewMemoryKVStore(f.kvConfig.SweepInterval), nil
	}

	client, err := Connect(ctx, f.redisConfig)
	if err == nil {
		f.logger.Info("Using Redis KV store", zap.String("addr", f.redisConfig.Addr()))
		return NewRedisKVStore(client, f.kvConfig.KeyPrefix), nil
	}
	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("redis KV store unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory KV store. "+
		"Exchange offers and tracking records will not be shared between instances.",
		zap.Error(err))
	return NewMemoryKVStore(f.kvConfig.SweepInterval), nil
}
