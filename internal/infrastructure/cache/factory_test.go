package cache

import (
	"context"
	"testing"
	"time"

	"github.com/affretia/backend/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// unreachableRedis points at a port nothing listens on
var unreachableRedis = config.RedisConfig{Host: "127.0.0.1", Port: 1}

func TestKVStoreFactory_Memory(t *testing.T) {
	f := NewKVStoreFactory(config.KVConfig{Backend: "memory", SweepInterval: time.Minute}, unreachableRedis)

	store, err := f.Create(context.Background())
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &MemoryKVStore{}, store)
}

func TestKVStoreFactory_RedisUnavailable(t *testing.T) {
	kv := config.KVConfig{Backend: "redis", KeyPrefix: "affretia:"}

	t.Run("fails without fallback", func(t *testing.T) {
		_, err := NewKVStoreFactory(kv, unreachableRedis).Create(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis KV store unavailable")
	})

	t.Run("falls back to memory with a warning", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		f := NewKVStoreFactory(kv, unreachableRedis,
			WithLogger(zap.New(core)),
			WithInMemoryFallback(true))

		store, err := f.Create(context.Background())
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &MemoryKVStore{}, store)
		assert.Equal(t, 1, logs.Len())
	})
}
