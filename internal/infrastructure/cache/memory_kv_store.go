package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/affretia/backend/internal/domain/shared"
)

type kvEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e kvEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryKVStore is a process-local KVStore. Expired entries are invisible
// immediately and removed by a periodic sweep.
type MemoryKVStore struct {
	mu        sync.RWMutex
	entries   map[string]kvEntry
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// MemoryOption configures a MemoryKVStore
type MemoryOption func(*MemoryKVStore)

// WithClock overrides the time source
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryKVStore) { s.now = now }
}

// NewMemoryKVStore creates an in-memory store sweeping expired entries every
// sweepInterval. A non-positive interval disables the sweep.
func NewMemoryKVStore(sweepInterval time.Duration, opts ...MemoryOption) *MemoryKVStore {
	s := &MemoryKVStore{
		entries:  make(map[string]kvEntry),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(sweepInterval)
	}
	return s
}

// Get implements shared.KVStore
func (s *MemoryKVStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return nil, shared.ErrKeyNotFound
	}
	return clone(e.value), nil
}

// Put implements shared.KVStore. A negative ttl removes the key.
func (s *MemoryKVStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl < 0 {
		delete(s.entries, key)
		return nil
	}
	e := kvEntry{value: clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// Delete implements shared.KVStore
func (s *MemoryKVStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Scan implements shared.KVStore
func (s *MemoryKVStore) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make(map[string][]byte)
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			out[k] = clone(e.value)
		}
	}
	return out, nil
}

// Len returns the number of stored entries, expired or not
func (s *MemoryKVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the sweep. Safe to call multiple times.
func (s *MemoryKVStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

func (s *MemoryKVStore) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes expired entries
func (s *MemoryKVStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

var _ shared.KVStore = (*MemoryKVStore)(nil)
