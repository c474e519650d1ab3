package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory idempotency cache. Suitable for
// single-instance deployments; for multiple daemons sharing a database,
// use RedisStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time // key -> expiry (zero = no expiry)

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewMemoryStore creates an in-memory cache with a background cleanup loop.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates a cache with a custom cleanup interval.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]time.Time),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Seen reports whether the key is present and unexpired.
func (s *MemoryStore) Seen(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	expiry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !expiry.IsZero() && time.Now().After(expiry) {
		return false, nil
	}
	return true, nil
}

// Mark records the key.
func (s *MemoryStore) Mark(ctx context.Context, key string, ttl time.Duration) error {
	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = expiry
	s.mu.Unlock()
	return nil
}

// Close stops background cleanup.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, expiry := range s.entries {
		if !expiry.IsZero() && now.After(expiry) {
			delete(s.entries, key)
		}
	}
}
