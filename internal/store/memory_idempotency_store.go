package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryIdempotencyStore implements IdempotencyStore with an in-process map.
// Entries expire after their TTL; a background sweep removes them.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	data    map[string]*memoryItem
	maxSize int
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an in-memory store holding at most maxSize
// entries and starts its expiry sweep.
func NewMemoryIdempotencyStore(maxSize int, sweepInterval time.Duration, logger *zap.Logger) *MemoryIdempotencyStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	s := &MemoryIdempotencyStore{
		data:    make(map[string]*memoryItem),
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
		logger:  logger,
	}
	go s.sweep(sweepInterval)
	return s
}

// Get retrieves a stored value
func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.data[key]
	if !ok || s.now().After(item.expiresAt) {
		return nil, ErrNotFound
	}
	return item.value, nil
}

// Set stores a value with TTL, evicting an entry when the store is full
func (s *MemoryIdempotencyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists && len(s.data) >= s.maxSize {
		s.evictLocked()
	}

	s.data[key] = &memoryItem{
		value:     value,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// evictLocked removes an expired entry if there is one, otherwise the entry
// closest to expiry.
func (s *MemoryIdempotencyStore) evictLocked() {
	now := s.now()
	var victim string
	var earliest time.Time
	for k, v := range s.data {
		if now.After(v.expiresAt) {
			delete(s.data, k)
			return
		}
		if victim == "" || v.expiresAt.Before(earliest) {
			victim = k
			earliest = v.expiresAt
		}
	}
	if victim != "" {
		delete(s.data, victim)
		s.logger.Debug("Evicted idempotency entry", zap.String("key", victim))
	}
}

// Delete removes a key
func (s *MemoryIdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Ping always succeeds
func (s *MemoryIdempotencyStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the expiry sweep
func (s *MemoryIdempotencyStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// Size returns the number of stored entries, expired or not
func (s *MemoryIdempotencyStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemoryIdempotencyStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *MemoryIdempotencyStore) removeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, item := range s.data {
		if now.After(item.expiresAt) {
			delete(s.data, key)
			removed++
		}
	}
	return removed
}
