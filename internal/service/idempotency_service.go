package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/sitefs/internal/store"
	"go.uber.org/zap"
)

// IdempotencyService remembers the result of writes made under a
// client-supplied idempotency key
type IdempotencyService struct {
	idempotencyStore store.IdempotencyStore
	ttl              time.Duration
	logger           *zap.Logger

	mu    sync.Mutex
	inUse map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewIdempotencyService creates a new idempotency service
func NewIdempotencyService(
	idempotencyStore store.IdempotencyStore,
	ttl time.Duration,
	logger *zap.Logger,
) *IdempotencyService {
	return &IdempotencyService{
		idempotencyStore: idempotencyStore,
		ttl:              ttl,
		logger:           logger,
		inUse:            make(map[string]*keyLock),
	}
}

// Lock serializes callers using the same (file, idempotencyKey) pair in this
// process. The returned func releases the lock.
func (s *IdempotencyService) Lock(file, idempotencyKey string) func() {
	k := s.buildStoreKey(file, idempotencyKey)

	s.mu.Lock()
	l, ok := s.inUse[k]
	if !ok {
		l = &keyLock{}
		s.inUse[k] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.inUse, k)
		}
		s.mu.Unlock()
	}
}

// Get returns the stored result for (file, idempotencyKey), or nil if none
func (s *IdempotencyService) Get(ctx context.Context, file, idempotencyKey string) (*WriteResult, error) {
	data, err := s.idempotencyStore.Get(ctx, s.buildStoreKey(file, idempotencyKey))
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			s.logger.Debug("Idempotency key not found",
				zap.String("file", file),
				zap.String("idempotency_key", idempotencyKey))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency response: %w", err)
	}

	var result WriteResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency response: %w", err)
	}
	return &result, nil
}

// Store saves result under (file, idempotencyKey)
func (s *IdempotencyService) Store(ctx context.Context, file, idempotencyKey string, result *WriteResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency response: %w", err)
	}

	if err := s.idempotencyStore.Set(ctx, s.buildStoreKey(file, idempotencyKey), data, s.ttl); err != nil {
		return fmt.Errorf("failed to store idempotency response: %w", err)
	}

	s.logger.Debug("Stored idempotency response",
		zap.String("file", file),
		zap.String("idempotency_key", idempotencyKey),
		zap.Duration("ttl", s.ttl))
	return nil
}

// ValidateIdempotencyKey reports whether key is usable: 1 to 128 printable
// ASCII characters
func (s *IdempotencyService) ValidateIdempotencyKey(key string) bool {
	if len(key) == 0 || len(key) > 128 {
		return false
	}
	for _, c := range key {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

func (s *IdempotencyService) buildStoreKey(file, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", file, idempotencyKey)
}
