package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found or has expired
var ErrNotFound = errors.New("not found")

// IdempotencyStore keeps serialized write results keyed by idempotency key
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
