// Package kv provides a small Redis-shaped key-value abstraction with an
// in-memory backend for development and tests and a Redis backend for
// multi-instance deployments. Backends register themselves via init, so
// importing a backend package is enough to make it constructible through
// NewStoreFromConfig.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not present.
var ErrNotFound = errors.New("not found")

// Store is the subset of Redis-like operations the service relies on.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)

	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
