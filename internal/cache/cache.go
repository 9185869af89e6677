// Package cache provides the narrow key/value surface shared by the revocation and
// profile caches. Backends are swappable without touching the authorization code.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is a TTL-indexed key/value store.
type Store interface {
	// Get returns the value stored at key or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value with a time-to-live. A non-positive ttl is a no-op.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// TTL returns the remaining lifetime of key or ErrMiss.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Counter is implemented by stores that count atomically across every
// client of the store.
type Counter interface {
	// Incr adds one to key and returns the new value. The increment that
	// creates the key also sets it to expire after ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
