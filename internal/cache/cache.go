// Package cache defines the fast key-value cache consumed by the serving
// layer, its Redis implementation, and a circuit-breaker-guarded wrapper.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss is returned by Get when the key is absent. It is a
	// normal outcome, not a dependency failure.
	ErrCacheMiss = errors.New("cache miss")
	// ErrCircuitOpen is returned by the guarded cache when the circuit
	// breaker rejects the call without invoking the backend.
	ErrCircuitOpen = errors.New("cache circuit open")
)

// Cache is the fast key-value store interface. Every call may fail or time
// out; callers are expected to degrade rather than propagate raw errors.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Increment atomically increments the counter at key, setting ttlIfNew
	// as expiry when the key is created by this call.
	Increment(ctx context.Context, key string, ttlIfNew time.Duration) (int64, error)
	Ping(ctx context.Context) error
}
