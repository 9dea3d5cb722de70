package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

// flakyCache fails every operation while failing is set.
type flakyCache struct {
	failing atomic.Bool
	calls   atomic.Int64
	miss    atomic.Bool
}

func (c *flakyCache) Get(ctx context.Context, key string) (string, error) {
	c.calls.Add(1)
	if c.failing.Load() {
		return "", errBackend
	}
	if c.miss.Load() {
		return "", ErrCacheMiss
	}
	return "value", nil
}

func (c *flakyCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.calls.Add(1)
	if c.failing.Load() {
		return errBackend
	}
	return nil
}

func (c *flakyCache) Delete(ctx context.Context, key string) error {
	c.calls.Add(1)
	if c.failing.Load() {
		return errBackend
	}
	return nil
}

func (c *flakyCache) Increment(ctx context.Context, key string, ttlIfNew time.Duration) (int64, error) {
	c.calls.Add(1)
	if c.failing.Load() {
		return 0, errBackend
	}
	return 1, nil
}

func (c *flakyCache) Ping(ctx context.Context) error {
	c.calls.Add(1)
	if c.failing.Load() {
		return errBackend
	}
	return nil
}

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    3,
		RecoveryTimeout:     50 * time.Millisecond,
		MinSuccessesToClose: 2,
		OpTimeout:           100 * time.Millisecond,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tripBreaker(t *testing.T, g *Guarded, backend *flakyCache) {
	t.Helper()

	backend.failing.Store(true)
	for i := 0; i < 3; i++ {
		_, err := g.Get(context.Background(), "k")
		require.ErrorIs(t, err, errBackend)
	}
	require.Equal(t, "open", g.State())
}

func TestGuarded_TripsAfterConsecutiveFailures(t *testing.T) {
	backend := &flakyCache{}
	g := NewGuarded(backend, testBreakerConfig(), discardLogger())

	require.Equal(t, "closed", g.State())
	tripBreaker(t, g, backend)

	// Open breaker rejects without invoking the backend.
	before := backend.calls.Load()
	_, err := g.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, backend.calls.Load())
}

func TestGuarded_RecoversThroughHalfOpen(t *testing.T) {
	backend := &flakyCache{}
	g := NewGuarded(backend, testBreakerConfig(), discardLogger())

	tripBreaker(t, g, backend)
	backend.failing.Store(false)

	time.Sleep(60 * time.Millisecond)

	// First probe passes through and moves the breaker to half-open;
	// the second consecutive success closes it.
	_, err := g.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "half-open", g.State())

	_, err = g.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "closed", g.State())
}

func TestGuarded_HalfOpenFailureReopens(t *testing.T) {
	backend := &flakyCache{}
	g := NewGuarded(backend, testBreakerConfig(), discardLogger())

	tripBreaker(t, g, backend)

	time.Sleep(60 * time.Millisecond)

	_, err := g.Get(context.Background(), "k")
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, "open", g.State())
}

func TestGuarded_MissesAreNotFailures(t *testing.T) {
	backend := &flakyCache{}
	backend.miss.Store(true)
	g := NewGuarded(backend, testBreakerConfig(), discardLogger())

	for i := 0; i < 10; i++ {
		_, err := g.Get(context.Background(), "k")
		require.ErrorIs(t, err, ErrCacheMiss)
	}

	assert.Equal(t, "closed", g.State())
}

func TestGuarded_OpTimeout(t *testing.T) {
	backend := &hangingCache{}
	cfg := testBreakerConfig()
	cfg.OpTimeout = 10 * time.Millisecond
	g := NewGuarded(backend, cfg, discardLogger())

	start := time.Now()
	_, err := g.Get(context.Background(), "k")

	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

// hangingCache blocks until the operation context expires.
type hangingCache struct{}

func (c *hangingCache) Get(ctx context.Context, key string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (c *hangingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *hangingCache) Delete(ctx context.Context, key string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *hangingCache) Increment(ctx context.Context, key string, ttlIfNew time.Duration) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (c *hangingCache) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
