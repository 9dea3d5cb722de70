package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the process-wide breaker guarding the cache backend.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before letting
	// a probe call through.
	RecoveryTimeout time.Duration
	// MinSuccessesToClose is the number of consecutive successful probes
	// required to close the breaker again.
	MinSuccessesToClose uint32
	// OpTimeout bounds every individual cache call so a hung backend
	// cannot stall the breaker's accounting.
	OpTimeout time.Duration
}

// Guarded wraps a Cache behind a single circuit breaker shared by all cache
// operations. The breaker guards the backend as a whole, not individual keys;
// cache misses are normal results and do not count as failures.
type Guarded struct {
	next      Cache
	cb        *gobreaker.CircuitBreaker[string]
	opTimeout time.Duration
}

func NewGuarded(next Cache, cfg BreakerConfig, logger *slog.Logger) *Guarded {
	settings := gobreaker.Settings{
		Name:        "cache",
		MaxRequests: cfg.MinSuccessesToClose,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCacheMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}

	return &Guarded{
		next:      next,
		cb:        gobreaker.NewCircuitBreaker[string](settings),
		opTimeout: cfg.OpTimeout,
	}
}

// State reports the breaker state as "closed", "half-open" or "open".
func (g *Guarded) State() string {
	return g.cb.State().String()
}

func (g *Guarded) execute(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	val, err := g.cb.Execute(func() (string, error) {
		opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
		defer cancel()

		return fn(opCtx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("cache.Guarded: %w", ErrCircuitOpen)
		}

		return "", err
	}

	return val, nil
}

func (g *Guarded) Get(ctx context.Context, key string) (string, error) {
	return g.execute(ctx, func(ctx context.Context) (string, error) {
		return g.next.Get(ctx, key)
	})
}

func (g *Guarded) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := g.execute(ctx, func(ctx context.Context) (string, error) {
		return "", g.next.Set(ctx, key, value, ttl)
	})
	return err
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	_, err := g.execute(ctx, func(ctx context.Context) (string, error) {
		return "", g.next.Delete(ctx, key)
	})
	return err
}

func (g *Guarded) Increment(ctx context.Context, key string, ttlIfNew time.Duration) (int64, error) {
	var n int64

	_, err := g.execute(ctx, func(ctx context.Context) (string, error) {
		var err error
		n, err = g.next.Increment(ctx, key, ttlIfNew)
		return "", err
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

func (g *Guarded) Ping(ctx context.Context) error {
	_, err := g.execute(ctx, func(ctx context.Context) (string, error) {
		return "", g.next.Ping(ctx)
	})
	return err
}
