// Package ratelimit implements the per-client token bucket, backed by the
// fast cache so limits hold across processes sharing the same cache. The
// limiter fails open: when the cache itself is impaired, traffic is allowed
// rather than blocked.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/shortloop-dev/shortloop/internal/cache"
	"github.com/shortloop-dev/shortloop/internal/metrics"
	"github.com/shortloop-dev/shortloop/pkg/response"
)

const keyPrefix = "ratelimit:"

type Config struct {
	// SustainedRate is the steady refill rate in tokens per second.
	SustainedRate float64
	// BurstCapacity is the extra headroom above the sustained rate;
	// bucket capacity is SustainedRate + BurstCapacity.
	BurstCapacity float64
	// IdleTTL expires buckets that stop receiving traffic.
	IdleTTL time.Duration
}

// bucket is the cache-resident state for one client.
type bucket struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// ResetAfter estimates when the bucket is back at full capacity.
	ResetAfter time.Duration
	// FailedOpen marks decisions taken without bucket state because the
	// cache was unreachable.
	FailedOpen bool
}

// Limiter decides per-client admission using a token bucket stored in the
// fast cache with an idle TTL.
type Limiter struct {
	cache   cache.Cache
	cfg     Config
	monitor *metrics.Monitor
	logger  *slog.Logger
	now     func() time.Time
}

func NewLimiter(c cache.Cache, cfg Config, monitor *metrics.Monitor, logger *slog.Logger) *Limiter {
	return &Limiter{
		cache:   c,
		cfg:     cfg,
		monitor: monitor,
		logger:  logger,
		now:     time.Now,
	}
}

func (l *Limiter) capacity() float64 {
	return l.cfg.SustainedRate + l.cfg.BurstCapacity
}

// Allow loads the client's bucket, refills it for the elapsed time, and
// consumes one token when available. Updated state is persisted regardless of
// the outcome. Any cache error allows the request.
func (l *Limiter) Allow(ctx context.Context, clientID string) Decision {
	const op = "ratelimit.Limiter.Allow"

	now := l.now()
	key := keyPrefix + clientID

	b := bucket{Tokens: l.capacity(), LastRefill: now}

	raw, err := l.cache.Get(ctx, key)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		l.logger.Warn("rate limiter failing open", slog.String("op", op), slog.Any("err", err))
		return Decision{Allowed: true, Remaining: int(l.capacity()), FailedOpen: true}
	}
	if err == nil {
		if uerr := json.Unmarshal([]byte(raw), &b); uerr != nil {
			// Corrupt state is replaced with a fresh full bucket.
			b = bucket{Tokens: l.capacity(), LastRefill: now}
		}
	}

	elapsed := now.Sub(b.LastRefill).Seconds()
	if elapsed > 0 {
		b.Tokens = math.Min(l.capacity(), b.Tokens+elapsed*l.cfg.SustainedRate)
	}
	b.LastRefill = now

	d := Decision{}
	if b.Tokens >= 1 {
		b.Tokens--
		d.Allowed = true
	} else if l.cfg.SustainedRate > 0 {
		d.RetryAfter = time.Duration((1 - b.Tokens) / l.cfg.SustainedRate * float64(time.Second))
	}
	d.Remaining = int(b.Tokens)
	if l.cfg.SustainedRate > 0 {
		d.ResetAfter = time.Duration((l.capacity() - b.Tokens) / l.cfg.SustainedRate * float64(time.Second))
	}

	data, err := json.Marshal(b)
	if err == nil {
		err = l.cache.Set(ctx, key, string(data), l.cfg.IdleTTL)
	}
	if err != nil {
		l.logger.Warn("failed to persist rate limit bucket", slog.String("op", op), slog.Any("err", err))
		d.FailedOpen = true
		d.Allowed = true
	}

	return d
}

// Middleware applies the token bucket per client IP. It runs after the
// cheaper admission stages because it costs a cache round-trip.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := l.Allow(r.Context(), ClientKey(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(l.capacity())))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(math.Ceil(d.ResetAfter.Seconds()))))

		if !d.Allowed {
			l.monitor.Inc(metrics.CounterRejectedClientRate)

			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))

			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, response.RejectionResponse(
				http.StatusTooManyRequests,
				"Rate Limit Exceeded",
				fmt.Sprintf("Request rate limit exceeded. Retry in %d seconds.", secs),
				secs,
				nil,
			))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientKey derives the limiter key from the request. middleware.RealIP has
// already folded trusted forwarding headers into RemoteAddr.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
