// Package admission protects the process from overload before any business
// logic runs: a connection ceiling, a global fixed-window rate ceiling, and a
// bounded-concurrency stage with a priority-aware FIFO queue, composed as one
// ordered middleware gate.
package admission

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/render"
	"github.com/shortloop-dev/shortloop/internal/metrics"
	"github.com/shortloop-dev/shortloop/pkg/response"
)

type Config struct {
	// MaxConnections caps concurrently open connections; exceeding it is
	// an immediate "server busy" rejection.
	MaxConnections int64
	// RateWindow and RateCeiling bound the number of requests admitted per
	// fixed window across the whole process.
	RateWindow  time.Duration
	RateCeiling int
	// MaxConcurrent requests may be processing at once; up to QueueSize
	// more wait in the queue before arrivals are rejected.
	MaxConcurrent int
	QueueSize     int
}

// Snapshot reports the gate's load figures at a point in time.
type Snapshot struct {
	ActiveConnections int64 `json:"active_connections"`
	Processing        int   `json:"processing"`
	QueueDepth        int   `json:"queue_depth"`
	WindowCount       int   `json:"window_count"`
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Gate is the process-wide admission coordinator. All counters live here and
// are mutated only through synchronized methods.
type Gate struct {
	cfg     Config
	monitor *metrics.Monitor
	now     func() time.Time

	active atomic.Int64

	winMu    sync.Mutex
	winStart time.Time
	winCount int

	qMu        sync.Mutex
	processing int
	queue      []*waiter
}

func NewGate(cfg Config, monitor *metrics.Monitor) *Gate {
	return &Gate{
		cfg:     cfg,
		monitor: monitor,
		now:     time.Now,
	}
}

// Snapshot copies out the current load figures.
func (g *Gate) Snapshot() Snapshot {
	g.winMu.Lock()
	winCount := g.winCount
	g.winMu.Unlock()

	g.qMu.Lock()
	processing := g.processing
	depth := len(g.queue)
	g.qMu.Unlock()

	return Snapshot{
		ActiveConnections: g.active.Load(),
		Processing:        processing,
		QueueDepth:        depth,
		WindowCount:       winCount,
	}
}

// Middleware runs the three gate stages in order. The priority predicate
// marks low-cost diagnostic requests that jump to the front of the queue so
// operational visibility survives overload.
func (g *Gate) Middleware(priority func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.monitor.Inc(metrics.CounterRequests)

			// Stage 1: connection ceiling. The deferred decrement is the
			// single terminal event for this connection's accounting.
			n := g.active.Add(1)
			defer g.active.Add(-1)

			if n > g.cfg.MaxConnections {
				g.monitor.Inc(metrics.CounterRejectedConnections)
				g.reject(w, r, http.StatusServiceUnavailable, "Server Busy",
					"Too many open connections. Please retry shortly.", time.Second)
				return
			}

			// Stage 2: global fixed-window rate ceiling.
			if retryAfter, ok := g.admitWindow(); !ok {
				g.monitor.Inc(metrics.CounterRejectedRateWindow)
				g.reject(w, r, http.StatusServiceUnavailable, "Rate Ceiling Reached",
					"Global request rate ceiling reached. Retry after the window resets.", retryAfter)
				return
			}

			// Stage 3: bounded concurrency with a priority-aware queue.
			release, depth, ok := g.acquire(r.Context(), priority != nil && priority(r))
			if !ok {
				if depth >= 0 {
					g.monitor.Inc(metrics.CounterRejectedQueueFull)
					g.reject(w, r, http.StatusServiceUnavailable, "Server Overloaded",
						"Request queue is full. Please retry shortly.", time.Second)
					return
				}

				// Client went away while queued; nothing left to answer.
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}

// admitWindow counts the request against the current fixed window and reports
// whether it fits under the ceiling, along with the time to the next reset.
func (g *Gate) admitWindow() (time.Duration, bool) {
	now := g.now()

	g.winMu.Lock()
	defer g.winMu.Unlock()

	if now.Sub(g.winStart) >= g.cfg.RateWindow {
		g.winStart = now
		g.winCount = 0
	}

	if g.winCount >= g.cfg.RateCeiling {
		return g.winStart.Add(g.cfg.RateWindow).Sub(now), false
	}

	g.winCount++
	return 0, true
}

// acquire obtains a processing slot, waiting in the queue when all slots are
// busy. It returns a release function that must be called exactly once; the
// returned depth is >= 0 only for queue-full rejections.
func (g *Gate) acquire(ctx context.Context, priority bool) (func(), int, bool) {
	g.qMu.Lock()

	if g.processing < g.cfg.MaxConcurrent {
		g.processing++
		g.qMu.Unlock()
		return g.releaseOnce(), -1, true
	}

	if len(g.queue) >= g.cfg.QueueSize {
		depth := len(g.queue)
		g.qMu.Unlock()
		return nil, depth, false
	}

	w := &waiter{ready: make(chan struct{})}
	if priority {
		g.queue = append([]*waiter{w}, g.queue...)
	} else {
		g.queue = append(g.queue, w)
	}
	g.qMu.Unlock()

	select {
	case <-w.ready:
		return g.releaseOnce(), -1, true
	case <-ctx.Done():
		g.qMu.Lock()
		if w.granted {
			// Lost the race against a grant: the slot is ours, hand it on.
			g.releaseLocked()
			g.qMu.Unlock()
			return nil, -1, false
		}
		for i, q := range g.queue {
			if q == w {
				g.queue = append(g.queue[:i], g.queue[i+1:]...)
				break
			}
		}
		g.qMu.Unlock()
		return nil, -1, false
	}
}

func (g *Gate) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			g.qMu.Lock()
			g.releaseLocked()
			g.qMu.Unlock()
		})
	}
}

// releaseLocked frees a slot, handing it to the head waiter when one exists.
// The processing count is unchanged on a handoff: the slot moves, it is not
// freed.
func (g *Gate) releaseLocked() {
	if len(g.queue) > 0 {
		w := g.queue[0]
		g.queue = g.queue[1:]
		w.granted = true
		close(w.ready)
		return
	}

	g.processing--
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, status int, title, msg string, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(secs))
	render.Status(r, status)
	render.JSON(w, r, response.RejectionResponse(status, title, msg, secs, g.Snapshot()))
}
