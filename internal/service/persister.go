package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/shortloop-dev/shortloop/internal/database"
	"github.com/shortloop-dev/shortloop/internal/metrics"
	"github.com/shortloop-dev/shortloop/internal/models"
)

type PersisterConfig struct {
	// QueueSize bounds the pending task buffer; Workers bounds concurrent
	// persistence attempts.
	QueueSize int
	Workers   int
	// InitialDelay is waited before the first attempt and is the base for
	// the exponential backoff between attempts.
	InitialDelay time.Duration
	// MaxAttempts is the per-task retry budget.
	MaxAttempts uint
	// InsertTimeout bounds each individual insert attempt.
	InsertTimeout time.Duration
	// DrainTimeout bounds how long Close waits for queued tasks before
	// aborting in-flight retries.
	DrainTimeout time.Duration
}

// Persister retries store inserts for degraded writes in the background.
// Tasks run on their own context, detached from the originating request, and
// their outcome is observable only through logs and metrics. A task whose
// code turns out to already exist is done: the racing foreground insert
// landed after its timeout.
type Persister struct {
	repo    URLRepository
	cfg     PersisterConfig
	monitor *metrics.Monitor
	logger  *slog.Logger

	tasks  chan *models.URL
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPersister(repo URLRepository, cfg PersisterConfig, monitor *metrics.Monitor, logger *slog.Logger) *Persister {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Persister{
		repo:    repo,
		cfg:     cfg,
		monitor: monitor,
		logger:  logger,
		tasks:   make(chan *models.URL, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Enqueue schedules a mapping for background persistence. It never blocks;
// a full queue drops the task and returns false.
func (p *Persister) Enqueue(url *models.URL) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	select {
	case p.tasks <- url:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks and drains the queue: every task already
// enqueued is still attempted. Retries still in flight past DrainTimeout are
// aborted, since each undrained task is a mapping lost once its cache entry
// expires.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Error("background persistence drain deadline exceeded, aborting remaining tasks")
	}

	p.cancel()
	<-done
}

func (p *Persister) worker() {
	defer p.wg.Done()

	for url := range p.tasks {
		p.persist(url)
	}
}

func (p *Persister) persist(url *models.URL) {
	const op = "service.Persister.persist"

	select {
	case <-time.After(p.cfg.InitialDelay):
	case <-p.ctx.Done():
		p.monitor.Inc(metrics.CounterBackgroundDropped)
		return
	}

	err := retry.New(
		retry.Attempts(p.cfg.MaxAttempts),
		retry.Delay(p.cfg.InitialDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(p.ctx),
	).Do(func() error {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.InsertTimeout)
		defer cancel()

		_, ierr := p.repo.Insert(ctx, url.ShortCode, url.OriginalURL, url.OwnerID)
		if ierr != nil && errors.Is(ierr, database.ErrShortCodeExists) {
			return nil
		}

		return ierr
	})
	if err != nil {
		p.monitor.Inc(metrics.CounterBackgroundFailed)
		p.logger.Error("background persistence exhausted retries, mapping servable only until cache TTL",
			slog.String("op", op),
			slog.String("short_code", url.ShortCode),
			slog.Any("err", err),
		)
		return
	}

	p.monitor.Inc(metrics.CounterBackgroundPersisted)
}
