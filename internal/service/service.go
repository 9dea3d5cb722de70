// Package service implements the serving core: the graceful-degradation
// write path and the cache-aside read path, both on top of the guarded cache
// and the persistent store.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	retry "github.com/avast/retry-go/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/shortloop-dev/shortloop/internal/cache"
	"github.com/shortloop-dev/shortloop/internal/database"
	"github.com/shortloop-dev/shortloop/internal/metrics"
	"github.com/shortloop-dev/shortloop/internal/models"
)

var (
	// ErrMaxRetriesExceeded is returned when every generated short code
	// within the attempt budget collided with an existing one.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded for generating short code")
	// ErrInvalidCustomCode is returned when a caller-chosen short code
	// uses characters outside the code alphabet or has a bad length.
	ErrInvalidCustomCode = errors.New("invalid custom short code")
)

// Alphabet is the code alphabet: alphanumeric with the ambiguous characters
// (0, O, 1, l, I) removed, so codes survive being read aloud or copied by hand.
const Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const (
	minCustomCodeLength = 4
	maxCustomCodeLength = 16
)

// URLRepository defines the persistent store interface consumed by the
// serving core. Uniqueness of short codes is the store's responsibility.
type URLRepository interface {
	Insert(ctx context.Context, shortCode, originalURL, ownerID string) (*models.URL, error)
	FindAndIncrementClicks(ctx context.Context, shortCode string) (*models.URL, error)
	FindByShortCode(ctx context.Context, shortCode string) (*models.URL, error)
	Health(ctx context.Context) database.Health
}

type Options struct {
	// ShortCodeLength is the length of generated codes.
	ShortCodeLength int
	// InsertTimeout is the race timeout for foreground store inserts.
	InsertTimeout time.Duration
	// StoreTimeout bounds read-path store queries; it is longer than the
	// cache operation timeout since the store is the slow dependency.
	StoreTimeout time.Duration
	// MaxAttempts bounds collision retries for generated codes.
	MaxAttempts uint
	// RetryBaseDelay is the base for exponential backoff between
	// collision retries.
	RetryBaseDelay time.Duration
	// MappingTTL is the cache TTL for repopulated entries; DegradedTTL is
	// the longer TTL used for degraded writes so the mapping stays
	// servable while background persistence catches up.
	MappingTTL  time.Duration
	DegradedTTL time.Duration
	// AnalyticsTTL expires idle click counters.
	AnalyticsTTL time.Duration
}

// URLService coordinates the write and read paths for short URL mappings.
type URLService struct {
	repo      URLRepository
	cache     cache.Cache
	persister *Persister
	monitor   *metrics.Monitor
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

func NewURLService(repo URLRepository, c cache.Cache, persister *Persister, monitor *metrics.Monitor, logger *slog.Logger, opts Options) *URLService {
	return &URLService{
		repo:      repo,
		cache:     c,
		persister: persister,
		monitor:   monitor,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

func mappingKey(code string) string {
	return "mapping:" + code
}

func clicksKey(code string) string {
	return "clicks:" + code
}

// ValidCustomCode reports whether a caller-chosen code is acceptable: 4 to 16
// characters, all from the code alphabet.
func ValidCustomCode(code string) bool {
	if len(code) < minCustomCodeLength || len(code) > maxCustomCodeLength {
		return false
	}
	for _, r := range code {
		found := false
		for _, a := range Alphabet {
			if r == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Shorten produces a short code for originalURL. A non-empty customCode is
// persisted as-is and never degrades; generated codes degrade to the cache
// plus background persistence when the store is slow or unavailable.
func (s *URLService) Shorten(ctx context.Context, originalURL, customCode, ownerID string) (*models.URL, error) {
	if customCode != "" {
		return s.shortenCustom(ctx, originalURL, customCode, ownerID)
	}

	return s.shortenGenerated(ctx, originalURL, ownerID)
}

// shortenCustom persists a caller-chosen code with a single raced attempt.
// Errors propagate: an un-persisted custom code could silently collide later,
// so this path must not degrade.
func (s *URLService) shortenCustom(ctx context.Context, originalURL, customCode, ownerID string) (*models.URL, error) {
	const op = "service.URLService.shortenCustom"

	if !ValidCustomCode(customCode) {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCustomCode)
	}

	start := time.Now()

	insertCtx, cancel := context.WithTimeout(ctx, s.opts.InsertTimeout)
	defer cancel()

	url, err := s.repo.Insert(insertCtx, customCode, originalURL, ownerID)
	s.monitor.Observe(metrics.PathWriteStore, time.Since(start))
	if err != nil {
		if !errors.Is(err, database.ErrShortCodeExists) {
			s.monitor.Inc(metrics.CounterStoreErrors)
		}

		return nil, fmt.Errorf("%s: failed to persist custom code: %w", op, err)
	}

	s.monitor.Inc(metrics.CounterCreated)
	go s.repopulate(url)

	return url, nil
}

// shortenGenerated races a store insert against the insert timeout, retrying
// collisions with backoff. Non-collision failures degrade: the mapping is
// written to the cache and handed to the background persister, and the
// generated code is returned to the caller immediately.
func (s *URLService) shortenGenerated(ctx context.Context, originalURL, ownerID string) (*models.URL, error) {
	const op = "service.URLService.shortenGenerated"

	start := time.Now()

	var (
		url      *models.URL
		lastCode string
	)

	err := retry.New(
		retry.Attempts(s.opts.MaxAttempts),
		retry.Delay(s.opts.RetryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, database.ErrShortCodeExists)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		code, gerr := gonanoid.Generate(Alphabet, s.opts.ShortCodeLength)
		if gerr != nil {
			lastCode = ""
			return fmt.Errorf("failed to generate short code: %w", gerr)
		}
		lastCode = code

		insertCtx, cancel := context.WithTimeout(ctx, s.opts.InsertTimeout)
		defer cancel()

		u, ierr := s.repo.Insert(insertCtx, code, originalURL, ownerID)
		if ierr != nil {
			return ierr
		}

		url = u
		return nil
	})

	switch {
	case err == nil:
		s.monitor.Observe(metrics.PathWriteStore, time.Since(start))
		s.monitor.Inc(metrics.CounterCreated)
		go s.repopulate(url)
		return url, nil

	case errors.Is(err, database.ErrShortCodeExists):
		s.monitor.Observe(metrics.PathWriteStore, time.Since(start))
		return nil, fmt.Errorf("%s: %w", op, ErrMaxRetriesExceeded)

	case lastCode == "":
		return nil, fmt.Errorf("%s: %w", op, err)

	default:
		// Store slow or unavailable, not a collision. The timed-out insert
		// may still land later; the store's unique constraint makes the
		// background attempt an idempotent no-op in that case.
		s.monitor.Inc(metrics.CounterStoreErrors)
		s.logger.Warn("store insert failed, degrading to cache",
			slog.String("op", op),
			slog.String("short_code", lastCode),
			slog.Any("err", err),
		)
		return s.degrade(lastCode, originalURL, ownerID, start), nil
	}
}

// degrade makes the mapping servable from the cache right away and schedules
// background persistence. It always succeeds from the caller's point of view.
func (s *URLService) degrade(code, originalURL, ownerID string, start time.Time) *models.URL {
	const op = "service.URLService.degrade"

	url := &models.URL{
		ShortCode:   code,
		OriginalURL: originalURL,
		OwnerID:     ownerID,
		CreatedAt:   s.now(),
	}

	if data, err := json.Marshal(url); err == nil {
		if serr := s.cache.Set(context.Background(), mappingKey(code), string(data), s.opts.DegradedTTL); serr != nil {
			s.logger.Warn("degraded mapping not cached",
				slog.String("op", op),
				slog.String("short_code", code),
				slog.Any("err", serr),
			)
		}
	}

	if !s.persister.Enqueue(url) {
		s.monitor.Inc(metrics.CounterBackgroundDropped)
		s.logger.Error("background persistence queue full, mapping may be lost after cache TTL",
			slog.String("op", op),
			slog.String("short_code", code),
		)
	}

	s.monitor.Inc(metrics.CounterDegradedWrites)
	s.monitor.Inc(metrics.CounterCreated)
	s.monitor.Observe(metrics.PathWriteDegrade, time.Since(start))

	return url
}

// Resolve returns the mapping for a short code, favoring the cache. Store
// failures degrade to not-found instead of erroring the caller.
func (s *URLService) Resolve(ctx context.Context, shortCode string) (*models.URL, error) {
	const op = "service.URLService.Resolve"

	start := time.Now()

	raw, err := s.cache.Get(ctx, mappingKey(shortCode))
	if err == nil {
		var url models.URL
		if uerr := json.Unmarshal([]byte(raw), &url); uerr == nil {
			s.monitor.Inc(metrics.CounterCacheHits)
			s.monitor.Observe(metrics.PathReadCache, time.Since(start))
			go s.recordClick(shortCode)
			return &url, nil
		}
		// Unreadable entry; count it, drop it and fall back to the store.
		s.monitor.Inc(metrics.CounterCacheErrors)
		go func() { _ = s.cache.Delete(context.Background(), mappingKey(shortCode)) }()
	} else if errors.Is(err, cache.ErrCacheMiss) {
		s.monitor.Inc(metrics.CounterCacheMisses)
	} else {
		s.monitor.Inc(metrics.CounterCacheErrors)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	url, serr := s.repo.FindAndIncrementClicks(storeCtx, shortCode)
	s.monitor.Inc(metrics.CounterStoreReads)
	s.monitor.Observe(metrics.PathReadStore, time.Since(start))
	if serr != nil {
		if !errors.Is(serr, database.ErrURLNotFound) {
			s.monitor.Inc(metrics.CounterStoreErrors)
			s.logger.Warn("read degraded to not found",
				slog.String("op", op),
				slog.String("short_code", shortCode),
				slog.Any("err", serr),
			)
		}

		return nil, fmt.Errorf("%s: %w", op, database.ErrURLNotFound)
	}

	go s.repopulate(url)
	go s.recordClick(shortCode)

	return url, nil
}

// Stats reports the mapping plus its best-effort click analytics.
func (s *URLService) Stats(ctx context.Context, shortCode string) (*models.URLStats, error) {
	const op = "service.URLService.Stats"

	url, err := s.lookup(ctx, shortCode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	stats := &models.URLStats{
		ShortCode:   url.ShortCode,
		OriginalURL: url.OriginalURL,
		TotalClicks: url.ClickCount,
		ClicksByDay: make(map[string]int64),
		CreatedAt:   url.CreatedAt,
	}

	if raw, cerr := s.cache.Get(ctx, clicksKey(shortCode)); cerr == nil {
		if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil && n > stats.TotalClicks {
			stats.TotalClicks = n
		}
	}

	for i := 0; i < 7; i++ {
		day := s.now().UTC().AddDate(0, 0, -i).Format("2006-01-02")
		raw, cerr := s.cache.Get(ctx, clicksKey(shortCode)+":"+day)
		if cerr != nil {
			continue
		}
		if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil && n > 0 {
			stats.ClicksByDay[day] = n
		}
	}

	if len(stats.ClicksByDay) == 0 {
		stats.ClicksByDay = nil
	}

	return stats, nil
}

// lookup reads a mapping without touching click counts: cache first, then the
// plain store query.
func (s *URLService) lookup(ctx context.Context, shortCode string) (*models.URL, error) {
	raw, err := s.cache.Get(ctx, mappingKey(shortCode))
	if err == nil {
		var url models.URL
		if uerr := json.Unmarshal([]byte(raw), &url); uerr == nil {
			return &url, nil
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	url, serr := s.repo.FindByShortCode(storeCtx, shortCode)
	if serr != nil {
		return nil, database.ErrURLNotFound
	}

	return url, nil
}

// repopulate opportunistically writes a mapping back to the cache.
// Failures are swallowed: cache population is never allowed to fail a read
// or a create.
func (s *URLService) repopulate(url *models.URL) {
	data, err := json.Marshal(url)
	if err != nil {
		return
	}

	_ = s.cache.Set(context.Background(), mappingKey(url.ShortCode), string(data), s.opts.MappingTTL)
}

// recordClick bumps the best-effort analytics counters. Errors are swallowed;
// analytics must never fail a read.
func (s *URLService) recordClick(shortCode string) {
	ctx := context.Background()

	if _, err := s.cache.Increment(ctx, clicksKey(shortCode), s.opts.AnalyticsTTL); err != nil {
		return
	}

	day := s.now().UTC().Format("2006-01-02")
	_, _ = s.cache.Increment(ctx, clicksKey(shortCode)+":"+day, s.opts.AnalyticsTTL)
}
