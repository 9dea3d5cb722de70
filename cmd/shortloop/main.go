package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/go-chi/httplog/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	myhttp "github.com/shortloop-dev/shortloop/internal/api/http"

	"github.com/shortloop-dev/shortloop/internal/admission"
	"github.com/shortloop-dev/shortloop/internal/cache"
	"github.com/shortloop-dev/shortloop/internal/config"
	"github.com/shortloop-dev/shortloop/internal/database/postgres"
	"github.com/shortloop-dev/shortloop/internal/metrics"
	"github.com/shortloop-dev/shortloop/internal/ratelimit"
	"github.com/shortloop-dev/shortloop/internal/service"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx); err != nil {
		panic(err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	logger := httplog.NewLogger("shortloop", httplog.Options{
		JSON:     cfg.Env == config.EnvProd,
		LogLevel: logLevel(cfg.Env),
	})

	g, ctx := errgroup.WithContext(ctx)

	db, err := postgres.New(cfg.Postgres.DSN(), postgres.Pool{
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	g.Go(func() error {
		<-ctx.Done()
		return rdb.Close()
	})

	monitor := metrics.NewMonitor()

	guarded := cache.NewGuarded(cache.NewRedis(rdb), cache.BreakerConfig{
		FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:     cfg.CircuitBreaker.RecoveryTimeout,
		MinSuccessesToClose: cfg.CircuitBreaker.MinSuccessesToClose,
		OpTimeout:           cfg.CircuitBreaker.OpTimeout,
	}, logger.Logger)

	urlRepo := postgres.NewURLRepository(db)

	persister := service.NewPersister(urlRepo, service.PersisterConfig{
		QueueSize:     cfg.WritePath.BackgroundQueue,
		Workers:       cfg.WritePath.BackgroundWorkers,
		InitialDelay:  cfg.WritePath.BackgroundDelay,
		MaxAttempts:   cfg.WritePath.BackgroundAttempts,
		InsertTimeout: cfg.Postgres.QueryTimeout,
		DrainTimeout:  cfg.WritePath.BackgroundDrain,
	}, monitor, logger.Logger)
	// The persister drains before the pool closes so queued degraded writes
	// still reach the store on shutdown.
	g.Go(func() error {
		<-ctx.Done()
		persister.Close()
		return db.Close()
	})

	urlSvc := service.NewURLService(urlRepo, guarded, persister, monitor, logger.Logger, service.Options{
		ShortCodeLength: cfg.ShortCodeLength,
		InsertTimeout:   cfg.WritePath.InsertTimeout,
		StoreTimeout:    cfg.Postgres.QueryTimeout,
		MaxAttempts:     cfg.WritePath.MaxAttempts,
		RetryBaseDelay:  cfg.WritePath.RetryBaseDelay,
		MappingTTL:      cfg.CacheTTL.MappingTTL,
		DegradedTTL:     cfg.CacheTTL.DegradedTTL,
		AnalyticsTTL:    cfg.CacheTTL.AnalyticsTTL,
	})

	gate := admission.NewGate(admission.Config{
		MaxConnections: cfg.Admission.MaxConnections,
		RateWindow:     cfg.Admission.RateWindow,
		RateCeiling:    cfg.Admission.RateCeiling,
		MaxConcurrent:  cfg.Admission.MaxConcurrent,
		QueueSize:      cfg.Admission.QueueSize,
	}, monitor)

	limiter := ratelimit.NewLimiter(guarded, ratelimit.Config{
		SustainedRate: cfg.RateLimit.SustainedRate,
		BurstCapacity: cfg.RateLimit.BurstCapacity,
		IdleTTL:       cfg.RateLimit.IdleTTL,
	}, monitor, logger.Logger)

	r := myhttp.NewRouter(logger, myhttp.Deps{
		BaseURL: cfg.BaseURL,
		Service: urlSvc,
		Gate:    gate,
		Limiter: limiter,
		Monitor: monitor,
		Breaker: guarded,
		Store:   urlRepo,
	})

	server := &http.Server{
		Addr:           cfg.HTTPServer.Addr(),
		Handler:        r,
		ReadTimeout:    cfg.HTTPServer.ReadTimeout,
		WriteTimeout:   cfg.HTTPServer.WriteTimeout,
		IdleTimeout:    cfg.HTTPServer.IdleTimeout,
		MaxHeaderBytes: cfg.HTTPServer.MaxHeaderBytes,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g.Go(func() error {
		var err error

		switch cfg.Env {
		case config.EnvProd:
			err = server.ListenAndServeTLS(cfg.HTTPServer.CertFile, cfg.HTTPServer.KeyFile)
		default:
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	return g.Wait()
}

func logLevel(env string) slog.Level {
	if env == config.EnvProd {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}
