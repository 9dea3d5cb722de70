// Package http wires the serving core behind the HTTP boundary: routing,
// request decoding and the admission/rate-limit middleware order.
package http

import (
	"context"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/go-playground/validator/v10"

	"github.com/shortloop-dev/shortloop/internal/admission"
	"github.com/shortloop-dev/shortloop/internal/database"
	"github.com/shortloop-dev/shortloop/internal/metrics"
	"github.com/shortloop-dev/shortloop/internal/models"
	"github.com/shortloop-dev/shortloop/internal/ratelimit"
	"github.com/shortloop-dev/shortloop/internal/service"
)

type URLService interface {
	Shorten(ctx context.Context, originalURL, customCode, ownerID string) (*models.URL, error)
	Resolve(ctx context.Context, shortCode string) (*models.URL, error)
	Stats(ctx context.Context, shortCode string) (*models.URLStats, error)
}

// Deps bundles the components the router exposes over HTTP.
type Deps struct {
	BaseURL string
	Service URLService
	Gate    *admission.Gate
	Limiter *ratelimit.Limiter
	Monitor *metrics.Monitor
	Breaker interface{ State() string }
	Store   interface {
		Health(ctx context.Context) database.Health
	}
}

// isDiagnosticPath marks the low-cost operational endpoints that jump the
// admission queue and skip the per-client token bucket, so visibility
// survives overload.
func isDiagnosticPath(r *http.Request) bool {
	return r.URL.Path == "/health" || r.URL.Path == "/metrics" ||
		strings.HasPrefix(r.URL.Path, "/metrics/")
}

func NewRouter(logger *httplog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"POST", "GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           84600,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(deps.Gate.Middleware(isDiagnosticPath))

	r.Get("/health", handleHealth(deps))
	r.Get("/metrics", handleMetrics(deps.Monitor))
	r.Post("/metrics/reset", handleMetricsReset(deps.Monitor))

	// The token bucket runs last and only for business routes: it is the
	// most expensive check (a cache round-trip) and must not run for
	// requests already rejected by the cheaper stages.
	r.Group(func(r chi.Router) {
		r.Use(deps.Limiter.Middleware)

		validate := getValidate()

		r.With(middleware.AllowContentType("application/json")).
			Post("/create", handleCreate(deps.Service, validate, deps.BaseURL))
		r.Get("/stats/{shortCode}", handleStats(deps.Service))
		r.Get("/{shortCode}", handleRedirect(deps.Service, deps.Monitor))
	})

	return r
}

func getValidate() *validator.Validate {
	validate := validator.New()

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Rejecting codes outside the alphabet here keeps the error in the same
	// field-level details envelope as every other validation failure.
	_ = validate.RegisterValidation("short_code", func(fl validator.FieldLevel) bool {
		return service.ValidCustomCode(fl.Field().String())
	})

	return validate
}
