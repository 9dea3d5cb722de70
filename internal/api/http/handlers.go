package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/shortloop-dev/shortloop/internal/admission"
	"github.com/shortloop-dev/shortloop/internal/database"
	"github.com/shortloop-dev/shortloop/internal/metrics"
	"github.com/shortloop-dev/shortloop/internal/service"
	"github.com/shortloop-dev/shortloop/pkg/response"
)

type createRequest struct {
	URL           string `json:"url" validate:"required,url"`
	CustomShortID string `json:"customShortId" validate:"omitempty,short_code"`
}

type createResponse struct {
	ShortURL    string `json:"shortUrl"`
	OriginalURL string `json:"originalUrl"`
	Custom      bool   `json:"custom"`
}

func handleCreate(svc URLService, validate *validator.Validate, baseURL string) http.HandlerFunc {
	const op = "api.http.handleCreate"

	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest

		if err := render.DecodeJSON(r.Body, &req); err != nil {
			if errors.Is(err, io.EOF) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.EmptyRequestBodyResponse)
				return
			}

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.BadRequestResponse)
			return
		}

		if err := validate.Struct(req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.ValidationErrorResponse(err))
			return
		}

		url, err := svc.Shorten(r.Context(), req.URL, req.CustomShortID, "")
		if err != nil {
			switch {
			case errors.Is(err, service.ErrInvalidCustomCode):
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.Response{
					Status:     response.StatusError,
					StatusCode: http.StatusBadRequest,
					Error:      "Invalid Custom Short ID",
					Message:    "The custom short id must be 4-16 unambiguous alphanumeric characters.",
				})
			case errors.Is(err, database.ErrShortCodeExists):
				render.Status(r, http.StatusConflict)
				render.JSON(w, r, response.Response{
					Status:     response.StatusError,
					StatusCode: http.StatusConflict,
					Error:      "Short Code Conflict",
					Message:    "The custom short id is already taken. Please choose another one.",
				})
			default:
				httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, response.ServerErrorResponse)
			}
			return
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, createResponse{
			ShortURL:    baseURL + "/" + url.ShortCode,
			OriginalURL: url.OriginalURL,
			Custom:      req.CustomShortID != "",
		})
	}
}

func handleRedirect(svc URLService, monitor *metrics.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shortCode := chi.URLParam(r, "shortCode")

		url, err := svc.Resolve(r.Context(), shortCode)
		if err != nil {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, response.ResourceNotFoundResponse)
			return
		}

		monitor.Inc(metrics.CounterRedirects)
		http.Redirect(w, r, url.OriginalURL, http.StatusFound)
	}
}

func handleStats(svc URLService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shortCode := chi.URLParam(r, "shortCode")

		stats, err := svc.Stats(r.Context(), shortCode)
		if err != nil {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, response.ResourceNotFoundResponse)
			return
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, response.SuccessResponse(http.StatusOK, "The URL statistics retrieved successfully.", stats))
	}
}

type healthResponse struct {
	Status       string             `json:"status"`
	BreakerState string             `json:"breaker_state"`
	Store        string             `json:"store"`
	Admission    admission.Snapshot `json:"admission"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()

		storeHealth := deps.Store.Health(ctx)
		breakerState := deps.Breaker.State()

		// Degraded but servable states stay 200: reads survive either a
		// broken cache or a broken store, not both.
		status := http.StatusOK
		label := "ok"
		if storeHealth != database.HealthConnected && breakerState == "open" {
			status = http.StatusServiceUnavailable
			label = "unavailable"
		} else if storeHealth != database.HealthConnected || breakerState != "closed" {
			label = "degraded"
		}

		render.Status(r, status)
		render.JSON(w, r, healthResponse{
			Status:       label,
			BreakerState: breakerState,
			Store:        storeHealth.String(),
			Admission:    deps.Gate.Snapshot(),
		})
	}
}

func handleMetrics(monitor *metrics.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, http.StatusOK)
		render.JSON(w, r, monitor.Snapshot())
	}
}

func handleMetricsReset(monitor *metrics.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		monitor.Reset()

		render.Status(r, http.StatusOK)
		render.JSON(w, r, response.SuccessResponse(http.StatusOK, "Metrics have been reset."))
	}
}
