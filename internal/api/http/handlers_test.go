package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/httplog/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/shortloop-dev/shortloop/internal/admission"
	"github.com/shortloop-dev/shortloop/internal/cache"
	"github.com/shortloop-dev/shortloop/internal/database"
	"github.com/shortloop-dev/shortloop/internal/metrics"
	"github.com/shortloop-dev/shortloop/internal/models"
	"github.com/shortloop-dev/shortloop/internal/ratelimit"
	"github.com/shortloop-dev/shortloop/pkg/response"
)

type MockURLService struct {
	mock.Mock
}

func (s *MockURLService) Shorten(ctx context.Context, originalURL, customCode, ownerID string) (*models.URL, error) {
	args := s.Called(ctx, originalURL, customCode, ownerID)
	url, _ := args.Get(0).(*models.URL)
	return url, args.Error(1)
}

func (s *MockURLService) Resolve(ctx context.Context, shortCode string) (*models.URL, error) {
	args := s.Called(ctx, shortCode)
	url, _ := args.Get(0).(*models.URL)
	return url, args.Error(1)
}

func (s *MockURLService) Stats(ctx context.Context, shortCode string) (*models.URLStats, error) {
	args := s.Called(ctx, shortCode)
	stats, _ := args.Get(0).(*models.URLStats)
	return stats, args.Error(1)
}

type stubBreaker struct {
	state string
}

func (b *stubBreaker) State() string { return b.state }

type stubStore struct {
	health database.Health
}

func (s *stubStore) Health(ctx context.Context) database.Health { return s.health }

type HandlersTestSuite struct {
	suite.Suite
	logger     *httplog.Logger
	urlSvcMock *MockURLService
	monitor    *metrics.Monitor
	breaker    *stubBreaker
	store      *stubStore
	server     *httptest.Server
}

func (suite *HandlersTestSuite) SetupSuite() {
	suite.logger = httplog.NewLogger("", httplog.Options{Writer: io.Discard})
}

func (suite *HandlersTestSuite) SetupSubTest() {
	suite.urlSvcMock = new(MockURLService)
	suite.monitor = metrics.NewMonitor()
	suite.breaker = &stubBreaker{state: "closed"}
	suite.store = &stubStore{health: database.HealthConnected}

	mr := miniredis.RunT(suite.T())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewLimiter(cache.NewRedis(client), ratelimit.Config{
		SustainedRate: 100,
		BurstCapacity: 100,
		IdleTTL:       time.Minute,
	}, suite.monitor, suite.logger.Logger)

	gate := admission.NewGate(admission.Config{
		MaxConnections: 100,
		RateWindow:     time.Second,
		RateCeiling:    1000,
		MaxConcurrent:  10,
		QueueSize:      10,
	}, suite.monitor)

	router := NewRouter(suite.logger, Deps{
		BaseURL: "http://sl.test",
		Service: suite.urlSvcMock,
		Gate:    gate,
		Limiter: limiter,
		Monitor: suite.monitor,
		Breaker: suite.breaker,
		Store:   suite.store,
	})
	suite.server = httptest.NewServer(router)

	suite.T().Cleanup(func() {
		suite.server.Close()
		client.Close()
	})
}

func (suite *HandlersTestSuite) TearDownSubTest() {
	suite.urlSvcMock.AssertExpectations(suite.T())
}

func (suite *HandlersTestSuite) postJSON(path, body string) *http.Response {
	suite.T().Helper()

	resp, err := suite.server.Client().Post(suite.server.URL+path, "application/json", bytes.NewBufferString(body))
	suite.Require().NoError(err)
	suite.T().Cleanup(func() { resp.Body.Close() })

	return resp
}

func (suite *HandlersTestSuite) get(path string) *http.Response {
	suite.T().Helper()

	client := suite.server.Client()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := client.Get(suite.server.URL + path)
	suite.Require().NoError(err)
	suite.T().Cleanup(func() { resp.Body.Close() })

	return resp
}

func decodeJSON(suite *HandlersTestSuite, resp *http.Response) map[string]any {
	suite.T().Helper()

	var body map[string]any
	suite.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))

	return body
}

func (suite *HandlersTestSuite) TestCreate() {
	const path = "/create"

	suite.Run("empty request body", func() {
		resp := suite.postJSON(path, "")

		suite.Equal(http.StatusBadRequest, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal(response.StatusError, body["status"])
		suite.Equal(response.EmptyRequestBodyResponse.Message, body["message"])
	})

	suite.Run("invalid request body", func() {
		resp := suite.postJSON(path, `"not an object"`)

		suite.Equal(http.StatusBadRequest, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal(response.BadRequestResponse.Message, body["message"])
	})

	suite.Run("validation error", func() {
		resp := suite.postJSON(path, `{"url": "invalid url"}`)

		suite.Equal(http.StatusBadRequest, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal(response.StatusError, body["status"])
		suite.Contains(body, "details")
	})

	suite.Run("custom short id too short", func() {
		resp := suite.postJSON(path, `{"url": "https://example.com", "customShortId": "ab1"}`)

		suite.Equal(http.StatusBadRequest, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal(response.StatusError, body["status"])
		suite.Contains(body, "details")
	})

	suite.Run("custom short id with ambiguous characters", func() {
		// Valid alphanumerics, but 0 and 1 are not in the code alphabet.
		// Rejected with the same field-level details as other bad input.
		resp := suite.postJSON(path, `{"url": "https://example.com", "customShortId": "c0de1000"}`)

		suite.Equal(http.StatusBadRequest, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal(response.StatusError, body["status"])
		suite.Contains(body, "details")
	})

	suite.Run("custom short id conflict", func() {
		suite.urlSvcMock.
			On("Shorten", mock.Anything, "https://example.com", "taken123", "").
			Times(1).
			Return(nil, database.ErrShortCodeExists)

		resp := suite.postJSON(path, `{"url": "https://example.com", "customShortId": "taken123"}`)

		suite.Equal(http.StatusConflict, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal("Short Code Conflict", body["error"])
	})

	suite.Run("server error", func() {
		suite.urlSvcMock.
			On("Shorten", mock.Anything, "https://example.com", "", "").
			Times(1).
			Return(nil, errors.New("unknown error"))

		resp := suite.postJSON(path, `{"url": "https://example.com"}`)

		suite.Equal(http.StatusInternalServerError, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal(response.ServerErrorResponse.Message, body["message"])
	})

	suite.Run("success", func() {
		suite.urlSvcMock.
			On("Shorten", mock.Anything, "https://example.com", "", "").
			Times(1).
			Return(&models.URL{
				ShortCode:   "abc12345",
				OriginalURL: "https://example.com",
			}, nil)

		resp := suite.postJSON(path, `{"url": "https://example.com"}`)

		suite.Equal(http.StatusOK, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal("http://sl.test/abc12345", body["shortUrl"])
		suite.Equal("https://example.com", body["originalUrl"])
		suite.Equal(false, body["custom"])
	})

	suite.Run("success with custom short id", func() {
		suite.urlSvcMock.
			On("Shorten", mock.Anything, "https://example.com", "mylink99", "").
			Times(1).
			Return(&models.URL{
				ShortCode:   "mylink99",
				OriginalURL: "https://example.com",
			}, nil)

		resp := suite.postJSON(path, `{"url": "https://example.com", "customShortId": "mylink99"}`)

		suite.Equal(http.StatusOK, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal("http://sl.test/mylink99", body["shortUrl"])
		suite.Equal(true, body["custom"])
	})
}

func (suite *HandlersTestSuite) TestRedirect() {
	suite.Run("url not found", func() {
		suite.urlSvcMock.
			On("Resolve", mock.Anything, "missing1").
			Times(1).
			Return(nil, database.ErrURLNotFound)

		resp := suite.get("/missing1")

		suite.Equal(http.StatusNotFound, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal(response.ResourceNotFoundResponse.Message, body["message"])
	})

	suite.Run("success", func() {
		suite.urlSvcMock.
			On("Resolve", mock.Anything, "abc12345").
			Times(1).
			Return(&models.URL{
				ShortCode:   "abc12345",
				OriginalURL: "https://example.com",
			}, nil)

		resp := suite.get("/abc12345")

		suite.Equal(http.StatusFound, resp.StatusCode)
		suite.Equal("https://example.com", resp.Header.Get("Location"))
		suite.Equal(int64(1), suite.monitor.Snapshot().Counters[metrics.CounterRedirects])
	})
}

func (suite *HandlersTestSuite) TestStats() {
	suite.Run("url not found", func() {
		suite.urlSvcMock.
			On("Stats", mock.Anything, "missing1").
			Times(1).
			Return(nil, database.ErrURLNotFound)

		resp := suite.get("/stats/missing1")

		suite.Equal(http.StatusNotFound, resp.StatusCode)
	})

	suite.Run("success", func() {
		suite.urlSvcMock.
			On("Stats", mock.Anything, "abc12345").
			Times(1).
			Return(&models.URLStats{
				ShortCode:   "abc12345",
				OriginalURL: "https://example.com",
				TotalClicks: 42,
			}, nil)

		resp := suite.get("/stats/abc12345")

		suite.Equal(http.StatusOK, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal(response.StatusSuccess, body["status"])
		data, ok := body["data"].(map[string]any)
		suite.Require().True(ok)
		suite.Equal(float64(42), data["total_clicks"])
	})
}

func (suite *HandlersTestSuite) TestHealth() {
	suite.Run("healthy", func() {
		resp := suite.get("/health")

		suite.Equal(http.StatusOK, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal("ok", body["status"])
		suite.Equal("closed", body["breaker_state"])
		suite.Equal("connected", body["store"])
	})

	suite.Run("degraded when the breaker is open", func() {
		suite.breaker.state = "open"

		resp := suite.get("/health")

		suite.Equal(http.StatusOK, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal("degraded", body["status"])
	})

	suite.Run("degraded when the store is down", func() {
		suite.store.health = database.HealthDisconnected

		resp := suite.get("/health")

		suite.Equal(http.StatusOK, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal("degraded", body["status"])
	})

	suite.Run("unavailable when both are down", func() {
		suite.breaker.state = "open"
		suite.store.health = database.HealthDisconnected

		resp := suite.get("/health")

		suite.Equal(http.StatusServiceUnavailable, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Equal("unavailable", body["status"])
	})
}

func (suite *HandlersTestSuite) TestMetrics() {
	suite.Run("snapshot", func() {
		suite.monitor.Inc(metrics.CounterRedirects)

		resp := suite.get("/metrics")

		suite.Equal(http.StatusOK, resp.StatusCode)
		body := decodeJSON(suite, resp)
		suite.Contains(body, "uptime_seconds")
		counters, ok := body["counters"].(map[string]any)
		suite.Require().True(ok)
		suite.Equal(float64(1), counters[metrics.CounterRedirects])
	})

	suite.Run("reset", func() {
		suite.monitor.Inc(metrics.CounterRedirects)

		resp := suite.postJSON("/metrics/reset", "")
		suite.Equal(http.StatusOK, resp.StatusCode)

		suite.Empty(suite.monitor.Snapshot().Counters)
	})
}

func TestHandlersTestSuite(t *testing.T) {
	suite.Run(t, new(HandlersTestSuite))
}

// The per-client token bucket is applied only to business routes; diagnostic
// endpoints stay reachable when a client is throttled.
func TestRouter_RateLimiting(t *testing.T) {
	logger := httplog.NewLogger("", httplog.Options{Writer: io.Discard})
	monitor := metrics.NewMonitor()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := ratelimit.NewLimiter(cache.NewRedis(client), ratelimit.Config{
		SustainedRate: 1,
		BurstCapacity: 1,
		IdleTTL:       time.Minute,
	}, monitor, logger.Logger)

	gate := admission.NewGate(admission.Config{
		MaxConnections: 100,
		RateWindow:     time.Second,
		RateCeiling:    1000,
		MaxConcurrent:  10,
		QueueSize:      10,
	}, monitor)

	svcMock := new(MockURLService)
	svcMock.On("Resolve", mock.Anything, "abc12345").
		Return(&models.URL{ShortCode: "abc12345", OriginalURL: "https://example.com"}, nil)

	router := NewRouter(logger, Deps{
		BaseURL: "http://sl.test",
		Service: svcMock,
		Gate:    gate,
		Limiter: limiter,
		Monitor: monitor,
		Breaker: &stubBreaker{state: "closed"},
		Store:   &stubStore{health: database.HealthConnected},
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	httpClient := server.Client()
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	// Two tokens: sustained 1 plus burst 1. The third request is throttled.
	for i := 0; i < 2; i++ {
		resp, err := httpClient.Get(server.URL + "/abc12345")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("request %d: got status %d, want %d", i, resp.StatusCode, http.StatusFound)
		}
	}

	resp, err := httpClient.Get(server.URL + "/abc12345")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		t.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	// Diagnostic endpoints bypass the token bucket.
	health, err := httpClient.Get(server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health: got status %d, want %d", health.StatusCode, http.StatusOK)
	}
}
