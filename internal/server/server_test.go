package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scrapemeter/internal/config"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
	promadapter "github.com/mihaimyh/scrapemeter/pkg/scrapemeter/metrics/prometheus"
	"github.com/mihaimyh/scrapemeter/pkg/scraper"
	"github.com/mihaimyh/scrapemeter/storage/memory"
)

type stubScraper struct{}

func (stubScraper) Scrape(_ context.Context, url string, _ map[string]string) (*scraper.Result, error) {
	return &scraper.Result{URL: url, Data: map[string]interface{}{}, Timestamp: time.Now()}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			UpgradeURL:      "/pricing",
			ShutdownTimeout: time.Second,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics", Namespace: "test"},
	}
}

func newTestServer(t *testing.T) (*Server, *scrapemeter.Manager) {
	t.Helper()
	reg := prometheus.NewRegistry()
	manager, err := scrapemeter.NewManager(memory.New(), scrapemeter.Config{
		Metrics: promadapter.NewMetrics(reg, "test"),
	})
	require.NoError(t, err)

	srv, err := New(testConfig(), Options{Manager: manager, Scraper: stubScraper{}, Gatherer: reg})
	require.NoError(t, err)
	return srv, manager
}

func TestNew_RequiresManager(t *testing.T) {
	_, err := New(testConfig(), Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "pong", rr.Body.String())
}

func TestRequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))
	_, err := uuid.Parse(rr.Header().Get(RequestIDHeader))
	assert.NoError(t, err)

	given := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, given)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, given, rr.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.NotEqual(t, "not-a-uuid", rr.Header().Get(RequestIDHeader))
}

func TestAPIRoutesMounted(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/signup", strings.NewReader(`{"tier":"starter"}`)))
	require.Equal(t, http.StatusOK, rr.Code)

	var signup map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &signup))
	key, _ := signup["api_key"].(string)
	require.NotEmpty(t, key)

	req := httptest.NewRequest(http.MethodPost, "/api/scrape", strings.NewReader(`{"url":"https://example.com"}`))
	req.Header.Set("X-API-Key", key)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/scrape", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "/pricing")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/signup", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "test_signups_total")
}

func TestRecoverer(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.router.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRun_Shutdown(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
