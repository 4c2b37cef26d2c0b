package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
	"github.com/mihaimyh/scrapemeter/storage/memory"
)

// Test helper to create a test manager
func setupTestManager(t *testing.T, storage scrapemeter.Storage) *scrapemeter.Manager {
	t.Helper()

	manager, err := scrapemeter.NewManager(storage, scrapemeter.Config{
		Tiers: []scrapemeter.TierDefinition{
			{Name: "free", MonthlyAllowance: 2},
			{Name: "pro", MonthlyAllowance: scrapemeter.Unlimited, MonthlyPrice: scrapemeter.Dollars(99)},
		},
	})
	require.NoError(t, err)
	return manager
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	})
}

func serve(h http.Handler, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/scrape", nil)
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestMiddleware_Success(t *testing.T) {
	storage := memory.New()
	manager := setupTestManager(t, storage)
	res, err := manager.Signup(context.Background(), "free")
	require.NoError(t, err)

	var seen *scrapemeter.Account
	var decision *scrapemeter.Decision
	handler := Middleware(Config{Manager: manager})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = AccountFromContext(r.Context())
		decision, _ = DecisionFromContext(r.Context())
		_, _ = w.Write([]byte("scraped"))
	}))

	rr := serve(handler, res.APIKey)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "scraped", rr.Body.String())
	assert.Equal(t, "2", rr.Header().Get(HeaderQuotaLimit))
	assert.Equal(t, "1", rr.Header().Get(HeaderQuotaRemaining))
	assert.NotEmpty(t, rr.Header().Get(HeaderQuotaReset))

	require.NotNil(t, seen)
	assert.Equal(t, res.Account.ID, seen.ID)
	require.NotNil(t, decision)
	assert.Equal(t, int64(1), decision.Used)

	require.NoError(t, manager.Close(context.Background()))
	events := storage.UsageEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "/api/scrape", events[0].Endpoint)
	assert.Equal(t, int64(len("scraped")), events[0].ResponseSize)
}

func TestMiddleware_MissingKey(t *testing.T) {
	manager := setupTestManager(t, memory.New())
	handler := Middleware(Config{Manager: manager, UpgradeURL: "/pricing"})(okHandler("nope"))

	rr := serve(handler, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "API key required", body["error"])
	assert.Equal(t, "/pricing", body["upgrade_url"])
}

func TestMiddleware_InvalidKey(t *testing.T) {
	manager := setupTestManager(t, memory.New())
	handler := Middleware(Config{Manager: manager})(okHandler("nope"))

	rr := serve(handler, "ds_unknown")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "Invalid API key", body["error"])
	assert.Equal(t, "/", body["signup_url"])
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	storage := memory.New()
	manager := setupTestManager(t, storage)
	res, err := manager.Signup(context.Background(), "free")
	require.NoError(t, err)

	calls := 0
	handler := Middleware(Config{Manager: manager})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(handler, res.APIKey).Code)
	}

	rr := serve(handler, res.APIKey)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "0", rr.Header().Get(HeaderQuotaRemaining))

	body := decode(t, rr)
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Equal(t, "/", body["upgrade_url"])
	assert.Equal(t, "free", body["current_tier"])
	assert.Equal(t, float64(2), body["limit"])
	assert.NotEmpty(t, body["reset_at"])

	require.NoError(t, manager.Close(context.Background()))
	assert.Len(t, storage.UsageEvents(), 2)
}

func TestMiddleware_UnlimitedHeaders(t *testing.T) {
	manager := setupTestManager(t, memory.New())
	res, err := manager.Signup(context.Background(), "pro")
	require.NoError(t, err)

	rr := serve(Middleware(Config{Manager: manager})(okHandler("ok")), res.APIKey)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "-1", rr.Header().Get(HeaderQuotaLimit))
	assert.Equal(t, "-1", rr.Header().Get(HeaderQuotaRemaining))
}

func TestMiddleware_FailedResponsesAreNotRecorded(t *testing.T) {
	storage := memory.New()
	manager := setupTestManager(t, storage)
	res, err := manager.Signup(context.Background(), "pro")
	require.NoError(t, err)

	handler := Middleware(Config{Manager: manager})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Scraping failed: timeout"})
	}))

	rr := serve(handler, res.APIKey)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	require.NoError(t, manager.Close(context.Background()))
	assert.Empty(t, storage.UsageEvents())
}

func TestMiddleware_SkipUsage(t *testing.T) {
	storage := memory.New()
	manager := setupTestManager(t, storage)
	res, err := manager.Signup(context.Background(), "pro")
	require.NoError(t, err)

	rr := serve(Middleware(Config{Manager: manager, SkipUsage: true})(okHandler("ok")), res.APIKey)
	assert.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, manager.Close(context.Background()))
	assert.Empty(t, storage.UsageEvents())
}

// errorStorage fails every account update
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) UpdateAccount(context.Context, string, scrapemeter.AccountMutator) (*scrapemeter.Account, error) {
	return nil, errors.New("connection refused")
}

func TestMiddleware_StorageErrorFailsClosed(t *testing.T) {
	storage := &errorStorage{Storage: memory.New()}
	manager := setupTestManager(t, storage)
	res, err := manager.Signup(context.Background(), "free")
	require.NoError(t, err)

	called := false
	handler := Middleware(Config{Manager: manager})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rr := serve(handler, res.APIKey)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.False(t, called)
	assert.Equal(t, "5", rr.Header().Get("Retry-After"))
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	manager := setupTestManager(t, memory.New())
	res, err := manager.Signup(context.Background(), "free")
	require.NoError(t, err)

	var gotErr error
	handler := Middleware(Config{
		Manager:     manager,
		GetAPIKey:   FromQuery("key"),
		GetEndpoint: FixedEndpoint("scrape"),
		OnUnauthorized: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusForbidden)
		},
		OnQuotaExceeded: func(w http.ResponseWriter, _ *http.Request, qe *scrapemeter.QuotaExceededError) {
			w.WriteHeader(http.StatusPaymentRequired)
		},
	})(okHandler("ok"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.ErrorIs(t, gotErr, ErrMissingAPIKey)
	assert.ErrorIs(t, gotErr, scrapemeter.ErrInvalidCredential)

	for i := 0; i < 3; i++ {
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x?key="+res.APIKey, nil))
	}
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
}

func TestMiddleware_RequiresManager(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}

func TestMeteredWriter(t *testing.T) {
	rr := httptest.NewRecorder()
	w := NewMeteredWriter(rr)
	assert.Equal(t, http.StatusOK, w.Status())

	w.WriteHeader(http.StatusCreated)
	w.WriteHeader(http.StatusTeapot)
	_, _ = w.Write([]byte(strings.Repeat("x", 10)))
	_, _ = w.Write([]byte("yz"))

	assert.Equal(t, http.StatusCreated, w.Status())
	assert.Equal(t, int64(12), w.Bytes())
	assert.Same(t, rr, w.Unwrap())
}
