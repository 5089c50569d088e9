package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/api"
	"github.com/kiranshivaraju/tenantplane/internal/api/handler"
	mw "github.com/kiranshivaraju/tenantplane/internal/api/middleware"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stub key store that knows no keys (all auth fails) ---

type stubStore struct{}

func (s *stubStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *stubStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

// --- stub counter ---

type stubCache struct{}

func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

// --- router tests ---

func newTestRouter() http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(&stubStore{}),
		RateLimit: mw.NewRateLimit(&stubCache{}, 60),
		Handlers:  handler.New(handler.Deps{}),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("# metrics"))
		}),
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(mw.CorrelationHeader))
}

func TestRouter_MetricsEndpoint_Public(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "# metrics", w.Body.String())
}

func TestRouter_HealthWithoutHandler_NotImplemented(t *testing.T) {
	router := api.NewRouter(api.Dependencies{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter()
	id := uuid.New().String()

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/tenants"},
		{"GET", "/api/v1/tenants"},
		{"GET", "/api/v1/tenants/" + id},
		{"POST", "/api/v1/tenants/" + id + "/scale"},
		{"POST", "/api/v1/tenants/" + id + "/terminate"},
		{"POST", "/api/v1/tenants/" + id + "/config"},
		{"POST", "/api/v1/tenants/" + id + "/secrets/rotate"},
		{"POST", "/api/v1/tenants/" + id + "/secrets/flush"},
		{"GET", "/api/v1/operations/" + id},
		{"POST", "/api/v1/recovery/detect"},
		{"GET", "/api/v1/audit"},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// Verify the stubs satisfy the middleware interfaces
var _ mw.KeyStore = (*stubStore)(nil)
var _ mw.Counter = (*stubCache)(nil)
