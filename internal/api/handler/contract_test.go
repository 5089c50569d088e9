package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/api"
	"github.com/kiranshivaraju/tenantplane/internal/api/handler"
	mw "github.com/kiranshivaraju/tenantplane/internal/api/middleware"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/cache"
	"github.com/kiranshivaraju/tenantplane/internal/lifecycle"
	"github.com/kiranshivaraju/tenantplane/internal/recovery"
	"github.com/kiranshivaraju/tenantplane/internal/secrets"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	adminRawKey = "tp_test_contract_admin_1234567890"
	readRawKey  = "tp_read_contract_key_1234567890"
)

func hashed(raw string) string {
	h, _ := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	return string(h)
}

// ─── fake lifecycle ──────────────────────────────────────────────────────────

type call struct {
	op       string
	tenantID uuid.UUID
	arg      any
}

type fakeLifecycle struct {
	mu      sync.Mutex
	calls   []call
	tenants map[uuid.UUID]*models.Tenant
	ops     map[uuid.UUID]*models.Operation
	err     error
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{
		tenants: make(map[uuid.UUID]*models.Tenant),
		ops:     make(map[uuid.UUID]*models.Operation),
	}
}

func (f *fakeLifecycle) record(ctx context.Context, op string, id uuid.UUID, arg any) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, tenantID: id, arg: arg})
	if f.err != nil {
		return uuid.Nil, f.err
	}
	if _, ok := f.tenants[id]; !ok {
		return uuid.Nil, fmt.Errorf("loading tenant: %w", apperr.ErrNotFound)
	}
	_, corrID := audit.EnsureCorrelationID(ctx)
	tid := id
	f.ops[corrID] = &models.Operation{ID: corrID, TenantID: &tid, Type: op, Status: models.OperationPending}
	return corrID, nil
}

func (f *fakeLifecycle) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeLifecycle) RequestOnboarding(ctx context.Context, d models.TenantDescriptor) (*models.Tenant, uuid.UUID, error) {
	if err := lifecycle.ValidateDescriptor(d); err != nil {
		return nil, uuid.Nil, err
	}
	t := &models.Tenant{ID: uuid.New(), Name: d.Name, Tier: d.Tier, Domain: d.Domain, State: models.StateValidating}
	f.mu.Lock()
	f.tenants[t.ID] = t
	f.mu.Unlock()
	corrID, err := f.record(ctx, models.OpOnboard, t.ID, d)
	return t, corrID, err
}

func (f *fakeLifecycle) Tenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tenants[id]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeLifecycle) Deployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	t, err := f.Tenant(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.Deployment{TenantID: id, Namespace: t.Namespace(), Status: models.WorkloadReady, Replicas: 1}, nil
}

func (f *fakeLifecycle) SubmitScale(ctx context.Context, id uuid.UUID, tier string) (uuid.UUID, error) {
	return f.record(ctx, models.OpScale, id, tier)
}

func (f *fakeLifecycle) SubmitSuspend(ctx context.Context, id uuid.UUID, reason string) (uuid.UUID, error) {
	return f.record(ctx, models.OpSuspend, id, reason)
}

func (f *fakeLifecycle) SubmitResume(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return f.record(ctx, models.OpResume, id, nil)
}

func (f *fakeLifecycle) SubmitRetry(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return f.record(ctx, models.OpRetry, id, nil)
}

func (f *fakeLifecycle) SubmitRedeploy(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return f.record(ctx, models.OpRedeploy, id, nil)
}

func (f *fakeLifecycle) SubmitTerminate(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return f.record(ctx, models.OpTerminate, id, nil)
}

func (f *fakeLifecycle) SubmitConfigurationUpdate(ctx context.Context, id uuid.UUID, req lifecycle.ConfigRequest) (uuid.UUID, error) {
	return f.record(ctx, models.OpConfigUpdate, id, req)
}

func (f *fakeLifecycle) SubmitHotReload(ctx context.Context, id uuid.UUID, component string, _ map[string]string) (uuid.UUID, error) {
	return f.record(ctx, models.OpConfigReload, id, component)
}

func (f *fakeLifecycle) SubmitResync(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return f.record(ctx, models.OpConfigResync, id, nil)
}

func (f *fakeLifecycle) SubmitRotateSecrets(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return f.record(ctx, models.OpSecretRotate, id, nil)
}

func (f *fakeLifecycle) SubmitFlushSecrets(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return f.record(ctx, models.OpSecretFlush, id, nil)
}

func (f *fakeLifecycle) ConfirmSecretAdoption(_ context.Context, id uuid.UUID, version int) (*secrets.RotationResult, error) {
	if version > 2 {
		return nil, apperr.Validationf("version %d is not pending", version)
	}
	return &secrets.RotationResult{Completed: true, CurrentVersion: version, PreviousVersion: version - 1}, nil
}

func (f *fakeLifecycle) SecretNamespace(_ context.Context, id uuid.UUID) (*models.SecretNamespace, error) {
	return &models.SecretNamespace{TenantID: id, Path: "tenants/acme", Keys: []string{"db_password"}, CurrentVersion: 1}, nil
}

func (f *fakeLifecycle) Operation(_ context.Context, id uuid.UUID) (*models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op, ok := f.ops[id]; ok {
		return op, nil
	}
	return nil, store.ErrNotFound
}

// ─── fake health and recovery ────────────────────────────────────────────────

type fakeHealth struct {
	results map[uuid.UUID][]*models.HealthCheckResult
}

func (f *fakeHealth) Latest(_ context.Context, id uuid.UUID) (*models.HealthCheckResult, error) {
	if rs := f.results[id]; len(rs) > 0 {
		return rs[0], nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeHealth) History(_ context.Context, id uuid.UUID, limit int) ([]*models.HealthCheckResult, error) {
	rs := f.results[id]
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return rs, nil
}

type fakeRecovery struct {
	runs map[uuid.UUID]*models.DisasterRecoveryRun
}

func (f *fakeRecovery) DetectDisaster(_ context.Context, ids []uuid.UUID) (*recovery.Assessment, error) {
	a := &recovery.Assessment{Evaluated: len(ids), Affected: []models.AffectedTenant{}}
	if len(ids) == 0 {
		return a, nil
	}
	run := &models.DisasterRecoveryRun{ID: uuid.New(), Status: models.RunDetected, TenantStatus: map[string]models.TenantRecoveryStatus{}}
	for _, id := range ids {
		a.Affected = append(a.Affected, models.AffectedTenant{TenantID: id, Reasons: []string{models.ReasonLivenessFailing}})
		run.TenantStatus[id.String()] = models.TenantRecoveryPending
	}
	run.Affected = a.Affected
	f.runs[run.ID] = run
	a.Run = run
	return a, nil
}

func (f *fakeRecovery) StartRecovery(_ context.Context, id uuid.UUID, _ []uuid.UUID, strategy models.RecoveryStrategy) (*models.DisasterRecoveryRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if run.Status != models.RunDetected {
		return nil, apperr.Validationf("recovery run %s is %s and cannot be executed again", id, run.Status)
	}
	run.Status = models.RunRunning
	run.Strategy = strategy
	return run, nil
}

func (f *fakeRecovery) Run(_ context.Context, id uuid.UUID) (*models.DisasterRecoveryRun, error) {
	if run, ok := f.runs[id]; ok {
		return run, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeRecovery) Runs(_ context.Context, _ int) ([]*models.DisasterRecoveryRun, error) {
	out := make([]*models.DisasterRecoveryRun, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out, nil
}

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server    *httptest.Server
	store     *store.MemoryStore
	lifecycle *fakeLifecycle
	health    *fakeHealth
	recovery  *fakeRecovery
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreateAPIKey(ctx, &models.APIKey{
		ID: uuid.New(), Name: "admin", KeyHash: hashed(adminRawKey),
		KeyPrefix: adminRawKey[:8], Scopes: []string{models.ScopeAdmin},
	}))
	require.NoError(t, ms.CreateAPIKey(ctx, &models.APIKey{
		ID: uuid.New(), Name: "reader", KeyHash: hashed(readRawKey),
		KeyPrefix: readRawKey[:8], Scopes: []string{models.ScopeRead},
	}))

	ts := &testServer{
		store:     ms,
		lifecycle: newFakeLifecycle(),
		health:    &fakeHealth{results: map[uuid.UUID][]*models.HealthCheckResult{}},
		recovery:  &fakeRecovery{runs: map[uuid.UUID]*models.DisasterRecoveryRun{}},
	}

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(ms),
		RateLimit: mw.NewRateLimit(cache.NewMemoryCache(), 1000),
		Handlers: handler.New(handler.Deps{
			Lifecycle: ts.lifecycle,
			Records:   ms,
			Health:    ts.health,
			Recovery:  ts.recovery,
			Keys:      ms,
		}),
	})
	ts.server = httptest.NewServer(router)
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) request(t *testing.T, key, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) tenant(name string) *models.Tenant {
	t := &models.Tenant{ID: uuid.New(), Name: name, Tier: "small", State: models.StateActive}
	ts.lifecycle.mu.Lock()
	ts.lifecycle.tenants[t.ID] = t
	ts.lifecycle.mu.Unlock()
	return t
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	return parseBody(t, resp)["error"].(map[string]any)["code"].(string)
}

// ─── onboarding ──────────────────────────────────────────────────────────────

func TestOnboard_202_WithCorrelationID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, adminRawKey, "POST", "/api/v1/tenants", models.TenantDescriptor{
		Name: "acme", DisplayName: "Acme Corp", Tier: "small", Domain: "acme.example.com", Region: "eu-west-1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := parseBody(t, resp)
	data := body["data"].(map[string]any)
	corrID := data["correlation_id"].(string)
	assert.Equal(t, "acme", data["tenant"].(map[string]any)["name"])
	assert.Equal(t, "/api/v1/operations/"+corrID, resp.Header.Get("Location"))
	assert.Equal(t, corrID, resp.Header.Get(mw.CorrelationHeader))
}

func TestOnboard_ReusesCallerCorrelationID(t *testing.T) {
	ts := newTestServer(t)
	want := uuid.New()

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(models.TenantDescriptor{
		Name: "acme", DisplayName: "Acme", Tier: "small", Domain: "acme.example.com", Region: "eu-west-1",
	})
	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/tenants", &buf)
	req.Header.Set("Authorization", "Bearer "+adminRawKey)
	req.Header.Set(mw.CorrelationHeader, want.String())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, want.String(), data["correlation_id"])
}

func TestOnboard_400_InvalidDescriptor(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, adminRawKey, "POST", "/api/v1/tenants", models.TenantDescriptor{
		Name: "Acme!", Tier: "small",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))
}

func TestOnboard_400_MalformedJSON(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/tenants", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+adminRawKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
}

func TestOnboard_403_ReadKey(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, readRawKey, "POST", "/api/v1/tenants", models.TenantDescriptor{Name: "acme"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// ─── tenant reads ────────────────────────────────────────────────────────────

func TestGetTenant_200(t *testing.T) {
	ts := newTestServer(t)
	tn := ts.tenant("acme")

	resp := ts.request(t, readRawKey, "GET", "/api/v1/tenants/"+tn.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "acme", data["name"])
	assert.Equal(t, "active", data["state"])
}

func TestGetTenant_404(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, readRawKey, "GET", "/api/v1/tenants/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
}

func TestGetTenant_400_BadID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, readRawKey, "GET", "/api/v1/tenants/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ID", errorCode(t, resp))
}

func TestGetDeployment_200(t *testing.T) {
	ts := newTestServer(t)
	tn := ts.tenant("acme")

	resp := ts.request(t, readRawKey, "GET", "/api/v1/tenants/"+tn.ID.String()+"/deployment", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "tenant-acme", data["namespace"])
}

func TestListTenants_FiltersAndPaginates(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.store.CreateTenant(ctx, &models.Tenant{
			ID: uuid.New(), Name: fmt.Sprintf("active-%d", i), Domain: fmt.Sprintf("a%d.example.com", i),
			Tier: "small", State: models.StateActive, CreatedAt: time.Now(),
		}))
	}
	require.NoError(t, ts.store.CreateTenant(ctx, &models.Tenant{
		ID: uuid.New(), Name: "sleepy", Domain: "sleepy.example.com",
		Tier: "small", State: models.StateSuspended, CreatedAt: time.Now(),
	}))

	resp := ts.request(t, readRawKey, "GET", "/api/v1/tenants?state=active&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	assert.Len(t, body["data"].([]any), 2)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(3), meta["total"])
	assert.Equal(t, true, meta["has_next"])
}

// ─── lifecycle mutations ─────────────────────────────────────────────────────

func TestMutations_202(t *testing.T) {
	ts := newTestServer(t)
	tn := ts.tenant("acme")
	base := "/api/v1/tenants/" + tn.ID.String()

	tests := []struct {
		path string
		body any
		op   string
	}{
		{"/scale", map[string]string{"tier": "large"}, models.OpScale},
		{"/suspend", map[string]string{"reason": "unpaid invoice"}, models.OpSuspend},
		{"/resume", nil, models.OpResume},
		{"/retry", nil, models.OpRetry},
		{"/redeploy", nil, models.OpRedeploy},
		{"/terminate", nil, models.OpTerminate},
		{"/config", map[string]any{"payload": map[string]string{"max_connections": "200"}, "strategy": "synchronized"}, models.OpConfigUpdate},
		{"/config/reload", map[string]any{"component": "cache", "payload": map[string]string{"ttl": "30s"}}, models.OpConfigReload},
		{"/config/resync", nil, models.OpConfigResync},
		{"/secrets/rotate", nil, models.OpSecretRotate},
		{"/secrets/flush", nil, models.OpSecretFlush},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			resp := ts.request(t, adminRawKey, "POST", base+tt.path, tt.body)
			require.Equal(t, http.StatusAccepted, resp.StatusCode)

			data := parseBody(t, resp)["data"].(map[string]any)
			assert.Equal(t, tn.ID.String(), data["tenant_id"])
			assert.NotEmpty(t, data["correlation_id"])
			assert.Equal(t, tt.op, ts.lifecycle.last().op)
		})
	}
}

func TestConfigUpdate_PassesRequest(t *testing.T) {
	ts := newTestServer(t)
	tn := ts.tenant("acme")

	resp := ts.request(t, adminRawKey, "POST", "/api/v1/tenants/"+tn.ID.String()+"/config", map[string]any{
		"payload":    map[string]string{"feature_x": "on"},
		"strategy":   "control_plane_first",
		"target":     "tenant_instance",
		"components": []string{"web"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	req := ts.lifecycle.last().arg.(lifecycle.ConfigRequest)
	assert.Equal(t, map[string]string{"feature_x": "on"}, req.Payload)
	assert.Equal(t, models.StrategyControlPlaneFirst, req.Strategy)
	assert.Equal(t, models.TargetInstance, req.Target)
	assert.Equal(t, []string{"web"}, req.Components)
}

func TestMutations_400_MissingFields(t *testing.T) {
	ts := newTestServer(t)
	tn := ts.tenant("acme")
	base := "/api/v1/tenants/" + tn.ID.String()

	for _, path := range []string{"/scale", "/suspend", "/config", "/config/reload"} {
		t.Run(path, func(t *testing.T) {
			resp := ts.request(t, adminRawKey, "POST", base+path, map[string]string{})
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))
		})
	}
}

func TestMutations_409_Conflict(t *testing.T) {
	ts := newTestServer(t)
	tn := ts.tenant("acme")
	ts.lifecycle.err = apperr.Conflict(tn.ID, models.OpScale)

	resp := ts.request(t, adminRawKey, "POST", "/api/v1/tenants/"+tn.ID.String()+"/terminate", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(t, resp))
}

func TestMutations_503_QueueFull(t *testing.T) {
	ts := newTestServer(t)
	tn := ts.tenant("acme")
	ts.lifecycle.err = fmt.Errorf("%w: %v", lifecycle.ErrBusy, "queue full")

	resp := ts.request(t, adminRawKey, "POST", "/api/v1/tenants/"+tn.ID.String()+"/resume", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "UNAVAILABLE", errorCode(t, resp))
}

func TestMutations_404_UnknownTenant(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, adminRawKey, "POST", "/api/v1/tenants/"+uuid.New().String()+"/resume", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetOperation_200(t *testing.T) {
	ts := newTestServer(t)
	tn := ts.tenant("acme")

	resp := ts.request(t, adminRawKey, "POST", "/api/v1/tenants/"+tn.ID.String()+"/redeploy", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	corrID := parseBody(t, resp)["data"].(map[string]any)["correlation_id"].(string)

	resp = ts.request(t, readRawKey, "GET", "/api/v1/operations/"+corrID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, models.OpRedeploy, data["type"])
	assert.Equal(t, models.OperationPending, data["status"])
}

// ─── secrets ─────────────────────────────────────────────────────────────────

func TestAckSecrets(t *testing.T) {
	ts := newTestServer(t)
	tn := ts.tenant("acme")
	path := "/api/v1/tenants/" + tn.ID.String() + "/secrets/ack"

	resp := ts.request(t, adminRawKey, "POST", path, map[string]int{"version": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, data["completed"])
	assert.Equal(t, float64(2), data["current_version"])

	resp = ts.request(t, adminRawKey, "POST", path, map[string]int{"version": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, adminRawKey, "POST", path, map[string]int{"version": 7})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSecrets_NoValues(t *testing.T) {
	ts := newTestServer(t)
	tn := ts.tenant("acme")

	resp := ts.request(t, readRawKey, "GET", "/api/v1/tenants/"+tn.ID.String()+"/secrets", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "tenants/acme", data["path"])
	assert.NotContains(t, data, "data")
}

// ─── configuration reads ─────────────────────────────────────────────────────

func TestConfigRecords_200(t *testing.T) {
	ts := newTestServer(t)
	tenantID := uuid.New()
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.store.AppendConfigurationRecord(context.Background(), &models.ConfigurationRecord{
			ID: uuid.New(), TenantID: tenantID, Kind: models.RecordUpdate,
			Payload: map[string]string{"k": fmt.Sprint(i)}, Target: models.TargetBoth,
		}))
	}

	resp := ts.request(t, readRawKey, "GET", "/api/v1/tenants/"+tenantID.String()+"/config/records?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, parseBody(t, resp)["data"].([]any), 2)
}

func TestConfigRecords_EmptyIsArray(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, readRawKey, "GET", "/api/v1/tenants/"+uuid.New().String()+"/config/records", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, parseBody(t, resp)["data"])
}

// ─── health ──────────────────────────────────────────────────────────────────

func TestHealth_LatestAndHistory(t *testing.T) {
	ts := newTestServer(t)
	tenantID := uuid.New()
	ts.health.results[tenantID] = []*models.HealthCheckResult{
		{ID: uuid.New(), TenantID: tenantID, Live: false, ConsecutiveFailures: 2},
		{ID: uuid.New(), TenantID: tenantID, Live: false, ConsecutiveFailures: 1},
		{ID: uuid.New(), TenantID: tenantID, Live: true},
	}

	resp := ts.request(t, readRawKey, "GET", "/api/v1/tenants/"+tenantID.String()+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, float64(2), data["consecutive_failures"])

	resp = ts.request(t, readRawKey, "GET", "/api/v1/tenants/"+tenantID.String()+"/health/history?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, parseBody(t, resp)["data"].([]any), 2)
}

func TestHealth_404_NoChecksYet(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, readRawKey, "GET", "/api/v1/tenants/"+uuid.New().String()+"/health", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ─── recovery ────────────────────────────────────────────────────────────────

func TestRecovery_DetectThenExecute(t *testing.T) {
	ts := newTestServer(t)
	a, b := uuid.New(), uuid.New()

	resp := ts.request(t, adminRawKey, "POST", "/api/v1/recovery/detect", map[string]any{"tenant_ids": []uuid.UUID{a, b}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Len(t, data["affected"].([]any), 2)
	runID := data["run"].(map[string]any)["id"].(string)

	resp = ts.request(t, adminRawKey, "POST", "/api/v1/recovery/runs/"+runID+"/execute", map[string]any{"strategy": "redeploy"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/api/v1/recovery/runs/"+runID, resp.Header.Get("Location"))

	resp = ts.request(t, adminRawKey, "POST", "/api/v1/recovery/runs/"+runID+"/execute", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, readRawKey, "GET", "/api/v1/recovery/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", parseBody(t, resp)["data"].(map[string]any)["status"])

	resp = ts.request(t, readRawKey, "GET", "/api/v1/recovery/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, parseBody(t, resp)["data"].([]any), 1)
}

func TestRecovery_DetectNothing_200(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, adminRawKey, "POST", "/api/v1/recovery/detect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Nil(t, data["run"])
}

func TestRecovery_UnknownRun_404(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, readRawKey, "GET", "/api/v1/recovery/runs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ─── audit ───────────────────────────────────────────────────────────────────

func TestAudit_FilterByCorrelation(t *testing.T) {
	ts := newTestServer(t)
	rec := audit.NewRecorder(ts.store, nil)
	corrA, corrB := uuid.New(), uuid.New()
	tenantID := uuid.New()

	ctxA := audit.WithCorrelationID(context.Background(), corrA)
	rec.Record(ctxA, audit.Event{Source: audit.SourceOrchestrator, Target: audit.TargetCluster, TenantID: tenantID, Type: "namespace.created"})
	rec.Record(ctxA, audit.Event{Source: audit.SourceSecrets, Target: audit.TargetSecretStore, TenantID: tenantID, Type: "secrets.provisioned"})
	rec.Record(audit.WithCorrelationID(context.Background(), corrB), audit.Event{Source: audit.SourceHealth, Target: audit.TargetInstance, Type: "health.failed"})

	resp := ts.request(t, readRawKey, "GET", "/api/v1/audit?correlation_id="+corrA.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := parseBody(t, resp)["data"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, "namespace.created", events[0].(map[string]any)["type"])

	resp = ts.request(t, readRawKey, "GET", "/api/v1/audit?tenant_id=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── admin keys ──────────────────────────────────────────────────────────────

func TestKeys_CreateListRevoke(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, adminRawKey, "POST", "/api/v1/admin/keys", map[string]any{
		"name": "portal", "scopes": []string{"read", "operate"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	raw := data["key"].(string)
	keyID := data["id"].(string)
	assert.Equal(t, raw[:8], data["key_prefix"])
	assert.NotContains(t, data, "key_hash")

	// The new key authenticates and carries its scopes.
	tn := ts.tenant("acme")
	resp = ts.request(t, raw, "POST", "/api/v1/tenants/"+tn.ID.String()+"/resume", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = ts.request(t, raw, "GET", "/api/v1/admin/keys", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.request(t, adminRawKey, "GET", "/api/v1/admin/keys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, parseBody(t, resp)["data"].([]any), 3)

	resp = ts.request(t, adminRawKey, "DELETE", "/api/v1/admin/keys/"+keyID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.request(t, raw, "GET", "/api/v1/tenants", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestKeys_Validation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, adminRawKey, "POST", "/api/v1/admin/keys", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, adminRawKey, "POST", "/api/v1/admin/keys", map[string]any{"name": "x", "scopes": []string{"root"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, adminRawKey, "POST", "/api/v1/admin/keys", map[string]any{"name": "admin"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE_KEY_NAME", errorCode(t, resp))

	resp = ts.request(t, adminRawKey, "DELETE", "/api/v1/admin/keys/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKeys_403_ReadKey(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, readRawKey, "GET", "/api/v1/admin/keys", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errorCode(t, resp))
}

func TestGenerateAPIKey(t *testing.T) {
	raw, key, err := handler.GenerateAPIKey("ops", []string{models.ScopeOperate})
	require.NoError(t, err)

	assert.Regexp(t, `^tp_[0-9a-f]{48}$`, raw)
	assert.Equal(t, raw[:8], key.KeyPrefix)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)))
	assert.NotContains(t, key.KeyHash, raw)
}

func TestHashAPIKey_RejectsShortKey(t *testing.T) {
	_, err := handler.HashAPIKey("bootstrap", "tp_x", []string{models.ScopeAdmin})
	assert.Error(t, err)
}
