// Package handler implements the control plane's HTTP endpoints on top of
// the lifecycle orchestrator, health monitor and recovery coordinator.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/api/response"
	"github.com/kiranshivaraju/tenantplane/internal/lifecycle"
	"github.com/kiranshivaraju/tenantplane/internal/recovery"
	"github.com/kiranshivaraju/tenantplane/internal/secrets"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// Lifecycle is the orchestrator surface the API drives. Mutations are
// submitted and answered with a correlation id.
type Lifecycle interface {
	RequestOnboarding(ctx context.Context, d models.TenantDescriptor) (*models.Tenant, uuid.UUID, error)
	Tenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	Deployment(ctx context.Context, tenantID uuid.UUID) (*models.Deployment, error)
	SubmitScale(ctx context.Context, tenantID uuid.UUID, tierName string) (uuid.UUID, error)
	SubmitSuspend(ctx context.Context, tenantID uuid.UUID, reason string) (uuid.UUID, error)
	SubmitResume(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error)
	SubmitRetry(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error)
	SubmitRedeploy(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error)
	SubmitTerminate(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error)
	SubmitConfigurationUpdate(ctx context.Context, tenantID uuid.UUID, req lifecycle.ConfigRequest) (uuid.UUID, error)
	SubmitHotReload(ctx context.Context, tenantID uuid.UUID, component string, payload map[string]string) (uuid.UUID, error)
	SubmitResync(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error)
	SubmitRotateSecrets(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error)
	SubmitFlushSecrets(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error)
	ConfirmSecretAdoption(ctx context.Context, tenantID uuid.UUID, version int) (*secrets.RotationResult, error)
	SecretNamespace(ctx context.Context, tenantID uuid.UUID) (*models.SecretNamespace, error)
	Operation(ctx context.Context, id uuid.UUID) (*models.Operation, error)
}

// Records is the read side of the store used for listings.
type Records interface {
	ListTenants(ctx context.Context, filter store.TenantFilter) ([]*models.Tenant, int, error)
	ListAuditEvents(ctx context.Context, filter store.AuditFilter) ([]*models.AuditEvent, error)
	ListConfigurationRecords(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ConfigurationRecord, error)
	GetTenantConfig(ctx context.Context, tenantID uuid.UUID) (*models.TenantConfig, error)
}

// Health serves check results. Satisfied by *health.Monitor.
type Health interface {
	Latest(ctx context.Context, tenantID uuid.UUID) (*models.HealthCheckResult, error)
	History(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.HealthCheckResult, error)
}

// Recovery is the disaster recovery surface. Satisfied by
// *recovery.Coordinator.
type Recovery interface {
	DetectDisaster(ctx context.Context, tenantIDs []uuid.UUID) (*recovery.Assessment, error)
	StartRecovery(ctx context.Context, runID uuid.UUID, tenantIDs []uuid.UUID, strategy models.RecoveryStrategy) (*models.DisasterRecoveryRun, error)
	Run(ctx context.Context, id uuid.UUID) (*models.DisasterRecoveryRun, error)
	Runs(ctx context.Context, limit int) ([]*models.DisasterRecoveryRun, error)
}

// Keys manages operator API keys.
type Keys interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type Deps struct {
	Lifecycle Lifecycle
	Records   Records
	Health    Health
	Recovery  Recovery
	Keys      Keys
}

// Handler holds the endpoint implementations. Each method is an
// http.HandlerFunc mounted by api.NewRouter.
type Handler struct {
	lifecycle Lifecycle
	records   Records
	health    Health
	recovery  Recovery
	keys      Keys
}

func New(d Deps) *Handler {
	return &Handler{
		lifecycle: d.Lifecycle,
		records:   d.Records,
		health:    d.Health,
		recovery:  d.Recovery,
		keys:      d.Keys,
	}
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "Invalid "+param+" format", nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// errHandled is returned by a submit callback that already wrote the
// response.
var errHandled = errors.New("response written")

// submit parses the tenant id and optional body, then runs fn and answers
// with 202 and the correlation id.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, body any,
	fn func(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error)) {
	id, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	if body != nil && !decode(w, r, body) {
		return
	}
	corrID, err := fn(r.Context(), id)
	if errors.Is(err, errHandled) {
		return
	}
	if err != nil {
		response.FromError(w, err)
		return
	}
	accepted(w, id, corrID)
}

// accepted answers a submitted mutation with its correlation id.
func accepted(w http.ResponseWriter, tenantID, corrID uuid.UUID) {
	w.Header().Set("Location", "/api/v1/operations/"+corrID.String())
	response.Accepted(w, submittedResponse{TenantID: tenantID, CorrelationID: corrID})
}

type submittedResponse struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	CorrelationID uuid.UUID `json:"correlation_id"`
}
