package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

var (
	ErrNotFound         = apperr.ErrNotFound
	ErrDuplicateKey     = errors.New("duplicate key violation")
	ErrStateConflict    = errors.New("tenant state changed concurrently")
	ErrVersionConflict  = errors.New("tenant config version changed concurrently")
	ErrAlreadyCompleted = errors.New("configuration record already completed")
)

// Store is the data access interface. All persistence goes through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	GetTenantByName(ctx context.Context, name string) (*models.Tenant, error)
	FindTenantConflict(ctx context.Context, name, domain string) (*models.Tenant, error)
	ListTenants(ctx context.Context, filter TenantFilter) ([]*models.Tenant, int, error)
	TransitionTenant(ctx context.Context, id uuid.UUID, from, to models.LifecycleState, opts ...TenantUpdateOption) (*models.Tenant, error)
	UpdateTenant(ctx context.Context, id uuid.UUID, opts ...TenantUpdateOption) (*models.Tenant, error)

	UpsertDeployment(ctx context.Context, d *models.Deployment) error
	GetDeployment(ctx context.Context, tenantID uuid.UUID) (*models.Deployment, error)
	AnnotateDeployment(ctx context.Context, tenantID uuid.UUID, annotations map[string]string) error

	UpsertSecretNamespace(ctx context.Context, ns *models.SecretNamespace) error
	GetSecretNamespace(ctx context.Context, tenantID uuid.UUID) (*models.SecretNamespace, error)
	ListSecretNamespaces(ctx context.Context) ([]*models.SecretNamespace, error)

	GetTenantConfig(ctx context.Context, tenantID uuid.UUID) (*models.TenantConfig, error)
	SaveTenantConfig(ctx context.Context, cfg *models.TenantConfig, expectedVersion int64) error

	AppendConfigurationRecord(ctx context.Context, r *models.ConfigurationRecord) error
	CompleteConfigurationRecord(ctx context.Context, id uuid.UUID, outcome models.RecordOutcome) error
	GetConfigurationRecord(ctx context.Context, id uuid.UUID) (*models.ConfigurationRecord, error)
	LatestConfigurationRecord(ctx context.Context, tenantID uuid.UUID) (*models.ConfigurationRecord, error)
	ListConfigurationRecords(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ConfigurationRecord, error)
	ListIncompleteConfigurationRecords(ctx context.Context) ([]*models.ConfigurationRecord, error)

	AppendHealthResult(ctx context.Context, r *models.HealthCheckResult) error
	LatestHealthResult(ctx context.Context, tenantID uuid.UUID) (*models.HealthCheckResult, error)
	ListHealthResults(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.HealthCheckResult, error)
	PruneHealthResults(ctx context.Context, before time.Time) (int64, error)

	AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)

	CreateRecoveryRun(ctx context.Context, run *models.DisasterRecoveryRun) error
	UpdateRecoveryRun(ctx context.Context, run *models.DisasterRecoveryRun) error
	GetRecoveryRun(ctx context.Context, id uuid.UUID) (*models.DisasterRecoveryRun, error)
	ListRecoveryRuns(ctx context.Context, limit int) ([]*models.DisasterRecoveryRun, error)

	CreateOperation(ctx context.Context, op *models.Operation) error
	GetOperation(ctx context.Context, id uuid.UUID) (*models.Operation, error)
	UpdateOperationStatus(ctx context.Context, id uuid.UUID, status string, opts ...OperationUpdateOption) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type TenantFilter struct {
	States []models.LifecycleState
	Tier   string
	Page   int
	Limit  int
}

func (f TenantFilter) normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

type AuditFilter struct {
	TenantID      *uuid.UUID
	CorrelationID *uuid.UUID
	AfterSequence int64
	Limit         int
}

func (f AuditFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

// --- Tenant updates ---

type tenantUpdateParams struct {
	Tier               *string
	Quota              *models.ResourceQuota
	Endpoint           *string
	LastError          *string
	ClearLastError     bool
	SuspendReason      *string
	ClearSuspendReason bool
	IncrementAttempts  bool
	ResetAttempts      bool
}

type TenantUpdateOption func(*tenantUpdateParams)

func WithTier(name string, quota models.ResourceQuota) TenantUpdateOption {
	return func(p *tenantUpdateParams) {
		p.Tier = &name
		p.Quota = &quota
	}
}

func WithEndpoint(endpoint string) TenantUpdateOption {
	return func(p *tenantUpdateParams) {
		p.Endpoint = &endpoint
	}
}

func WithLastError(msg string) TenantUpdateOption {
	return func(p *tenantUpdateParams) {
		p.LastError = &msg
	}
}

func ClearLastError() TenantUpdateOption {
	return func(p *tenantUpdateParams) {
		p.ClearLastError = true
	}
}

func WithSuspendReason(reason string) TenantUpdateOption {
	return func(p *tenantUpdateParams) {
		p.SuspendReason = &reason
	}
}

func ClearSuspendReason() TenantUpdateOption {
	return func(p *tenantUpdateParams) {
		p.ClearSuspendReason = true
	}
}

// IncrementProvisionAttempts counts one more provisioning attempt.
func IncrementProvisionAttempts() TenantUpdateOption {
	return func(p *tenantUpdateParams) {
		p.IncrementAttempts = true
	}
}

func ResetProvisionAttempts() TenantUpdateOption {
	return func(p *tenantUpdateParams) {
		p.ResetAttempts = true
	}
}

func applyTenantUpdate(t *models.Tenant, p *tenantUpdateParams) {
	if p.Tier != nil {
		t.Tier = *p.Tier
	}
	if p.Quota != nil {
		t.Quota = *p.Quota
	}
	if p.Endpoint != nil {
		t.Endpoint = *p.Endpoint
	}
	if p.ClearLastError {
		t.LastError = nil
	}
	if p.LastError != nil {
		msg := *p.LastError
		t.LastError = &msg
	}
	if p.ClearSuspendReason {
		t.SuspendReason = nil
	}
	if p.SuspendReason != nil {
		reason := *p.SuspendReason
		t.SuspendReason = &reason
	}
	if p.ResetAttempts {
		t.ProvisionAttempts = 0
	}
	if p.IncrementAttempts {
		t.ProvisionAttempts++
	}
}

// --- Operation updates ---

var validOperationTransitions = map[string][]string{
	models.OperationPending: {models.OperationRunning, models.OperationFailed},
	models.OperationRunning: {models.OperationCompleted, models.OperationFailed},
}

func operationTransitionAllowed(from, to string) bool {
	for _, a := range validOperationTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

type operationUpdateParams struct {
	ErrorCode    *string
	ErrorMessage *string
}

type OperationUpdateOption func(*operationUpdateParams)

func WithOperationError(code, msg string) OperationUpdateOption {
	return func(p *operationUpdateParams) {
		p.ErrorCode = &code
		p.ErrorMessage = &msg
	}
}
