// Package lifecycle drives tenants through their lifecycle state machine and
// is the only component that changes tenant state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/cache"
	"github.com/kiranshivaraju/tenantplane/internal/cluster"
	"github.com/kiranshivaraju/tenantplane/internal/configsync"
	"github.com/kiranshivaraju/tenantplane/internal/metrics"
	"github.com/kiranshivaraju/tenantplane/internal/notify"
	"github.com/kiranshivaraju/tenantplane/internal/secrets"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/internal/tenantlock"
	"github.com/kiranshivaraju/tenantplane/internal/tier"
	"github.com/kiranshivaraju/tenantplane/internal/workerpool"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("tenantplane/lifecycle")

// ErrNotConfirmed means a rollout did not reach Ready within its poll budget.
var ErrNotConfirmed = fmt.Errorf("%w: workload health not confirmed", apperr.ErrTimeout)

// Store is the persistence the orchestrator needs.
type Store interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	FindTenantConflict(ctx context.Context, name, domain string) (*models.Tenant, error)
	ListTenants(ctx context.Context, filter store.TenantFilter) ([]*models.Tenant, int, error)
	TransitionTenant(ctx context.Context, id uuid.UUID, from, to models.LifecycleState, opts ...store.TenantUpdateOption) (*models.Tenant, error)
	UpdateTenant(ctx context.Context, id uuid.UUID, opts ...store.TenantUpdateOption) (*models.Tenant, error)
	UpsertDeployment(ctx context.Context, d *models.Deployment) error
	GetDeployment(ctx context.Context, tenantID uuid.UUID) (*models.Deployment, error)
	CreateOperation(ctx context.Context, op *models.Operation) error
	GetOperation(ctx context.Context, id uuid.UUID) (*models.Operation, error)
	UpdateOperationStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.OperationUpdateOption) error
}

// Secrets is the part of the secrets coordinator the orchestrator drives.
type Secrets interface {
	CreateNamespace(ctx context.Context, t *models.Tenant) (*models.SecretNamespace, error)
	Namespace(ctx context.Context, tenantID uuid.UUID) (*models.SecretNamespace, error)
	GenerateValues() (map[string]string, error)
	Provision(ctx context.Context, t *models.Tenant, values map[string]string) (*secrets.ProvisionResult, error)
	FlushPending(ctx context.Context, t *models.Tenant) (*secrets.RotationResult, error)
	Rotate(ctx context.Context, t *models.Tenant) (*secrets.RotationResult, error)
	ConfirmAdoption(ctx context.Context, t *models.Tenant, version int) (*secrets.RotationResult, error)
	ExpireGrace(ctx context.Context) (int, error)
	DueForRotation(ctx context.Context) ([]uuid.UUID, error)
	PendingPropagation(ctx context.Context) ([]uuid.UUID, error)
	Destroy(ctx context.Context, t *models.Tenant) error
}

// Configuration is the part of the configuration coordinator the
// orchestrator drives.
type Configuration interface {
	CoordinateUpdate(ctx context.Context, t *models.Tenant, payload map[string]string, strategy models.Strategy, opts configsync.Options) (*models.ConfigurationRecord, error)
	HotReload(ctx context.Context, t *models.Tenant, component string, payload map[string]string) (*models.ConfigurationRecord, error)
	Resync(ctx context.Context, t *models.Tenant) (*models.ConfigurationRecord, error)
	ReplayIncomplete(ctx context.Context, lease configsync.LeaseFunc) (int, error)
}

// Pruner trims retained health results. Satisfied by *health.Monitor.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

type Config struct {
	ReadyPolls           int
	ReadyInterval        time.Duration
	ScaleConfirmPolls    int
	MaxProvisionAttempts int
	TerminateWait        time.Duration
	DeleteAttempts       int
	DeleteDelay          time.Duration
	ContainerPort        int32
	StatusTTL            cache.StatusTTL
	MaintenanceInterval  time.Duration
}

func (c *Config) defaults() {
	if c.ReadyPolls <= 0 {
		c.ReadyPolls = 20
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = 3 * time.Second
	}
	if c.ScaleConfirmPolls <= 0 {
		c.ScaleConfirmPolls = c.ReadyPolls
	}
	if c.MaxProvisionAttempts <= 0 {
		c.MaxProvisionAttempts = 3
	}
	if c.TerminateWait <= 0 {
		c.TerminateWait = 5 * time.Minute
	}
	if c.DeleteAttempts <= 0 {
		c.DeleteAttempts = 5
	}
	if c.DeleteDelay <= 0 {
		c.DeleteDelay = 2 * time.Second
	}
	if c.ContainerPort <= 0 {
		c.ContainerPort = 8080
	}
	if c.StatusTTL.Finished <= 0 {
		c.StatusTTL = cache.DefaultStatusTTL()
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
}

// Deps are the collaborators injected into the orchestrator. Cache, Notifier
// and Pruner are optional.
type Deps struct {
	Store    Store
	Cluster  cluster.Adapter
	Secrets  Secrets
	Config   Configuration
	Tiers    *tier.Resolver
	Locks    *tenantlock.Registry
	Pool     *workerpool.Pool
	Cache    cache.Cache
	Notifier notify.Notifier
	Pruner   Pruner
	Recorder *audit.Recorder
	Logger   *slog.Logger
}

type Orchestrator struct {
	store    Store
	cluster  cluster.Adapter
	secrets  Secrets
	config   Configuration
	tiers    *tier.Resolver
	locks    *tenantlock.Registry
	pool     *workerpool.Pool
	cache    cache.Cache
	notifier notify.Notifier
	pruner   Pruner
	recorder *audit.Recorder
	cfg      Config
	logger   *slog.Logger
}

func New(d Deps, cfg Config) *Orchestrator {
	cfg.defaults()
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		store:    d.Store,
		cluster:  d.Cluster,
		secrets:  d.Secrets,
		config:   d.Config,
		tiers:    d.Tiers,
		locks:    d.Locks,
		pool:     d.Pool,
		cache:    d.Cache,
		notifier: d.Notifier,
		pruner:   d.Pruner,
		recorder: d.Recorder,
		cfg:      cfg,
		logger:   d.Logger,
	}
}

// step is one lease-guarded operation body. t is loaded after the lease is
// taken, so its state is current.
type step func(ctx context.Context, lease *tenantlock.Lease, t *models.Tenant) error

// leased takes the tenant's lease and runs fn synchronously. A held lease
// fails fast with ErrConflict.
func (o *Orchestrator) leased(ctx context.Context, tenantID uuid.UUID, op string, fn step) error {
	lease, err := o.acquire(tenantID, op)
	if err != nil {
		return err
	}
	defer lease.Release()
	return o.execute(ctx, lease, op, fn)
}

func (o *Orchestrator) acquire(tenantID uuid.UUID, op string) (*tenantlock.Lease, error) {
	lease, err := o.locks.TryAcquire(tenantID, op)
	if err != nil {
		metrics.Conflicts.WithLabelValues(op).Inc()
		return nil, err
	}
	return lease, nil
}

func (o *Orchestrator) execute(ctx context.Context, lease *tenantlock.Lease, op string, fn step) (err error) {
	ctx, corrID := audit.EnsureCorrelationID(ctx)
	ctx, span := tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(
		attribute.String("tenant.id", lease.TenantID.String()),
		attribute.String("correlation.id", corrID.String()),
	))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = apperr.Code(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.OperationDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
		metrics.LeaseHold.WithLabelValues(op).Observe(lease.HeldFor().Seconds())
		span.End()
	}()

	t, err := o.store.GetTenant(ctx, lease.TenantID)
	if err != nil {
		return fmt.Errorf("loading tenant: %w", err)
	}
	if err := lease.Checkpoint(); err != nil {
		return err
	}
	return fn(ctx, lease, t)
}

// transition moves t to state `to` through the state machine and updates t
// in place. The store compares against t's current state, so a concurrent
// change surfaces as ErrConflict.
func (o *Orchestrator) transition(ctx context.Context, t *models.Tenant, to models.LifecycleState, opts ...store.TenantUpdateOption) error {
	from := t.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s for tenant %s", apperr.ErrValidation, from, to, t.Name)
	}
	updated, err := o.store.TransitionTenant(ctx, t.ID, from, to, opts...)
	if errors.Is(err, store.ErrStateConflict) {
		return fmt.Errorf("%w: %v", apperr.ErrConflict, err)
	}
	if err != nil {
		return fmt.Errorf("transitioning tenant %s to %s: %w", t.Name, to, err)
	}
	*t = *updated

	corrID, _ := audit.CorrelationID(ctx)
	metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	o.recorder.Record(ctx, audit.Event{
		Source: audit.SourceOrchestrator, Target: audit.TargetControlPlane, TenantID: t.ID,
		Type:    "tenant.transition",
		Payload: map[string]any{"from": from, "to": to, "last_error": t.LastError},
	})
	o.notifier.Notify(notify.Transition{
		TenantID: t.ID, TenantName: t.Name, Tier: t.Tier,
		From: from, To: to, CorrelationID: corrID, At: t.StateEnteredAt,
	})
	o.logger.Info("tenant transition",
		"tenant_id", t.ID, "tenant", t.Name, "from", from, "state", to, "correlation_id", corrID)
	return nil
}

// fail moves t to Failed with the error as LastError. The original error is
// returned.
func (o *Orchestrator) fail(ctx context.Context, t *models.Tenant, cause error) error {
	if errors.Is(cause, tenantlock.ErrPreempted) {
		return cause
	}
	if err := o.transition(ctx, t, models.StateFailed, store.WithLastError(cause.Error())); err != nil {
		o.logger.Error("marking tenant failed", "tenant_id", t.ID, "error", err, "cause", cause)
	}
	return cause
}

// manifest renders the desired workload for t at desc.
func (o *Orchestrator) manifest(t *models.Tenant, desc tier.Descriptor) cluster.Manifest {
	return cluster.Manifest{
		Namespace: t.Namespace(),
		Name:      cluster.WorkloadName,
		Image:     desc.Image,
		Replicas:  desc.Quota.Replicas,
		Quota:     desc.Quota,
		Env: map[string]string{
			"TENANT_ID":     t.ID.String(),
			"TENANT_NAME":   t.Name,
			"TENANT_DOMAIN": t.Domain,
			"TENANT_REGION": t.Region,
			"TENANT_TIER":   desc.Name,
		},
		Labels: map[string]string{
			cluster.LabelTenant: t.Name,
			cluster.LabelTier:   desc.Name,
		},
		MaxSurge:       desc.MaxSurge,
		MaxUnavailable: desc.MaxUnavailable,
		Port:           o.cfg.ContainerPort,
	}
}

// Tenant returns a tenant by id.
func (o *Orchestrator) Tenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return o.store.GetTenant(ctx, id)
}
