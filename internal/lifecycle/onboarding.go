package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/cluster"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/internal/tenantlock"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"k8s.io/apimachinery/pkg/util/validation"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("dnslabel", func(fl validator.FieldLevel) bool {
		return len(validation.IsDNS1123Label(fl.Field().String())) == 0
	})
}

// ValidateDescriptor checks an onboarding request's fields. It does not check
// uniqueness.
func ValidateDescriptor(d models.TenantDescriptor) error {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validationf("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return apperr.Validationf("%s", strings.Join(msgs, "; "))
}

// RequestOnboarding validates d, records the tenant in Requested, moves it to
// Validating and schedules provisioning. It returns the new tenant and the
// correlation id under which the provisioning outcome is reported.
func (o *Orchestrator) RequestOnboarding(ctx context.Context, d models.TenantDescriptor) (*models.Tenant, uuid.UUID, error) {
	ctx, corrID := audit.EnsureCorrelationID(ctx)

	if err := ValidateDescriptor(d); err != nil {
		return nil, uuid.Nil, err
	}
	desc, err := o.tiers.Resolve(d.Tier)
	if err != nil {
		return nil, uuid.Nil, err
	}
	existing, err := o.store.FindTenantConflict(ctx, d.Name, d.Domain)
	switch {
	case err == nil:
		if existing.Name == d.Name {
			return nil, uuid.Nil, apperr.Validationf("tenant name %q is already taken", d.Name)
		}
		return nil, uuid.Nil, apperr.Validationf("domain %q is already claimed", d.Domain)
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, uuid.Nil, fmt.Errorf("checking tenant uniqueness: %w", err)
	}

	now := time.Now().UTC()
	t := &models.Tenant{
		ID:             uuid.New(),
		Name:           d.Name,
		DisplayName:    d.DisplayName,
		Tier:           desc.Name,
		Quota:          desc.Quota,
		Domain:         d.Domain,
		Region:         d.Region,
		State:          models.StateRequested,
		StateEnteredAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateTenant(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, uuid.Nil, apperr.Validationf("tenant name %q or domain %q is already claimed", d.Name, d.Domain)
		}
		return nil, uuid.Nil, fmt.Errorf("creating tenant: %w", err)
	}
	o.recorder.Record(ctx, audit.Event{
		Source: audit.SourceOrchestrator, Target: audit.TargetControlPlane, TenantID: t.ID,
		Type:    "tenant.requested",
		Payload: map[string]any{"name": t.Name, "tier": t.Tier, "domain": t.Domain, "region": t.Region},
	})

	lease, err := o.acquire(t.ID, models.OpOnboard)
	if err != nil {
		return t, corrID, err
	}
	if err := o.transition(ctx, t, models.StateValidating); err != nil {
		lease.Release()
		return t, corrID, err
	}
	if err := o.createOperation(ctx, corrID, &t.ID, models.OpOnboard); err != nil {
		lease.Release()
		return t, corrID, err
	}
	err = o.enqueue(ctx, corrID, models.OpOnboard, func(ctx context.Context) error {
		defer lease.Release()
		return o.execute(ctx, lease, models.OpProvision, o.provision)
	}, lease.Release)
	return t, corrID, err
}

// Provision drives a Validating or Provisioning tenant to Active.
func (o *Orchestrator) Provision(ctx context.Context, tenantID uuid.UUID) error {
	return o.leased(ctx, tenantID, models.OpProvision, o.provision)
}

// SubmitProvision is the asynchronous form of Provision.
func (o *Orchestrator) SubmitProvision(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error) {
	return o.submit(ctx, tenantID, models.OpProvision, o.provision)
}

// Retry moves a Failed tenant back to Validating and provisions it again,
// up to MaxProvisionAttempts.
func (o *Orchestrator) Retry(ctx context.Context, tenantID uuid.UUID) error {
	return o.leased(ctx, tenantID, models.OpRetry, o.retry)
}

func (o *Orchestrator) SubmitRetry(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error) {
	return o.submit(ctx, tenantID, models.OpRetry, o.retry)
}

func (o *Orchestrator) retry(ctx context.Context, lease *tenantlock.Lease, t *models.Tenant) error {
	if err := requireState(t, "retry", models.StateFailed); err != nil {
		return err
	}
	if t.ProvisionAttempts >= o.cfg.MaxProvisionAttempts {
		return apperr.Validationf("tenant %s used all %d provisioning attempts", t.Name, o.cfg.MaxProvisionAttempts)
	}
	if err := o.transition(ctx, t, models.StateValidating); err != nil {
		return err
	}
	return o.provision(ctx, lease, t)
}

func (o *Orchestrator) provision(ctx context.Context, lease *tenantlock.Lease, t *models.Tenant) error {
	if err := requireState(t, "provision", models.StateValidating, models.StateProvisioning); err != nil {
		return err
	}
	desc, err := o.tiers.Resolve(t.Tier)
	if err != nil {
		return o.fail(ctx, t, err)
	}
	if t.State == models.StateValidating {
		if err := o.transition(ctx, t, models.StateProvisioning, store.IncrementProvisionAttempts(), store.ClearLastError()); err != nil {
			return err
		}
	}

	if _, err := o.secrets.CreateNamespace(ctx, t); err != nil {
		return o.fail(ctx, t, err)
	}
	if err := lease.Checkpoint(); err != nil {
		return err
	}

	m := o.manifest(t, desc)
	if err := o.cluster.CreateNamespace(ctx, m.Namespace, m.Labels); err != nil {
		return o.fail(ctx, t, err)
	}
	if err := o.cluster.ApplyWorkload(ctx, m); err != nil {
		return o.fail(ctx, t, err)
	}
	encoded, err := m.Encode()
	if err != nil {
		return o.fail(ctx, t, err)
	}
	dep := &models.Deployment{
		TenantID:         t.ID,
		Namespace:        m.Namespace,
		WorkloadName:     m.Name,
		ManifestRevision: m.Revision(),
		Manifest:         encoded,
		Replicas:         m.Replicas,
		Quota:            m.Quota,
		Status:           models.WorkloadPending,
	}
	if prev, err := o.store.GetDeployment(ctx, t.ID); err == nil {
		dep.LastGoodRevision = prev.LastGoodRevision
		dep.LastGoodManifest = prev.LastGoodManifest
	}
	if err := o.store.UpsertDeployment(ctx, dep); err != nil {
		return o.fail(ctx, t, fmt.Errorf("saving deployment: %w", err))
	}

	endpoint := cluster.Endpoint(m.Namespace, m.Name, m.Port)
	if t.Endpoint != endpoint {
		updated, err := o.store.UpdateTenant(ctx, t.ID, store.WithEndpoint(endpoint))
		if err != nil {
			return o.fail(ctx, t, fmt.Errorf("saving endpoint: %w", err))
		}
		*t = *updated
	}

	if err := o.provisionInitialSecrets(ctx, t); err != nil {
		return o.fail(ctx, t, err)
	}
	if err := lease.Checkpoint(); err != nil {
		return err
	}

	status, err := o.awaitReady(ctx, lease, t, o.cfg.ReadyPolls)
	dep.Status = status
	if err != nil {
		_ = o.store.UpsertDeployment(ctx, dep)
		return o.fail(ctx, t, err)
	}

	dep.LastGoodRevision = dep.ManifestRevision
	dep.LastGoodManifest = dep.Manifest
	if err := o.store.UpsertDeployment(ctx, dep); err != nil {
		return o.fail(ctx, t, fmt.Errorf("saving deployment: %w", err))
	}
	if _, err := o.secrets.FlushPending(ctx, t); err != nil {
		o.logger.Warn("secret propagation still pending after provisioning", "tenant_id", t.ID, "error", err)
	}
	return o.transition(ctx, t, models.StateActive, store.ClearLastError())
}

// provisionInitialSecrets writes the first secret version. Propagation may
// stay pending until the workload is up.
func (o *Orchestrator) provisionInitialSecrets(ctx context.Context, t *models.Tenant) error {
	ns, err := o.secrets.Namespace(ctx, t.ID)
	if err != nil {
		return err
	}
	if ns.CurrentVersion > 0 {
		return nil
	}
	values, err := o.secrets.GenerateValues()
	if err != nil {
		return err
	}
	res, err := o.secrets.Provision(ctx, t, values)
	if err != nil {
		return err
	}
	if res.PropagationPending {
		o.logger.Info("initial secrets written, propagation pending", "tenant_id", t.ID, "version", res.Version)
	}
	return nil
}

// awaitReady polls the workload status up to polls times. Degraded ends the
// wait early.
func (o *Orchestrator) awaitReady(ctx context.Context, lease *tenantlock.Lease, t *models.Tenant, polls int) (models.WorkloadStatus, error) {
	status := models.WorkloadUnknown
	for i := 0; i < polls; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return status, fmt.Errorf("%w: %v", apperr.ErrTimeout, ctx.Err())
			case <-lease.Preempted():
				return status, lease.Checkpoint()
			case <-time.After(o.cfg.ReadyInterval):
			}
		}
		s, err := o.cluster.GetWorkloadStatus(ctx, t.Namespace(), cluster.WorkloadName)
		if err != nil {
			o.logger.Debug("workload status poll failed", "tenant_id", t.ID, "error", err)
			continue
		}
		status = s
		switch s {
		case models.WorkloadReady:
			return s, nil
		case models.WorkloadDegraded:
			return s, fmt.Errorf("%w: workload reported degraded", ErrNotConfirmed)
		}
	}
	return status, fmt.Errorf("%w: last status %s after %d polls", ErrNotConfirmed, status, polls)
}
