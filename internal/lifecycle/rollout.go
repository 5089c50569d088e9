package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/cluster"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/internal/tenantlock"
	"github.com/kiranshivaraju/tenantplane/internal/tier"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// Scale moves an Active tenant to a new tier with a rolling update. When
// health does not confirm, the previous revision is restored and the tenant
// lands in Degraded.
func (o *Orchestrator) Scale(ctx context.Context, tenantID uuid.UUID, tierName string) error {
	return o.leased(ctx, tenantID, models.OpScale, o.scaleStep(tierName, models.StateActive))
}

func (o *Orchestrator) SubmitScale(ctx context.Context, tenantID uuid.UUID, tierName string) (uuid.UUID, error) {
	if _, err := o.tiers.Resolve(tierName); err != nil {
		return uuid.Nil, err
	}
	return o.submit(ctx, tenantID, models.OpScale, o.scaleStep(tierName, models.StateActive))
}

// Rescale reapplies the tenant's current tier. Unlike Scale it accepts a
// Degraded tenant; disaster recovery uses it.
func (o *Orchestrator) Rescale(ctx context.Context, tenantID uuid.UUID) error {
	return o.leased(ctx, tenantID, models.OpScale, func(ctx context.Context, lease *tenantlock.Lease, t *models.Tenant) error {
		return o.scaleStep(t.Tier, models.StateActive, models.StateDegraded)(ctx, lease, t)
	})
}

func (o *Orchestrator) scaleStep(tierName string, allowed ...models.LifecycleState) step {
	return func(ctx context.Context, lease *tenantlock.Lease, t *models.Tenant) error {
		if err := requireState(t, "scale", allowed...); err != nil {
			return err
		}
		desc, err := o.tiers.Resolve(tierName)
		if err != nil {
			return err
		}
		prev, err := o.currentManifest(ctx, t)
		if err != nil {
			return err
		}
		if err := o.transition(ctx, t, models.StateScaling); err != nil {
			return err
		}
		return o.rollout(ctx, lease, t, o.manifest(t, desc), prev, &desc)
	}
}

// Suspend scales the workload to zero, keeping data and the last-known-good
// manifest.
func (o *Orchestrator) Suspend(ctx context.Context, tenantID uuid.UUID, reason string) error {
	return o.leased(ctx, tenantID, models.OpSuspend, o.suspendStep(reason))
}

func (o *Orchestrator) SubmitSuspend(ctx context.Context, tenantID uuid.UUID, reason string) (uuid.UUID, error) {
	if reason == "" {
		return uuid.Nil, apperr.Validationf("suspend needs a reason")
	}
	return o.submit(ctx, tenantID, models.OpSuspend, o.suspendStep(reason))
}

func (o *Orchestrator) suspendStep(reason string) step {
	return func(ctx context.Context, _ *tenantlock.Lease, t *models.Tenant) error {
		if reason == "" {
			return apperr.Validationf("suspend needs a reason")
		}
		if err := requireState(t, "suspend", models.StateActive, models.StateDegraded); err != nil {
			return err
		}
		if err := o.cluster.ScaleWorkload(ctx, t.Namespace(), cluster.WorkloadName, 0); err != nil {
			return err
		}
		dep, err := o.store.GetDeployment(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("loading deployment: %w", err)
		}
		dep.Replicas = 0
		if err := o.store.UpsertDeployment(ctx, dep); err != nil {
			return fmt.Errorf("saving deployment: %w", err)
		}
		return o.transition(ctx, t, models.StateSuspended, store.WithSuspendReason(reason))
	}
}

// Resume reapplies the last-known-good manifest of a Suspended tenant and
// goes through Scaling back to Active.
func (o *Orchestrator) Resume(ctx context.Context, tenantID uuid.UUID) error {
	return o.leased(ctx, tenantID, models.OpResume, o.resume)
}

func (o *Orchestrator) SubmitResume(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error) {
	return o.submit(ctx, tenantID, models.OpResume, o.resume)
}

func (o *Orchestrator) resume(ctx context.Context, lease *tenantlock.Lease, t *models.Tenant) error {
	if err := requireState(t, "resume", models.StateSuspended); err != nil {
		return err
	}
	good, err := o.lastGoodManifest(ctx, t)
	if err != nil {
		return err
	}
	if err := o.transition(ctx, t, models.StateScaling, store.ClearSuspendReason()); err != nil {
		return err
	}
	return o.rollout(ctx, lease, t, good, nil, nil)
}

// Redeploy reapplies the last-known-good manifest of an Active or Degraded
// tenant and restarts its pods. Recovery uses it as the targeted redeploy.
func (o *Orchestrator) Redeploy(ctx context.Context, tenantID uuid.UUID) error {
	return o.leased(ctx, tenantID, models.OpRedeploy, o.redeploy)
}

func (o *Orchestrator) SubmitRedeploy(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error) {
	return o.submit(ctx, tenantID, models.OpRedeploy, o.redeploy)
}

func (o *Orchestrator) redeploy(ctx context.Context, lease *tenantlock.Lease, t *models.Tenant) error {
	if err := requireState(t, "redeploy", models.StateActive, models.StateDegraded); err != nil {
		return err
	}
	good, err := o.lastGoodManifest(ctx, t)
	if err != nil {
		return err
	}
	if err := o.transition(ctx, t, models.StateScaling); err != nil {
		return err
	}
	if err := o.cluster.SignalReload(ctx, good.Namespace, good.Name, uuid.NewString()); err != nil {
		o.logger.Warn("restart signal failed, continuing with reapply", "tenant_id", t.ID, "error", err)
	}
	return o.rollout(ctx, lease, t, good, nil, nil)
}

// rollout applies m to a Scaling tenant and waits for health. On success the
// tenant becomes Active and m the last-known-good manifest. On failure prev
// (when set and different) is reapplied and the tenant becomes Degraded; if
// even that cannot be applied it becomes Failed. A non-nil desc records a
// tier change on success.
func (o *Orchestrator) rollout(ctx context.Context, lease *tenantlock.Lease, t *models.Tenant, m cluster.Manifest, prev *cluster.Manifest, desc *tier.Descriptor) error {
	applyErr := o.applyManifest(ctx, t, m)
	if applyErr == nil {
		if err := lease.Checkpoint(); err != nil {
			return err
		}
		_, applyErr = o.awaitReady(ctx, lease, t, o.cfg.ScaleConfirmPolls)
	}
	if errors.Is(applyErr, tenantlock.ErrPreempted) {
		return applyErr
	}

	if applyErr == nil {
		if err := o.markGood(ctx, t, m, models.WorkloadReady); err != nil {
			return err
		}
		var opts []store.TenantUpdateOption
		if desc != nil {
			opts = append(opts, store.WithTier(desc.Name, desc.Quota))
		}
		opts = append(opts, store.ClearLastError())
		return o.transition(ctx, t, models.StateActive, opts...)
	}

	o.logger.Warn("rollout not confirmed", "tenant_id", t.ID, "revision", m.Revision(), "error", applyErr)
	if prev != nil && prev.Revision() != m.Revision() {
		if err := o.applyManifest(ctx, t, *prev); err != nil {
			o.logger.Error("rollback to previous revision failed", "tenant_id", t.ID, "error", err)
			return o.fail(ctx, t, fmt.Errorf("%v; rollback failed: %w", applyErr, err))
		}
		o.logger.Info("rolled back to previous revision", "tenant_id", t.ID, "revision", prev.Revision())
	}
	if err := o.setDeploymentStatus(ctx, t, models.WorkloadDegraded); err != nil {
		o.logger.Error("saving deployment status", "tenant_id", t.ID, "error", err)
	}
	if err := o.transition(ctx, t, models.StateDegraded, store.WithLastError(applyErr.Error())); err != nil {
		return err
	}
	return applyErr
}

// applyManifest applies m, resets the replica count (a previous scale-to-zero
// does not change the manifest revision) and records it as the deployment's
// current revision.
func (o *Orchestrator) applyManifest(ctx context.Context, t *models.Tenant, m cluster.Manifest) error {
	if err := o.cluster.ApplyWorkload(ctx, m); err != nil {
		return err
	}
	if err := o.cluster.ScaleWorkload(ctx, m.Namespace, m.Name, m.Replicas); err != nil {
		return err
	}
	encoded, err := m.Encode()
	if err != nil {
		return err
	}
	dep, err := o.store.GetDeployment(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("loading deployment: %w", err)
	}
	dep.ManifestRevision = m.Revision()
	dep.Manifest = encoded
	dep.Replicas = m.Replicas
	dep.Quota = m.Quota
	dep.Status = models.WorkloadPending
	if err := o.store.UpsertDeployment(ctx, dep); err != nil {
		return fmt.Errorf("saving deployment: %w", err)
	}
	return nil
}

func (o *Orchestrator) markGood(ctx context.Context, t *models.Tenant, m cluster.Manifest, status models.WorkloadStatus) error {
	dep, err := o.store.GetDeployment(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("loading deployment: %w", err)
	}
	dep.Status = status
	dep.LastGoodRevision = m.Revision()
	dep.LastGoodManifest = dep.Manifest
	if err := o.store.UpsertDeployment(ctx, dep); err != nil {
		return fmt.Errorf("saving deployment: %w", err)
	}
	return nil
}

func (o *Orchestrator) setDeploymentStatus(ctx context.Context, t *models.Tenant, status models.WorkloadStatus) error {
	dep, err := o.store.GetDeployment(ctx, t.ID)
	if err != nil {
		return err
	}
	dep.Status = status
	return o.store.UpsertDeployment(ctx, dep)
}

func (o *Orchestrator) currentManifest(ctx context.Context, t *models.Tenant) (*cluster.Manifest, error) {
	dep, err := o.store.GetDeployment(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("loading deployment: %w", err)
	}
	m, err := cluster.DecodeManifest(dep.Manifest)
	if err != nil {
		return nil, fmt.Errorf("decoding current manifest: %w", err)
	}
	return &m, nil
}

func (o *Orchestrator) lastGoodManifest(ctx context.Context, t *models.Tenant) (cluster.Manifest, error) {
	dep, err := o.store.GetDeployment(ctx, t.ID)
	if err != nil {
		return cluster.Manifest{}, fmt.Errorf("loading deployment: %w", err)
	}
	if len(dep.LastGoodManifest) == 0 {
		return cluster.Manifest{}, apperr.Validationf("tenant %s has no last-known-good manifest", t.Name)
	}
	m, err := cluster.DecodeManifest(dep.LastGoodManifest)
	if err != nil {
		return cluster.Manifest{}, fmt.Errorf("decoding last-known-good manifest: %w", err)
	}
	return m, nil
}
