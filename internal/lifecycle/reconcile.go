package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/cluster"
	"github.com/kiranshivaraju/tenantplane/internal/metrics"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/internal/tenantlock"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

const holderHealth = "health_alert"

// HandleHealthAlert applies monitor alerts to tenant state. A warning
// degrades an Active tenant and a resolved alert restores a Degraded one.
// Alerts for tenants whose lease is held are dropped; the monitor raises
// them again while the condition lasts.
func (o *Orchestrator) HandleHealthAlert(ctx context.Context, alert models.HealthAlert) {
	if alert.Severity == models.AlertCritical {
		return
	}
	lease, err := o.locks.TryAcquire(alert.TenantID, holderHealth)
	if err != nil {
		o.logger.Debug("health alert skipped, tenant busy", "tenant_id", alert.TenantID, "severity", alert.Severity)
		return
	}
	defer lease.Release()

	ctx, _ = audit.EnsureCorrelationID(ctx)
	t, err := o.store.GetTenant(ctx, alert.TenantID)
	if err != nil {
		o.logger.Error("loading tenant for health alert", "tenant_id", alert.TenantID, "error", err)
		return
	}

	switch alert.Severity {
	case models.AlertWarning:
		if t.State != models.StateActive {
			return
		}
		msg := fmt.Sprintf("health: %d consecutive failures, cluster status %s", alert.ConsecutiveFailures, alert.Latest.ClusterStatus)
		if err := o.setDeploymentStatus(ctx, t, models.WorkloadDegraded); err != nil {
			o.logger.Warn("saving deployment status", "tenant_id", t.ID, "error", err)
		}
		if err := o.transition(ctx, t, models.StateDegraded, store.WithLastError(msg)); err != nil {
			o.logger.Error("degrading unhealthy tenant", "tenant_id", t.ID, "error", err)
		}
	case models.AlertResolved:
		if t.State != models.StateDegraded || alert.Latest.DriftDetected {
			return
		}
		o.restoreIfReady(ctx, t)
	}
}

// ReconcileStartup brings tenants left mid-operation by a restart back into
// a state the orchestrator can drive: interrupted terminations and
// provisioning runs are resubmitted, half-done provisioning is marked Failed
// (retry-eligible) and half-done scaling becomes Degraded. Incomplete
// configuration records are then abandoned and replayed.
func (o *Orchestrator) ReconcileStartup(ctx context.Context) error {
	ctx, _ = audit.EnsureCorrelationID(ctx)
	stranded, err := o.listAll(ctx,
		models.StateRequested, models.StateValidating, models.StateProvisioning,
		models.StateScaling, models.StateTerminating)
	if err != nil {
		return err
	}

	for _, t := range stranded {
		log := o.logger.With("tenant_id", t.ID, "tenant", t.Name, "state", t.State)
		var err error
		switch t.State {
		case models.StateTerminating:
			_, err = o.SubmitTerminate(ctx, t.ID)
		case models.StateValidating:
			_, err = o.SubmitProvision(ctx, t.ID)
		case models.StateRequested:
			_, err = o.submit(ctx, t.ID, models.OpProvision, func(ctx context.Context, lease *tenantlock.Lease, t *models.Tenant) error {
				if err := o.transition(ctx, t, models.StateValidating); err != nil {
					return err
				}
				return o.provision(ctx, lease, t)
			})
		case models.StateProvisioning:
			err = o.leased(ctx, t.ID, models.OpProvision, func(ctx context.Context, _ *tenantlock.Lease, t *models.Tenant) error {
				return o.transition(ctx, t, models.StateFailed, store.WithLastError("provisioning interrupted by restart"))
			})
		case models.StateScaling:
			err = o.leased(ctx, t.ID, models.OpScale, func(ctx context.Context, _ *tenantlock.Lease, t *models.Tenant) error {
				return o.transition(ctx, t, models.StateDegraded, store.WithLastError("rollout interrupted by restart"))
			})
		}
		if err != nil {
			log.Error("reconciling stranded tenant", "error", err)
			continue
		}
		log.Info("reconciled stranded tenant")
	}

	if o.config != nil {
		n, err := o.config.ReplayIncomplete(ctx, func(id uuid.UUID, holder string) (func(), error) {
			lease, err := o.locks.TryAcquire(id, holder)
			if err != nil {
				return nil, err
			}
			return lease.Release, nil
		})
		if err != nil {
			return fmt.Errorf("replaying configuration records: %w", err)
		}
		if n > 0 {
			o.logger.Info("replayed incomplete configuration updates", "count", n)
		}
	}
	return nil
}

// RunMaintenance performs one pass of periodic housekeeping. It expires
// secret grace periods, schedules due rotations and pending secret flushes,
// retries stuck terminations, prunes health history and refreshes gauges.
func (o *Orchestrator) RunMaintenance(ctx context.Context) {
	ctx, _ = audit.EnsureCorrelationID(ctx)

	if n, err := o.secrets.ExpireGrace(ctx); err != nil {
		o.logger.Error("expiring secret grace periods", "error", err)
	} else if n > 0 {
		o.logger.Info("destroyed secret versions past grace", "count", n)
	}

	due, err := o.secrets.DueForRotation(ctx)
	if err != nil {
		o.logger.Error("listing tenants due for rotation", "error", err)
	}
	for _, id := range due {
		if _, err := o.SubmitRotateSecrets(ctx, id); err != nil && !errors.Is(err, apperr.ErrConflict) {
			o.logger.Warn("scheduling secret rotation", "tenant_id", id, "error", err)
		}
	}

	pending, err := o.secrets.PendingPropagation(ctx)
	if err != nil {
		o.logger.Error("listing pending secret propagations", "error", err)
	}
	for _, id := range pending {
		if _, held := o.locks.Holder(id); held {
			continue
		}
		t, err := o.store.GetTenant(ctx, id)
		if err != nil || requireState(t, "flush secrets", models.StateActive, models.StateDegraded, models.StateSuspended) != nil {
			continue
		}
		if _, err := o.SubmitFlushSecrets(ctx, id); err != nil && !errors.Is(err, apperr.ErrConflict) {
			o.logger.Warn("scheduling secret flush", "tenant_id", id, "error", err)
		}
	}

	stuck, err := o.listAll(ctx, models.StateTerminating)
	if err != nil {
		o.logger.Error("listing terminating tenants", "error", err)
	}
	for _, t := range stuck {
		if _, held := o.locks.Holder(t.ID); held {
			continue
		}
		if _, err := o.SubmitTerminate(ctx, t.ID); err != nil {
			o.logger.Warn("resubmitting termination", "tenant_id", t.ID, "error", err)
		}
	}

	if o.pruner != nil {
		if n, err := o.pruner.Prune(ctx); err != nil {
			o.logger.Error("pruning health history", "error", err)
		} else if n > 0 {
			o.logger.Debug("pruned health history", "rows", n)
		}
	}

	o.refreshStateGauge(ctx)
}

// RunMaintenanceLoop runs RunMaintenance every MaintenanceInterval until ctx
// is cancelled.
func (o *Orchestrator) RunMaintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunMaintenance(ctx)
		}
	}
}

func (o *Orchestrator) refreshStateGauge(ctx context.Context) {
	for state := range transitions {
		_, total, err := o.store.ListTenants(ctx, store.TenantFilter{States: []models.LifecycleState{state}, Limit: 1})
		if err != nil {
			o.logger.Warn("counting tenants by state", "state", state, "error", err)
			return
		}
		metrics.TenantsByState.WithLabelValues(string(state)).Set(float64(total))
	}
	metrics.LeasesHeld.Set(float64(o.locks.Held()))
	if o.pool != nil {
		metrics.WorkerQueueUtilization.Set(o.pool.Stats().QueueUtilization())
	}
}

func (o *Orchestrator) listAll(ctx context.Context, states ...models.LifecycleState) ([]*models.Tenant, error) {
	const pageSize = 500
	var all []*models.Tenant
	for page := 1; ; page++ {
		batch, total, err := o.store.ListTenants(ctx, store.TenantFilter{States: states, Page: page, Limit: pageSize})
		if err != nil {
			return nil, fmt.Errorf("listing tenants: %w", err)
		}
		all = append(all, batch...)
		if len(batch) < pageSize || len(all) >= total {
			return all, nil
		}
	}
}

// Deployment returns the tenant's workload record, refreshed with the live
// cluster status.
func (o *Orchestrator) Deployment(ctx context.Context, tenantID uuid.UUID) (*models.Deployment, error) {
	dep, err := o.store.GetDeployment(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if dep.DeletedAt != nil {
		return dep, nil
	}
	if status, err := o.cluster.GetWorkloadStatus(ctx, dep.Namespace, cluster.WorkloadName); err == nil {
		dep.Status = status
	}
	return dep, nil
}
