package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/metrics"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/internal/tenantlock"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// Terminate takes precedence over any in-flight operation: it asks the
// current holder to stop at its next checkpoint, waits for the lease, then
// deletes the workload, namespace and secrets. A deletion that keeps failing
// leaves the tenant in Terminating with the error recorded, and maintenance
// retries it.
func (o *Orchestrator) Terminate(ctx context.Context, tenantID uuid.UUID) error {
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.TerminateWait)
	lease, err := o.locks.AcquireForTermination(waitCtx, tenantID)
	cancel()
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			metrics.Conflicts.WithLabelValues(models.OpTerminate).Inc()
		}
		return err
	}
	defer lease.Release()
	return o.execute(ctx, lease, models.OpTerminate, o.terminate)
}

// SubmitTerminate is the asynchronous form of Terminate. The precedence wait
// happens on the worker.
func (o *Orchestrator) SubmitTerminate(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error) {
	ctx, corrID := audit.EnsureCorrelationID(ctx)
	t, err := o.store.GetTenant(ctx, tenantID)
	if err != nil {
		return uuid.Nil, err
	}
	if t.State == models.StateTerminated {
		return uuid.Nil, apperr.Validationf("tenant %s is already terminated", t.Name)
	}
	if err := o.createOperation(ctx, corrID, &tenantID, models.OpTerminate); err != nil {
		return uuid.Nil, err
	}
	err = o.enqueue(ctx, corrID, models.OpTerminate, func(ctx context.Context) error {
		return o.Terminate(ctx, tenantID)
	}, func() {})
	return corrID, err
}

func (o *Orchestrator) terminate(ctx context.Context, _ *tenantlock.Lease, t *models.Tenant) error {
	if t.State == models.StateTerminated {
		return nil
	}
	if t.State != models.StateTerminating {
		if err := o.transition(ctx, t, models.StateTerminating); err != nil {
			return err
		}
	}

	if err := o.deleteNamespace(ctx, t); err != nil {
		if _, uerr := o.store.UpdateTenant(ctx, t.ID, store.WithLastError(err.Error())); uerr != nil {
			o.logger.Error("recording termination failure", "tenant_id", t.ID, "error", uerr)
		}
		return fmt.Errorf("deleting namespace of %s, will retry: %w", t.Name, err)
	}

	if err := o.secrets.Destroy(ctx, t); err != nil {
		if _, uerr := o.store.UpdateTenant(ctx, t.ID, store.WithLastError(err.Error())); uerr != nil {
			o.logger.Error("recording termination failure", "tenant_id", t.ID, "error", uerr)
		}
		return fmt.Errorf("destroying secrets of %s, will retry: %w", t.Name, err)
	}

	if dep, err := o.store.GetDeployment(ctx, t.ID); err == nil {
		now := time.Now().UTC()
		dep.Status = models.WorkloadNotFound
		dep.Replicas = 0
		dep.DeletedAt = &now
		if err := o.store.UpsertDeployment(ctx, dep); err != nil {
			return fmt.Errorf("saving deployment: %w", err)
		}
	}
	return o.transition(ctx, t, models.StateTerminated, store.ClearLastError())
}

// deleteNamespace deletes the tenant namespace and waits until the cluster
// confirms it is gone, retrying with backoff.
func (o *Orchestrator) deleteNamespace(ctx context.Context, t *models.Tenant) error {
	ns := t.Namespace()
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := o.cluster.DeleteNamespace(ctx, ns); err != nil {
				return err
			}
			exists, err := o.cluster.NamespaceExists(ctx, ns)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("namespace %s still terminating", ns)
			}
			return nil
		},
		Attempts:    o.cfg.DeleteAttempts,
		Delay:       o.cfg.DeleteDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
		NotifyFunc: func(err error, attempt int) {
			o.logger.Warn("namespace deletion attempt failed", "tenant_id", t.ID, "attempt", attempt, "error", err)
		},
	})
	if err != nil {
		return retry.LastError(err)
	}
	return nil
}
