package lifecycle

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/cluster"
	"github.com/kiranshivaraju/tenantplane/internal/configsync"
	"github.com/kiranshivaraju/tenantplane/internal/secrets"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/internal/tenantlock"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// ConfigRequest is a configuration change for one tenant.
type ConfigRequest struct {
	Payload    map[string]string
	Strategy   models.Strategy
	Target     models.Target
	Components []string
}

// UpdateConfiguration applies a configuration change under the tenant's
// lease. Drift found after the apply moves an Active tenant to Degraded.
func (o *Orchestrator) UpdateConfiguration(ctx context.Context, tenantID uuid.UUID, req ConfigRequest) (*models.ConfigurationRecord, error) {
	var rec *models.ConfigurationRecord
	err := o.leased(ctx, tenantID, models.OpConfigUpdate, o.configStep(req, &rec))
	return rec, err
}

func (o *Orchestrator) SubmitConfigurationUpdate(ctx context.Context, tenantID uuid.UUID, req ConfigRequest) (uuid.UUID, error) {
	return o.submit(ctx, tenantID, models.OpConfigUpdate, o.configStep(req, nil))
}

func (o *Orchestrator) configStep(req ConfigRequest, out **models.ConfigurationRecord) step {
	return func(ctx context.Context, _ *tenantlock.Lease, t *models.Tenant) error {
		if err := o.requireConfigurable(t, req.Target); err != nil {
			return err
		}
		rec, err := o.config.CoordinateUpdate(ctx, t, req.Payload, req.Strategy, configsync.Options{
			Target:     req.Target,
			Components: req.Components,
		})
		if out != nil {
			*out = rec
		}
		return o.afterConfig(ctx, t, rec, err)
	}
}

// HotReload applies a component-scoped change that the instance reloads in
// place, without a pod restart.
func (o *Orchestrator) HotReload(ctx context.Context, tenantID uuid.UUID, component string, payload map[string]string) (*models.ConfigurationRecord, error) {
	var rec *models.ConfigurationRecord
	err := o.leased(ctx, tenantID, models.OpConfigReload, o.reloadStep(component, payload, &rec))
	return rec, err
}

func (o *Orchestrator) SubmitHotReload(ctx context.Context, tenantID uuid.UUID, component string, payload map[string]string) (uuid.UUID, error) {
	return o.submit(ctx, tenantID, models.OpConfigReload, o.reloadStep(component, payload, nil))
}

func (o *Orchestrator) reloadStep(component string, payload map[string]string, out **models.ConfigurationRecord) step {
	return func(ctx context.Context, _ *tenantlock.Lease, t *models.Tenant) error {
		if err := o.requireConfigurable(t, models.TargetBoth); err != nil {
			return err
		}
		rec, err := o.config.HotReload(ctx, t, component, payload)
		if out != nil {
			*out = rec
		}
		return o.afterConfig(ctx, t, rec, err)
	}
}

// ResyncConfiguration pushes the control plane's configuration to the
// instance and validates both sides. A consistent resync of a Degraded
// tenant whose workload is Ready returns it to Active.
func (o *Orchestrator) ResyncConfiguration(ctx context.Context, tenantID uuid.UUID) (*models.ConfigurationRecord, error) {
	var rec *models.ConfigurationRecord
	err := o.leased(ctx, tenantID, models.OpConfigResync, o.resyncStep(&rec))
	return rec, err
}

func (o *Orchestrator) SubmitResync(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error) {
	return o.submit(ctx, tenantID, models.OpConfigResync, o.resyncStep(nil))
}

func (o *Orchestrator) resyncStep(out **models.ConfigurationRecord) step {
	return func(ctx context.Context, _ *tenantlock.Lease, t *models.Tenant) error {
		if err := o.requireConfigurable(t, models.TargetInstance); err != nil {
			return err
		}
		rec, err := o.config.Resync(ctx, t)
		if out != nil {
			*out = rec
		}
		return o.afterConfig(ctx, t, rec, err)
	}
}

// requireConfigurable allows instance-targeted changes only while the
// instance runs. Control-plane-only changes are accepted in any state that
// still has a future.
func (o *Orchestrator) requireConfigurable(t *models.Tenant, target models.Target) error {
	if target == "" || target.Includes(models.TargetInstance) {
		return requireState(t, "configure", models.StateActive, models.StateDegraded)
	}
	switch t.State {
	case models.StateTerminating, models.StateTerminated:
		return apperr.Validationf("cannot configure tenant %s in state %s", t.Name, t.State)
	}
	return nil
}

// afterConfig folds a configuration outcome into the tenant state. Drift
// degrades an Active tenant. Only a consistent record restores a Degraded
// one whose workload is Ready.
func (o *Orchestrator) afterConfig(ctx context.Context, t *models.Tenant, rec *models.ConfigurationRecord, cfgErr error) error {
	var drift *apperr.DriftError
	switch {
	case errors.As(cfgErr, &drift):
		if t.State == models.StateActive {
			if err := o.transition(ctx, t, models.StateDegraded, store.WithLastError(drift.Error())); err != nil {
				o.logger.Error("degrading drifted tenant", "tenant_id", t.ID, "error", err)
			}
		}
		return cfgErr
	case cfgErr != nil:
		return cfgErr
	}
	if t.State == models.StateDegraded && rec != nil && rec.Consistency == models.ConsistencyConsistent {
		o.restoreIfReady(ctx, t)
	}
	return nil
}

// restoreIfReady moves a Degraded tenant back to Active when its workload
// reports Ready.
func (o *Orchestrator) restoreIfReady(ctx context.Context, t *models.Tenant) bool {
	status, err := o.cluster.GetWorkloadStatus(ctx, t.Namespace(), cluster.WorkloadName)
	if err != nil || status != models.WorkloadReady {
		return false
	}
	if err := o.setDeploymentStatus(ctx, t, models.WorkloadReady); err != nil {
		o.logger.Warn("saving deployment status", "tenant_id", t.ID, "error", err)
	}
	if err := o.transition(ctx, t, models.StateActive, store.ClearLastError()); err != nil {
		o.logger.Error("restoring tenant to active", "tenant_id", t.ID, "error", err)
		return false
	}
	return true
}

// RotateSecrets writes a new secret version under the tenant's lease. The
// previous version stays current until the instance confirms adoption.
func (o *Orchestrator) RotateSecrets(ctx context.Context, tenantID uuid.UUID) (*secrets.RotationResult, error) {
	var res *secrets.RotationResult
	err := o.leased(ctx, tenantID, models.OpSecretRotate, o.rotateStep(&res))
	return res, err
}

func (o *Orchestrator) SubmitRotateSecrets(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error) {
	return o.submit(ctx, tenantID, models.OpSecretRotate, o.rotateStep(nil))
}

func (o *Orchestrator) rotateStep(out **secrets.RotationResult) step {
	return func(ctx context.Context, _ *tenantlock.Lease, t *models.Tenant) error {
		if err := requireState(t, "rotate secrets", models.StateActive, models.StateDegraded, models.StateSuspended); err != nil {
			return err
		}
		res, err := o.secrets.Rotate(ctx, t)
		if out != nil {
			*out = res
		}
		return err
	}
}

// FlushSecrets retries a pending secret propagation and waits for adoption.
// A pending rotation completes once the instance runs the new version.
func (o *Orchestrator) FlushSecrets(ctx context.Context, tenantID uuid.UUID) (*secrets.RotationResult, error) {
	var res *secrets.RotationResult
	err := o.leased(ctx, tenantID, models.OpSecretFlush, o.flushStep(&res))
	return res, err
}

func (o *Orchestrator) SubmitFlushSecrets(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error) {
	return o.submit(ctx, tenantID, models.OpSecretFlush, o.flushStep(nil))
}

func (o *Orchestrator) flushStep(out **secrets.RotationResult) step {
	return func(ctx context.Context, _ *tenantlock.Lease, t *models.Tenant) error {
		if err := requireState(t, "flush secrets", models.StateActive, models.StateDegraded, models.StateSuspended); err != nil {
			return err
		}
		res, err := o.secrets.FlushPending(ctx, t)
		if out != nil {
			*out = res
		}
		return err
	}
}

// ProvisionSecrets writes caller-supplied secret values as a new version.
func (o *Orchestrator) ProvisionSecrets(ctx context.Context, tenantID uuid.UUID, values map[string]string) (*secrets.ProvisionResult, error) {
	var res *secrets.ProvisionResult
	err := o.leased(ctx, tenantID, models.OpSecretRotate, func(ctx context.Context, _ *tenantlock.Lease, t *models.Tenant) error {
		if err := requireState(t, "provision secrets", models.StateProvisioning, models.StateActive, models.StateDegraded, models.StateSuspended); err != nil {
			return err
		}
		var err error
		res, err = o.secrets.Provision(ctx, t, values)
		return err
	})
	return res, err
}

// ConfirmSecretAdoption records that the instance runs on version, which
// completes a pending rotation.
func (o *Orchestrator) ConfirmSecretAdoption(ctx context.Context, tenantID uuid.UUID, version int) (*secrets.RotationResult, error) {
	var res *secrets.RotationResult
	err := o.leased(ctx, tenantID, models.OpSecretRotate, func(ctx context.Context, _ *tenantlock.Lease, t *models.Tenant) error {
		var err error
		res, err = o.secrets.ConfirmAdoption(ctx, t, version)
		return err
	})
	return res, err
}

// SecretNamespace returns the tenant's secret namespace metadata.
func (o *Orchestrator) SecretNamespace(ctx context.Context, tenantID uuid.UUID) (*models.SecretNamespace, error) {
	return o.secrets.Namespace(ctx, tenantID)
}
