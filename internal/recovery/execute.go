package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/metrics"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var errNotEligible = errors.New("not eligible for recovery")

// ExecuteRecovery recovers the run's affected tenants strictly one after the
// other. Each tenant is pre-validated, acted on through the orchestrator and
// validated again with a fresh health check. The first tenant that fails
// halts the run: later tenants are marked skipped, the run is escalated and
// an *apperr.EscalationError is returned. tenantIDs narrows the run to a
// subset of its affected tenants; empty means all of them.
func (c *Coordinator) ExecuteRecovery(ctx context.Context, runID uuid.UUID, tenantIDs []uuid.UUID, strategy models.RecoveryStrategy) (*models.DisasterRecoveryRun, error) {
	run, order, err := c.begin(ctx, runID, tenantIDs, strategy)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, run, order)
}

// StartRecovery validates and claims the run like ExecuteRecovery, then
// executes it in the background. The returned run is in the running state;
// its outcome is read back with Run.
func (c *Coordinator) StartRecovery(ctx context.Context, runID uuid.UUID, tenantIDs []uuid.UUID, strategy models.RecoveryStrategy) (*models.DisasterRecoveryRun, error) {
	run, order, err := c.begin(ctx, runID, tenantIDs, strategy)
	if err != nil {
		return nil, err
	}
	snapshot := *run
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.execute(context.WithoutCancel(ctx), run, order); err != nil {
			c.logger.Error("recovery run did not complete", "run_id", run.ID, "error", err)
		}
	}()
	return &snapshot, nil
}

func validStrategy(s models.RecoveryStrategy) bool {
	switch s {
	case models.RecoveryAuto, models.RecoveryRedeploy, models.RecoveryResume,
		models.RecoveryRescale, models.RecoveryResyncConfig:
		return true
	}
	return false
}

// begin checks the request against the run and moves it to running. A run
// executes at most once.
func (c *Coordinator) begin(ctx context.Context, runID uuid.UUID, tenantIDs []uuid.UUID, strategy models.RecoveryStrategy) (*models.DisasterRecoveryRun, []models.AffectedTenant, error) {
	if strategy == "" {
		strategy = models.RecoveryAuto
	}
	if !validStrategy(strategy) {
		return nil, nil, apperr.Validationf("unknown recovery strategy %q", strategy)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executing[runID] {
		return nil, nil, fmt.Errorf("%w: recovery run %s is already executing", apperr.ErrConflict, runID)
	}

	run, err := c.store.GetRecoveryRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.Status != models.RunDetected {
		return nil, nil, apperr.Validationf("recovery run %s is %s and cannot be executed again", runID, run.Status)
	}

	order := run.Affected
	if len(tenantIDs) > 0 {
		byID := make(map[uuid.UUID]models.AffectedTenant, len(run.Affected))
		for _, a := range run.Affected {
			byID[a.TenantID] = a
		}
		order = make([]models.AffectedTenant, 0, len(tenantIDs))
		for _, id := range tenantIDs {
			a, ok := byID[id]
			if !ok {
				return nil, nil, apperr.Validationf("tenant %s is not part of recovery run %s", id, runID)
			}
			order = append(order, a)
		}
		for _, a := range run.Affected {
			if !contains(tenantIDs, a.TenantID) {
				run.TenantStatus[a.TenantID.String()] = models.TenantRecoverySkipped
			}
		}
	}

	now := c.cfg.Clock.Now().UTC()
	run.Status = models.RunRunning
	run.Strategy = strategy
	run.StartedAt = &now
	if err := c.store.UpdateRecoveryRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("starting recovery run: %w", err)
	}
	c.executing[runID] = true
	return run, order, nil
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (c *Coordinator) execute(ctx context.Context, run *models.DisasterRecoveryRun, order []models.AffectedTenant) (*models.DisasterRecoveryRun, error) {
	defer func() {
		c.mu.Lock()
		delete(c.executing, run.ID)
		c.mu.Unlock()
	}()

	ctx = audit.WithCorrelationID(ctx, run.CorrelationID)
	ctx, span := tracer.Start(ctx, "recovery.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("correlation.id", run.CorrelationID.String()),
		attribute.String("strategy", string(run.Strategy)),
	))
	defer span.End()

	c.recorder.Record(ctx, audit.Event{
		Source: audit.SourceRecovery, Target: audit.TargetControlPlane,
		Type:    "recovery.started",
		Payload: map[string]any{"run_id": run.ID, "strategy": run.Strategy, "tenants": len(order)},
	})
	log := c.logger.With("run_id", run.ID, "correlation_id", run.CorrelationID)

	var escalation *apperr.EscalationError
	ineligible := 0
	for i, a := range order {
		err := c.recoverTenant(ctx, run.Strategy, a)
		key := a.TenantID.String()
		switch {
		case err == nil:
			run.TenantStatus[key] = models.TenantRecoveryRecovered
			log.Info("tenant recovered", "tenant_id", a.TenantID)
		case errors.Is(err, errNotEligible):
			run.TenantStatus[key] = models.TenantRecoverySkipped
			ineligible++
			log.Warn("tenant skipped by pre-validation", "tenant_id", a.TenantID, "error", err)
		default:
			run.TenantStatus[key] = models.TenantRecoveryFailed
			for _, rest := range order[i+1:] {
				run.TenantStatus[rest.TenantID.String()] = models.TenantRecoverySkipped
			}
			escalation = &apperr.EscalationError{RunID: run.ID, TenantID: a.TenantID, Err: err}
			log.Error("recovery halted", "tenant_id", a.TenantID, "error", err, "untried", len(order)-i-1)
		}
		if err := c.store.UpdateRecoveryRun(ctx, run); err != nil {
			log.Error("saving recovery progress", "error", err)
		}
		if escalation != nil {
			break
		}
	}

	switch {
	case escalation != nil:
		run.Status = models.RunEscalated
		msg := escalation.Error()
		run.Error = &msg
	case ineligible > 0 || len(order) < len(run.Affected):
		run.Status = models.RunPartiallyCompleted
	default:
		run.Status = models.RunCompleted
	}
	ended := c.cfg.Clock.Now().UTC()
	run.EndedAt = &ended
	if err := c.store.UpdateRecoveryRun(ctx, run); err != nil {
		return run, fmt.Errorf("finishing recovery run: %w", err)
	}

	metrics.RecoveryRuns.WithLabelValues(string(run.Status)).Inc()
	c.recorder.Record(ctx, audit.Event{
		Source: audit.SourceRecovery, Target: audit.TargetControlPlane,
		Type:    "recovery.finished",
		Payload: map[string]any{"run_id": run.ID, "status": run.Status, "tenant_status": run.TenantStatus},
	})
	log.Info("recovery run finished", "status", run.Status)

	if escalation != nil {
		span.RecordError(escalation)
		return run, escalation
	}
	return run, nil
}

// recoverTenant runs pre-validation, the recovery action and post-validation
// for one tenant. errNotEligible means the tenant was left untouched.
func (c *Coordinator) recoverTenant(ctx context.Context, strategy models.RecoveryStrategy, a models.AffectedTenant) error {
	t, err := c.store.GetTenant(ctx, a.TenantID)
	if err != nil {
		return fmt.Errorf("%w: %v", errNotEligible, err)
	}
	action, err := c.plan(t, strategy, a)
	if err != nil {
		return err
	}

	c.recorder.Record(ctx, audit.Event{
		Source: audit.SourceRecovery, Target: audit.TargetCluster, TenantID: t.ID,
		Type:    "recovery.action",
		Payload: map[string]any{"action": action, "reasons": a.Reasons, "state": t.State},
	})
	start := time.Now()
	if err := c.act(ctx, t, action); err != nil {
		// A drift-only resync reports drift as an error; post-validation
		// decides whether it stuck.
		if !errors.Is(err, apperr.ErrConfigurationDrift) {
			return fmt.Errorf("%s: %w", action, err)
		}
	}

	t, err = c.store.GetTenant(ctx, a.TenantID)
	if err != nil {
		return fmt.Errorf("reloading tenant: %w", err)
	}
	if err := c.postValidate(ctx, t, a); err != nil {
		return err
	}
	c.logger.Debug("recovery action validated", "tenant_id", t.ID, "action", action, "duration", time.Since(start))
	return nil
}

// plan picks the orchestrator action for a tenant, or errNotEligible when
// its state rules recovery out.
func (c *Coordinator) plan(t *models.Tenant, strategy models.RecoveryStrategy, a models.AffectedTenant) (models.RecoveryStrategy, error) {
	switch t.State {
	case models.StateActive, models.StateDegraded, models.StateSuspended:
	default:
		return "", fmt.Errorf("%w: tenant %s is %s", errNotEligible, t.Name, t.State)
	}

	if strategy == models.RecoveryAuto {
		switch {
		case t.State == models.StateSuspended:
			strategy = models.RecoveryResume
		case len(a.Reasons) == 1 && a.HasReason(models.ReasonDrift):
			strategy = models.RecoveryResyncConfig
		default:
			strategy = models.RecoveryRedeploy
		}
	}
	if (strategy == models.RecoveryResume) != (t.State == models.StateSuspended) {
		return "", fmt.Errorf("%w: %s does not apply to tenant %s in state %s", errNotEligible, strategy, t.Name, t.State)
	}
	return strategy, nil
}

func (c *Coordinator) act(ctx context.Context, t *models.Tenant, action models.RecoveryStrategy) error {
	switch action {
	case models.RecoveryRedeploy:
		return c.orch.Redeploy(ctx, t.ID)
	case models.RecoveryResume:
		return c.orch.Resume(ctx, t.ID)
	case models.RecoveryRescale:
		return c.orch.Rescale(ctx, t.ID)
	case models.RecoveryResyncConfig:
		_, err := c.orch.ResyncConfiguration(ctx, t.ID)
		return err
	}
	return apperr.Validationf("unknown recovery action %q", action)
}

// postValidate requires a fresh health check with a live instance and a
// Ready workload, and no drift when drift was a detection reason.
func (c *Coordinator) postValidate(ctx context.Context, t *models.Tenant, a models.AffectedTenant) error {
	result, err := c.health.Check(ctx, t)
	if err != nil {
		return fmt.Errorf("post-recovery health check: %w", err)
	}
	if !result.Live || result.ClusterStatus != models.WorkloadReady {
		return fmt.Errorf("post-recovery health check failed: live=%t cluster=%s", result.Live, result.ClusterStatus)
	}
	if a.HasReason(models.ReasonDrift) && c.config != nil {
		fields, err := c.config.Validate(ctx, t)
		if err != nil {
			return fmt.Errorf("post-recovery configuration check: %w", err)
		}
		if len(fields) > 0 {
			return &apperr.DriftError{TenantID: t.ID, Fields: fields}
		}
	}
	return nil
}
