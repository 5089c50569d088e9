// Package configsync keeps the control plane's view of a tenant configuration
// and the running instance's configuration in agreement.
package configsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/instance"
	"github.com/kiranshivaraju/tenantplane/internal/metrics"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the coordinator needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	GetTenantConfig(ctx context.Context, tenantID uuid.UUID) (*models.TenantConfig, error)
	SaveTenantConfig(ctx context.Context, cfg *models.TenantConfig, expectedVersion int64) error
	AppendConfigurationRecord(ctx context.Context, r *models.ConfigurationRecord) error
	CompleteConfigurationRecord(ctx context.Context, id uuid.UUID, outcome models.RecordOutcome) error
	GetConfigurationRecord(ctx context.Context, id uuid.UUID) (*models.ConfigurationRecord, error)
	LatestConfigurationRecord(ctx context.Context, tenantID uuid.UUID) (*models.ConfigurationRecord, error)
	ListConfigurationRecords(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ConfigurationRecord, error)
	ListIncompleteConfigurationRecords(ctx context.Context) ([]*models.ConfigurationRecord, error)
}

// Options narrows an update to one platform or to some instance components.
type Options struct {
	Target     models.Target
	Components []string
}

// LeaseFunc takes the tenant's mutation lease. ReplayIncomplete uses it so
// replays are serialized with other mutations.
type LeaseFunc func(tenantID uuid.UUID, holder string) (release func(), err error)

type Coordinator struct {
	store     Store
	instances instance.Client
	recorder  *audit.Recorder
	logger    *slog.Logger
}

func NewCoordinator(s Store, instances instance.Client, recorder *audit.Recorder, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: s, instances: instances, recorder: recorder, logger: logger}
}

// CoordinateUpdate applies payload to the platforms selected by opts using
// strategy. The intent record is written before either platform changes. A
// failure on one side rolls the other back; a successful apply on both is
// followed by a field-by-field consistency check that returns *DriftError on
// disagreement.
func (c *Coordinator) CoordinateUpdate(ctx context.Context, t *models.Tenant, payload map[string]string,
	strategy models.Strategy, opts Options) (*models.ConfigurationRecord, error) {
	kind := models.RecordUpdate
	if len(opts.Components) > 0 {
		kind = models.RecordHotReload
	}
	return c.coordinate(ctx, t, kind, payload, strategy, opts, nil)
}

// HotReload applies payload to one component of the running instance without
// a restart, keeping the control plane in step.
func (c *Coordinator) HotReload(ctx context.Context, t *models.Tenant, component string, payload map[string]string) (*models.ConfigurationRecord, error) {
	if component == "" {
		return nil, apperr.Validationf("hot reload needs a component")
	}
	return c.coordinate(ctx, t, models.RecordHotReload, payload, models.StrategyControlPlaneFirst,
		Options{Target: models.TargetBoth, Components: []string{component}}, nil)
}

func (c *Coordinator) coordinate(ctx context.Context, t *models.Tenant, kind models.RecordKind, payload map[string]string,
	strategy models.Strategy, opts Options, ref *int64) (*models.ConfigurationRecord, error) {
	if len(payload) == 0 {
		return nil, apperr.Validationf("configuration payload is empty")
	}
	if strategy != models.StrategyControlPlaneFirst && strategy != models.StrategySynchronized {
		return nil, apperr.Validationf("unknown strategy %q", strategy)
	}
	if opts.Target == "" {
		opts.Target = models.TargetBoth
	}
	if opts.Target != models.TargetBoth && opts.Target != models.TargetControlPlane && opts.Target != models.TargetInstance {
		return nil, apperr.Validationf("unknown target %q", opts.Target)
	}
	if opts.Target.Includes(models.TargetInstance) && t.Endpoint == "" {
		return nil, apperr.Validationf("tenant %s has no running instance", t.Name)
	}

	rec, err := c.appendIntent(ctx, t, kind, payload, strategy, opts, ref)
	if err != nil {
		return nil, err
	}

	cpSnap, err := c.controlPlaneConfig(ctx, t.ID)
	if err != nil {
		return c.finish(ctx, t, rec, models.RecordOutcome{
			ControlPlane: models.OutcomeSkipped, Instance: models.OutcomeSkipped,
			Consistency: models.ConsistencyNotValidated,
		}, err)
	}
	var instSnap map[string]string
	if opts.Target.Includes(models.TargetInstance) {
		cfg, err := c.instances.GetConfig(ctx, t.Endpoint)
		if err != nil {
			return c.finish(ctx, t, rec, models.RecordOutcome{
				ControlPlane: models.OutcomeSkipped, Instance: models.OutcomeFailed,
				Consistency: models.ConsistencyNotValidated,
			}, fmt.Errorf("%w: reading instance config: %v", apperr.ErrAdapter, err))
		}
		instSnap = cfg.Values
	}

	desiredCP := Merge(cpSnap.Values, payload)
	desiredInst := Merge(instSnap, desiredCP)
	if !opts.Target.Includes(models.TargetControlPlane) {
		desiredInst = Merge(instSnap, payload)
	}

	applyCP := func() error {
		return c.saveControlPlane(ctx, t.ID, desiredCP, cpSnap.Version)
	}
	applyInst := func() error {
		return c.applyInstance(ctx, t, desiredInst, opts.Components, rec.Sequence)
	}

	var outcome models.RecordOutcome
	var applyErr error
	switch opts.Target {
	case models.TargetControlPlane:
		outcome.Instance = models.OutcomeSkipped
		outcome.ControlPlane, applyErr = appliedOrFailed(applyCP())
	case models.TargetInstance:
		outcome.ControlPlane = models.OutcomeSkipped
		outcome.Instance, applyErr = appliedOrFailed(applyInst())
	default:
		if strategy == models.StrategySynchronized {
			outcome, applyErr = c.applySynchronized(ctx, t, rec, cpSnap, instSnap, applyCP, applyInst)
		} else {
			outcome, applyErr = c.applyControlPlaneFirst(ctx, t, rec, cpSnap, applyCP, applyInst)
		}
	}

	if applyErr != nil {
		outcome.Consistency = models.ConsistencyNotValidated
		return c.finish(ctx, t, rec, outcome, applyErr)
	}

	if outcome.ControlPlane != models.OutcomeApplied || outcome.Instance != models.OutcomeApplied {
		outcome.Consistency = models.ConsistencyNotValidated
		if opts.Target == models.TargetInstance && kind == models.RecordResync {
			return c.checkAndFinish(ctx, t, rec, outcome)
		}
		return c.finish(ctx, t, rec, outcome, nil)
	}
	return c.checkAndFinish(ctx, t, rec, outcome)
}

func (c *Coordinator) applyControlPlaneFirst(ctx context.Context, t *models.Tenant, rec *models.ConfigurationRecord,
	cpSnap *models.TenantConfig, applyCP, applyInst func() error) (models.RecordOutcome, error) {
	out := models.RecordOutcome{ControlPlane: models.OutcomeApplied, Instance: models.OutcomeApplied}

	if err := applyCP(); err != nil {
		out.ControlPlane = models.OutcomeFailed
		out.Instance = models.OutcomeSkipped
		return out, err
	}
	instErr := applyInst()
	if instErr == nil {
		return out, nil
	}

	out.Instance = models.OutcomeFailed
	if err := c.rollbackControlPlane(ctx, t, rec, cpSnap); err != nil {
		return out, multierror.Append(instErr, err)
	}
	out.ControlPlane = models.OutcomeRolledBack
	return out, instErr
}

// applySynchronized applies both sides concurrently and compensates the side
// that succeeded when the other failed. When both fail the instance is
// restored as well, since a failed remote apply may have been partial.
func (c *Coordinator) applySynchronized(ctx context.Context, t *models.Tenant, rec *models.ConfigurationRecord,
	cpSnap *models.TenantConfig, instSnap map[string]string, applyCP, applyInst func() error) (models.RecordOutcome, error) {
	// The group carries no context, so neither side is cancelled when the
	// other fails.
	var cpErr, instErr error
	var g errgroup.Group
	g.Go(func() error {
		cpErr = applyCP()
		return cpErr
	})
	g.Go(func() error {
		instErr = applyInst()
		return instErr
	})
	out := models.RecordOutcome{ControlPlane: models.OutcomeApplied, Instance: models.OutcomeApplied}
	if err := g.Wait(); err == nil {
		return out, nil
	}

	switch {
	case cpErr == nil:
		out.Instance = models.OutcomeFailed
		if err := c.rollbackControlPlane(ctx, t, rec, cpSnap); err != nil {
			return out, multierror.Append(instErr, err)
		}
		out.ControlPlane = models.OutcomeRolledBack
		return out, instErr

	case instErr == nil:
		out.ControlPlane = models.OutcomeFailed
		if err := c.rollbackInstance(ctx, t, rec, instSnap); err != nil {
			return out, multierror.Append(cpErr, err)
		}
		out.Instance = models.OutcomeRolledBack
		return out, cpErr

	default:
		out.ControlPlane = models.OutcomeFailed
		out.Instance = models.OutcomeFailed
		var result *multierror.Error
		result = multierror.Append(result, cpErr, instErr)
		if err := c.rollbackInstance(ctx, t, rec, instSnap); err != nil {
			result = multierror.Append(result, err)
		} else {
			out.Instance = models.OutcomeRolledBack
		}
		return out, result.ErrorOrNil()
	}
}

func (c *Coordinator) rollbackControlPlane(ctx context.Context, t *models.Tenant, rec *models.ConfigurationRecord, snap *models.TenantConfig) error {
	current, err := c.controlPlaneConfig(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("rollback control plane: %w", err)
	}
	restored := snap.Values
	if restored == nil {
		restored = map[string]string{}
	}
	rbErr := c.saveControlPlane(ctx, t.ID, restored, current.Version)
	c.appendRollback(ctx, t, rec, models.TargetControlPlane, restored, rbErr)
	if rbErr != nil {
		return fmt.Errorf("rollback control plane: %w", rbErr)
	}
	return nil
}

func (c *Coordinator) rollbackInstance(ctx context.Context, t *models.Tenant, rec *models.ConfigurationRecord, snap map[string]string) error {
	rbErr := c.applyInstance(ctx, t, snap, rec.Components, rec.Sequence)
	c.appendRollback(ctx, t, rec, models.TargetInstance, snap, rbErr)
	if rbErr != nil {
		return fmt.Errorf("rollback instance: %w", rbErr)
	}
	return nil
}

// appendRollback writes the compensating record. Rollbacks are new records;
// the original record is never rewritten.
func (c *Coordinator) appendRollback(ctx context.Context, t *models.Tenant, orig *models.ConfigurationRecord,
	target models.Target, values map[string]string, rbErr error) {
	ref := orig.Sequence
	rb, err := c.appendIntent(ctx, t, models.RecordRollback, values, orig.Strategy,
		Options{Target: target, Components: orig.Components}, &ref)
	if err != nil {
		c.logger.Error("appending rollback record failed", "tenant", t.Name, "ref_sequence", ref, "error", err)
		return
	}
	outcome := models.RecordOutcome{
		ControlPlane: models.OutcomeSkipped, Instance: models.OutcomeSkipped,
		Consistency: models.ConsistencyNotValidated,
	}
	applied, _ := appliedOrFailed(rbErr)
	if target == models.TargetControlPlane {
		outcome.ControlPlane = applied
	} else {
		outcome.Instance = applied
	}
	if rbErr != nil {
		msg := rbErr.Error()
		outcome.Error = &msg
	}
	if err := c.store.CompleteConfigurationRecord(ctx, rb.ID, outcome); err != nil {
		c.logger.Error("completing rollback record failed", "tenant", t.Name, "sequence", rb.Sequence, "error", err)
	}
}

func (c *Coordinator) checkAndFinish(ctx context.Context, t *models.Tenant, rec *models.ConfigurationRecord, outcome models.RecordOutcome) (*models.ConfigurationRecord, error) {
	fields, err := c.diff(ctx, t)
	if err != nil {
		outcome.Consistency = models.ConsistencyNotValidated
		return c.finish(ctx, t, rec, outcome, err)
	}
	if len(fields) > 0 {
		outcome.Consistency = models.ConsistencyDrift
		outcome.DriftFields = fields
		return c.finish(ctx, t, rec, outcome, &apperr.DriftError{TenantID: t.ID, Sequence: rec.Sequence, Fields: fields})
	}
	outcome.Consistency = models.ConsistencyConsistent
	return c.finish(ctx, t, rec, outcome, nil)
}

// Validate re-reads both platforms and compares them over the control
// plane's key set. It returns the drifting fields and a *DriftError when
// there are any.
func (c *Coordinator) Validate(ctx context.Context, t *models.Tenant) ([]string, error) {
	if t.Endpoint == "" {
		return nil, apperr.Validationf("tenant %s has no running instance", t.Name)
	}
	fields, err := c.diff(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		var seq int64
		if latest, err := c.store.LatestConfigurationRecord(ctx, t.ID); err == nil {
			seq = latest.Sequence
		}
		return fields, &apperr.DriftError{TenantID: t.ID, Sequence: seq, Fields: fields}
	}
	return nil, nil
}

// Resync pushes the control plane's configuration to the instance. It is an
// explicit operator action and never runs on its own.
func (c *Coordinator) Resync(ctx context.Context, t *models.Tenant) (*models.ConfigurationRecord, error) {
	cp, err := c.controlPlaneConfig(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if len(cp.Values) == 0 {
		return nil, apperr.Validationf("tenant %s has no control-plane configuration to resync", t.Name)
	}
	return c.coordinate(ctx, t, models.RecordResync, cp.Values, models.StrategyControlPlaneFirst,
		Options{Target: models.TargetInstance}, nil)
}

// ReplayIncomplete marks records left without an outcome (a crash between
// intent and completion) as abandoned and drives each again as a replay
// record. Tenants without a running instance only get the abandonment.
func (c *Coordinator) ReplayIncomplete(ctx context.Context, lease LeaseFunc) (int, error) {
	recs, err := c.store.ListIncompleteConfigurationRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing incomplete configuration records: %w", err)
	}

	replayed := 0
	for _, rec := range recs {
		msg := "abandoned: control plane restarted before completion"
		err := c.store.CompleteConfigurationRecord(ctx, rec.ID, models.RecordOutcome{
			ControlPlane: models.OutcomeAbandoned, Instance: models.OutcomeAbandoned,
			Consistency: models.ConsistencyNotValidated, Error: &msg,
		})
		if err != nil {
			c.logger.Error("abandoning configuration record failed", "record_id", rec.ID, "error", err)
			continue
		}
		if rec.Kind == models.RecordRollback {
			continue
		}

		t, err := c.store.GetTenant(ctx, rec.TenantID)
		if err != nil {
			c.logger.Error("loading tenant for replay failed", "tenant_id", rec.TenantID, "error", err)
			continue
		}
		if t.State != models.StateActive && t.State != models.StateDegraded {
			continue
		}

		release := func() {}
		if lease != nil {
			release, err = lease(t.ID, "config_replay")
			if err != nil {
				c.logger.Warn("skipping replay, tenant busy", "tenant", t.Name, "sequence", rec.Sequence, "error", err)
				continue
			}
		}
		ref := rec.Sequence
		_, err = c.coordinate(ctx, t, models.RecordReplay, rec.Payload, rec.Strategy,
			Options{Target: rec.Target, Components: rec.Components}, &ref)
		release()
		if err != nil {
			c.logger.Warn("configuration replay failed", "tenant", t.Name, "ref_sequence", ref, "error", err)
			continue
		}
		replayed++
	}
	return replayed, nil
}

// Records lists a tenant's configuration records, newest first.
func (c *Coordinator) Records(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ConfigurationRecord, error) {
	return c.store.ListConfigurationRecords(ctx, tenantID, limit)
}

// Current returns the control plane's effective configuration.
func (c *Coordinator) Current(ctx context.Context, tenantID uuid.UUID) (*models.TenantConfig, error) {
	return c.controlPlaneConfig(ctx, tenantID)
}

func (c *Coordinator) appendIntent(ctx context.Context, t *models.Tenant, kind models.RecordKind, payload map[string]string,
	strategy models.Strategy, opts Options, ref *int64) (*models.ConfigurationRecord, error) {
	corrID, _ := audit.CorrelationID(ctx)
	rec := &models.ConfigurationRecord{
		ID:            uuid.New(),
		TenantID:      t.ID,
		CorrelationID: corrID,
		Kind:          kind,
		Payload:       payload,
		Target:        opts.Target,
		Strategy:      strategy,
		Components:    opts.Components,
		Consistency:   models.ConsistencyPending,
		RefSequence:   ref,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.store.AppendConfigurationRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("appending configuration record: %w", err)
	}
	return rec, nil
}

func (c *Coordinator) finish(ctx context.Context, t *models.Tenant, rec *models.ConfigurationRecord,
	outcome models.RecordOutcome, opErr error) (*models.ConfigurationRecord, error) {
	if opErr != nil && outcome.Error == nil {
		msg := opErr.Error()
		outcome.Error = &msg
	}
	if err := c.store.CompleteConfigurationRecord(ctx, rec.ID, outcome); err != nil {
		return rec, errors.Join(opErr, fmt.Errorf("completing configuration record: %w", err))
	}

	done, err := c.store.GetConfigurationRecord(ctx, rec.ID)
	if err == nil {
		rec = done
	}
	metrics.ConfigUpdates.WithLabelValues(string(rec.Strategy), string(outcome.Consistency)).Inc()
	c.recorder.Record(ctx, audit.Event{
		Source: audit.SourceConfig, Target: string(rec.Target), TenantID: t.ID,
		Type: "config." + string(rec.Kind),
		Payload: map[string]any{
			"sequence":      rec.Sequence,
			"payload":       rec.Payload,
			"control_plane": outcome.ControlPlane,
			"instance":      outcome.Instance,
			"consistency":   outcome.Consistency,
		},
	})
	if opErr != nil {
		c.logger.Warn("configuration change did not complete cleanly",
			"tenant", t.Name, "sequence", rec.Sequence, "kind", rec.Kind, "error", opErr)
	}
	return rec, opErr
}

func (c *Coordinator) controlPlaneConfig(ctx context.Context, tenantID uuid.UUID) (*models.TenantConfig, error) {
	cfg, err := c.store.GetTenantConfig(ctx, tenantID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &models.TenantConfig{TenantID: tenantID, Values: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading control-plane config: %w", err)
	}
	return cfg, nil
}

func (c *Coordinator) saveControlPlane(ctx context.Context, tenantID uuid.UUID, values map[string]string, expected int64) error {
	cfg := &models.TenantConfig{TenantID: tenantID, Values: values}
	if err := c.store.SaveTenantConfig(ctx, cfg, expected); err != nil {
		return fmt.Errorf("saving control-plane config: %w", err)
	}
	return nil
}

func (c *Coordinator) applyInstance(ctx context.Context, t *models.Tenant, values map[string]string, components []string, seq int64) error {
	err := c.instances.ApplyConfig(ctx, t.Endpoint, instance.ApplyConfigRequest{
		Values: values, Components: components, Sequence: seq,
	})
	if err != nil {
		if errors.Is(err, instance.ErrInstanceRejected) {
			return fmt.Errorf("%w: instance rejected configuration: %v", apperr.ErrValidation, err)
		}
		return fmt.Errorf("%w: applying instance config: %v", apperr.ErrAdapter, err)
	}
	return nil
}

func (c *Coordinator) diff(ctx context.Context, t *models.Tenant) ([]string, error) {
	cp, err := c.controlPlaneConfig(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	inst, err := c.instances.GetConfig(ctx, t.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: reading instance config: %v", apperr.ErrAdapter, err)
	}
	return Diff(cp.Values, inst.Values), nil
}

func appliedOrFailed(err error) (models.PlatformOutcome, error) {
	if err != nil {
		return models.OutcomeFailed, err
	}
	return models.OutcomeApplied, nil
}
