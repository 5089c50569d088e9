// Package recovery detects tenants that diverged or failed across platforms
// and drives their recovery one tenant at a time.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/internal/tier"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("tenantplane/recovery")

// Store is the persistence the coordinator reads and the run log it owns.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	ListTenants(ctx context.Context, filter store.TenantFilter) ([]*models.Tenant, int, error)
	GetDeployment(ctx context.Context, tenantID uuid.UUID) (*models.Deployment, error)
	LatestConfigurationRecord(ctx context.Context, tenantID uuid.UUID) (*models.ConfigurationRecord, error)
	CreateRecoveryRun(ctx context.Context, run *models.DisasterRecoveryRun) error
	UpdateRecoveryRun(ctx context.Context, run *models.DisasterRecoveryRun) error
	GetRecoveryRun(ctx context.Context, id uuid.UUID) (*models.DisasterRecoveryRun, error)
	ListRecoveryRuns(ctx context.Context, limit int) ([]*models.DisasterRecoveryRun, error)
}

// Orchestrator is the set of lifecycle actions recovery may take. Each call
// takes the tenant's lease, so recovery never races another mutation.
type Orchestrator interface {
	Rescale(ctx context.Context, tenantID uuid.UUID) error
	Resume(ctx context.Context, tenantID uuid.UUID) error
	Redeploy(ctx context.Context, tenantID uuid.UUID) error
	ResyncConfiguration(ctx context.Context, tenantID uuid.UUID) (*models.ConfigurationRecord, error)
}

// Health runs fresh checks and serves the latest known result.
type Health interface {
	Check(ctx context.Context, t *models.Tenant) (*models.HealthCheckResult, error)
	Latest(ctx context.Context, tenantID uuid.UUID) (*models.HealthCheckResult, error)
}

// ConfigValidator diffs the control plane's configuration against the
// instance's.
type ConfigValidator interface {
	Validate(ctx context.Context, t *models.Tenant) ([]string, error)
}

type Config struct {
	// ClusterStatusThreshold is how long a deployment may report Unknown or
	// Degraded before the tenant counts as affected.
	ClusterStatusThreshold time.Duration
	// AutoExecute runs recovery for critical health alerts without an
	// operator.
	AutoExecute bool
	// AutoStrategy is the strategy used by automatic runs.
	AutoStrategy models.RecoveryStrategy
	Clock        clock.Clock
}

func (c *Config) defaults() {
	if c.ClusterStatusThreshold <= 0 {
		c.ClusterStatusThreshold = 5 * time.Minute
	}
	if c.AutoStrategy == "" {
		c.AutoStrategy = models.RecoveryAuto
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
}

// Assessment is the result of DetectDisaster. Run is nil when no tenant was
// affected.
type Assessment struct {
	Evaluated int                         `json:"evaluated"`
	Affected  []models.AffectedTenant     `json:"affected"`
	Run       *models.DisasterRecoveryRun `json:"run,omitempty"`
}

type Coordinator struct {
	store    Store
	orch     Orchestrator
	health   Health
	config   ConfigValidator
	tiers    *tier.Resolver
	recorder *audit.Recorder
	cfg      Config
	logger   *slog.Logger

	mu         sync.Mutex
	executing  map[uuid.UUID]bool
	candidates map[uuid.UUID]models.HealthAlert
	auto       chan struct{}
	wg         sync.WaitGroup
}

func NewCoordinator(s Store, orch Orchestrator, health Health, config ConfigValidator, tiers *tier.Resolver,
	recorder *audit.Recorder, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		store:      s,
		orch:       orch,
		health:     health,
		config:     config,
		tiers:      tiers,
		recorder:   recorder,
		cfg:        cfg,
		logger:     logger,
		executing:  make(map[uuid.UUID]bool),
		candidates: make(map[uuid.UUID]models.HealthAlert),
		auto:       make(chan struct{}, 1),
	}
}

// DetectDisaster assesses the given tenants, or every running tenant when
// tenantIDs is empty. When any tenant is affected a run is recorded in the
// detected state.
func (c *Coordinator) DetectDisaster(ctx context.Context, tenantIDs []uuid.UUID) (*Assessment, error) {
	ctx, corrID := audit.EnsureCorrelationID(ctx)
	ctx, span := tracer.Start(ctx, "recovery.detect")
	defer span.End()

	tenants, err := c.resolveTenants(ctx, tenantIDs)
	if err != nil {
		return nil, err
	}

	a := &Assessment{Evaluated: len(tenants), Affected: []models.AffectedTenant{}}
	for _, t := range tenants {
		affected, err := c.assess(ctx, t)
		if err != nil {
			return nil, err
		}
		if affected != nil {
			a.Affected = append(a.Affected, *affected)
		}
	}
	if len(a.Affected) == 0 {
		c.logger.Info("disaster detection found no affected tenants", "evaluated", a.Evaluated, "correlation_id", corrID)
		return a, nil
	}

	run := &models.DisasterRecoveryRun{
		ID:            uuid.New(),
		CorrelationID: corrID,
		Affected:      a.Affected,
		TenantStatus:  make(map[string]models.TenantRecoveryStatus, len(a.Affected)),
		Status:        models.RunDetected,
		DetectedAt:    c.cfg.Clock.Now().UTC(),
	}
	for _, at := range a.Affected {
		run.TenantStatus[at.TenantID.String()] = models.TenantRecoveryPending
	}
	if err := c.store.CreateRecoveryRun(ctx, run); err != nil {
		return nil, fmt.Errorf("recording recovery run: %w", err)
	}
	a.Run = run

	c.mu.Lock()
	for _, at := range a.Affected {
		delete(c.candidates, at.TenantID)
	}
	c.mu.Unlock()

	c.recorder.Record(ctx, audit.Event{
		Source: audit.SourceRecovery, Target: audit.TargetControlPlane,
		Type:    "recovery.detected",
		Payload: map[string]any{"run_id": run.ID, "affected": len(a.Affected), "evaluated": a.Evaluated},
	})
	c.logger.Warn("disaster detected", "run_id", run.ID, "affected", len(a.Affected), "correlation_id", corrID)
	return a, nil
}

func (c *Coordinator) resolveTenants(ctx context.Context, ids []uuid.UUID) ([]*models.Tenant, error) {
	if len(ids) == 0 {
		var all []*models.Tenant
		for page := 1; ; page++ {
			batch, total, err := c.store.ListTenants(ctx, store.TenantFilter{
				States: []models.LifecycleState{models.StateActive, models.StateDegraded, models.StateScaling},
				Page:   page, Limit: 500,
			})
			if err != nil {
				return nil, fmt.Errorf("listing tenants: %w", err)
			}
			all = append(all, batch...)
			if len(batch) == 0 || len(all) >= total {
				return all, nil
			}
		}
	}

	tenants := make([]*models.Tenant, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		t, err := c.store.GetTenant(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, apperr.Validationf("unknown tenant %s", id)
			}
			return nil, fmt.Errorf("loading tenant %s: %w", id, err)
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}

// assess combines the latest health result, configuration consistency and
// deployment status of one tenant. Tenants that are meant to be down are
// never affected.
func (c *Coordinator) assess(ctx context.Context, t *models.Tenant) (*models.AffectedTenant, error) {
	switch t.State {
	case models.StateActive, models.StateDegraded, models.StateScaling:
	default:
		return nil, nil
	}
	desc, err := c.tiers.Resolve(t.Tier)
	if err != nil {
		return nil, err
	}
	affected := &models.AffectedTenant{TenantID: t.ID}

	latest, err := c.health.Latest(ctx, t.ID)
	switch {
	case err == nil:
		if latest.ConsecutiveFailures >= desc.FailureThreshold {
			affected.Reasons = append(affected.Reasons, models.ReasonLivenessFailing)
			affected.Evidence = append(affected.Evidence, models.Evidence{
				Kind: "health_check", Ref: latest.ID.String(),
				Detail: fmt.Sprintf("%d consecutive liveness failures", latest.ConsecutiveFailures),
			})
		}
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, fmt.Errorf("reading latest health result: %w", err)
	}

	rec, err := c.store.LatestConfigurationRecord(ctx, t.ID)
	switch {
	case err == nil:
		if rec.Consistency == models.ConsistencyDrift {
			affected.Reasons = append(affected.Reasons, models.ReasonDrift)
			affected.Evidence = append(affected.Evidence, models.Evidence{
				Kind: "configuration_record", Ref: rec.ID.String(),
				Detail: fmt.Sprintf("sequence %d drifted on %v", rec.Sequence, rec.DriftFields),
			})
		}
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, fmt.Errorf("reading latest configuration record: %w", err)
	}

	dep, err := c.store.GetDeployment(ctx, t.ID)
	switch {
	case err == nil:
		bad := dep.Status == models.WorkloadUnknown || dep.Status == models.WorkloadDegraded
		since := c.cfg.Clock.Now().Sub(dep.StatusSince)
		if bad && since >= c.cfg.ClusterStatusThreshold {
			affected.Reasons = append(affected.Reasons, models.ReasonClusterStatus)
			affected.Evidence = append(affected.Evidence, models.Evidence{
				Kind: "deployment", Ref: dep.ManifestRevision,
				Detail: fmt.Sprintf("%s for %s", dep.Status, since.Round(time.Second)),
			})
		}
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, fmt.Errorf("reading deployment: %w", err)
	}

	if len(affected.Reasons) == 0 {
		return nil, nil
	}
	return affected, nil
}

// Run returns a recovery run.
func (c *Coordinator) Run(ctx context.Context, id uuid.UUID) (*models.DisasterRecoveryRun, error) {
	return c.store.GetRecoveryRun(ctx, id)
}

// Runs returns the most recent runs, newest first.
func (c *Coordinator) Runs(ctx context.Context, limit int) ([]*models.DisasterRecoveryRun, error) {
	return c.store.ListRecoveryRuns(ctx, limit)
}

// Candidates returns the tenants reported by critical alerts that no run has
// picked up yet.
func (c *Coordinator) Candidates() []models.HealthAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.HealthAlert, 0, len(c.candidates))
	for _, a := range c.candidates {
		out = append(out, a)
	}
	return out
}

// HandleHealthAlert records critical alerts as recovery candidates and, when
// AutoExecute is set, detects and executes a run for the tenant in the
// background. At most one automatic run executes at a time.
func (c *Coordinator) HandleHealthAlert(ctx context.Context, alert models.HealthAlert) {
	switch alert.Severity {
	case models.AlertResolved:
		c.mu.Lock()
		delete(c.candidates, alert.TenantID)
		c.mu.Unlock()
		return
	case models.AlertCritical:
	default:
		return
	}

	c.mu.Lock()
	c.candidates[alert.TenantID] = alert
	c.mu.Unlock()
	c.logger.Warn("recovery candidate reported", "tenant_id", alert.TenantID,
		"consecutive_failures", alert.ConsecutiveFailures, "unhealthy_since", alert.UnhealthySince)

	if !c.cfg.AutoExecute {
		return
	}
	select {
	case c.auto <- struct{}{}:
	default:
		c.logger.Info("automatic recovery already running, candidate queued", "tenant_id", alert.TenantID)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.auto }()
		ctx := context.WithoutCancel(ctx)
		a, err := c.DetectDisaster(ctx, []uuid.UUID{alert.TenantID})
		if err != nil {
			c.logger.Error("automatic detection failed", "tenant_id", alert.TenantID, "error", err)
			return
		}
		if a.Run == nil {
			return
		}
		if _, err := c.ExecuteRecovery(ctx, a.Run.ID, nil, c.cfg.AutoStrategy); err != nil {
			c.logger.Error("automatic recovery did not complete", "run_id", a.Run.ID, "error", err)
		}
	}()
}

// Wait blocks until background recovery runs have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
