// Package health polls tenant workloads and instances, evaluates them against
// their tier's SLA and raises alerts when failures persist.
package health

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
	"github.com/kiranshivaraju/tenantplane/internal/cluster"
	"github.com/kiranshivaraju/tenantplane/internal/instance"
	"github.com/kiranshivaraju/tenantplane/internal/metrics"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/internal/tier"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// Deployment annotations written after every poll.
const (
	AnnotationStatus    = "health.tenantplane.io/status"
	AnnotationCheckedAt = "health.tenantplane.io/checked-at"
	AnnotationSLA       = "health.tenantplane.io/sla"
)

// Store is the persistence the monitor reads and writes. It never changes
// tenant state; deployments are only annotated.
type Store interface {
	ListTenants(ctx context.Context, filter store.TenantFilter) ([]*models.Tenant, int, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	GetDeployment(ctx context.Context, tenantID uuid.UUID) (*models.Deployment, error)
	AnnotateDeployment(ctx context.Context, tenantID uuid.UUID, annotations map[string]string) error
	LatestConfigurationRecord(ctx context.Context, tenantID uuid.UUID) (*models.ConfigurationRecord, error)
	AppendHealthResult(ctx context.Context, r *models.HealthCheckResult) error
	LatestHealthResult(ctx context.Context, tenantID uuid.UUID) (*models.HealthCheckResult, error)
	ListHealthResults(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.HealthCheckResult, error)
	PruneHealthResults(ctx context.Context, before time.Time) (int64, error)
}

// Sink receives alerts. Sinks are called synchronously from the polling
// goroutine and must not block for long.
type Sink interface {
	HandleHealthAlert(ctx context.Context, alert models.HealthAlert)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, alert models.HealthAlert)

func (f SinkFunc) HandleHealthAlert(ctx context.Context, alert models.HealthAlert) { f(ctx, alert) }

type Config struct {
	// HistorySize is the number of results kept in memory per tenant.
	HistorySize int
	// Retention is the age after which stored results are pruned.
	Retention time.Duration
	// Interval overrides every tier's polling interval when non-zero.
	Interval time.Duration
	// SyncInterval is how often Run refreshes the set of polled tenants.
	SyncInterval time.Duration
	Clock        clock.Clock
}

func (c *Config) defaults() {
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
}

// tracker is the per-tenant failure state.
type tracker struct {
	history        []*models.HealthCheckResult
	consecutive    int
	unhealthySince time.Time
	warned         bool
	escalated      bool
	resolving      bool
}

type Monitor struct {
	store     Store
	cluster   cluster.Adapter
	instances instance.Client
	tiers     *tier.Resolver
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	trackers map[uuid.UUID]*tracker
	sinks    []Sink
	pollers  map[uuid.UUID]*poller
}

func NewMonitor(s Store, adapter cluster.Adapter, instances instance.Client, tiers *tier.Resolver, cfg Config, logger *slog.Logger) *Monitor {
	cfg.defaults()
	return &Monitor{
		store:     s,
		cluster:   adapter,
		instances: instances,
		tiers:     tiers,
		cfg:       cfg,
		logger:    logger,
		trackers:  make(map[uuid.UUID]*tracker),
		pollers:   make(map[uuid.UUID]*poller),
	}
}

// Subscribe registers a sink for all future alerts.
func (m *Monitor) Subscribe(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Check runs one poll for the tenant, records the result and dispatches any
// alert the result triggers.
func (m *Monitor) Check(ctx context.Context, t *models.Tenant) (*models.HealthCheckResult, error) {
	desc, err := m.tiers.Resolve(t.Tier)
	if err != nil {
		return nil, err
	}

	now := m.cfg.Clock.Now().UTC()
	result := &models.HealthCheckResult{
		ID:            uuid.New(),
		TenantID:      t.ID,
		CheckedAt:     now,
		ClusterStatus: models.WorkloadNotFound,
	}
	var problems []string

	status, err := m.cluster.GetWorkloadStatus(ctx, t.Namespace(), cluster.WorkloadName)
	if err != nil {
		result.ClusterStatus = models.WorkloadUnknown
		problems = append(problems, "cluster: "+err.Error())
	} else {
		result.ClusterStatus = status
	}

	if t.Endpoint == "" {
		problems = append(problems, "instance: no endpoint")
	} else if h, err := m.instances.Health(ctx, t.Endpoint); err != nil {
		problems = append(problems, "instance: "+err.Error())
	} else {
		result.Live = h.Live
		result.LatencyP95Ms = h.LatencyP95Ms
		result.ErrorRate = h.ErrorRate
	}

	rec, err := m.store.LatestConfigurationRecord(ctx, t.ID)
	switch {
	case err == nil:
		result.DriftDetected = rec.Consistency == models.ConsistencyDrift
	case !errors.Is(err, apperr.ErrNotFound):
		m.logger.Warn("reading latest configuration record failed", "tenant", t.Name, "error", err)
	}

	if len(problems) > 0 {
		msg := problems[0]
		for _, p := range problems[1:] {
			msg += "; " + p
		}
		result.Error = &msg
	}

	alert := m.track(t, desc, result)

	if err := m.store.AppendHealthResult(ctx, result); err != nil {
		return result, fmt.Errorf("appending health result: %w", err)
	}
	m.annotate(ctx, t, result)

	outcome := "healthy"
	if !healthy(result) {
		outcome = "unhealthy"
	}
	metrics.HealthChecks.WithLabelValues(desc.Name, outcome).Inc()

	if alert != nil {
		m.dispatch(ctx, *alert)
	}
	return result, nil
}

// track updates the in-memory window and failure counters, fills the
// derived result fields and returns the alert to raise, if any.
func (m *Monitor) track(t *models.Tenant, desc tier.Descriptor, result *models.HealthCheckResult) *models.HealthAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr := m.trackers[t.ID]
	if tr == nil {
		tr = &tracker{}
		m.trackers[t.ID] = tr
	}

	tr.history = append(tr.history, result)
	if len(tr.history) > m.cfg.HistorySize {
		tr.history = tr.history[len(tr.history)-m.cfg.HistorySize:]
	}
	live := 0
	for _, r := range tr.history {
		if r.Live {
			live++
		}
	}
	result.Availability = float64(live) * 100 / float64(len(tr.history))
	result.SLACompliant = result.Live &&
		result.Availability >= desc.SLA.Availability &&
		result.LatencyP95Ms <= float64(desc.SLA.P95Latency.Milliseconds()) &&
		result.ErrorRate <= desc.SLA.ErrorRate

	if healthy(result) {
		wasAlerting := tr.warned
		tr.consecutive = 0
		tr.unhealthySince = time.Time{}
		tr.warned = false
		tr.escalated = false
		// A resolution repeats until the tenant has left Degraded.
		tr.resolving = (wasAlerting || tr.resolving) && t.State == models.StateDegraded && !result.DriftDetected
		if wasAlerting || tr.resolving {
			return &models.HealthAlert{TenantID: t.ID, Severity: models.AlertResolved, Latest: *result}
		}
		return nil
	}

	tr.resolving = false
	tr.consecutive++
	result.ConsecutiveFailures = tr.consecutive
	if tr.unhealthySince.IsZero() {
		tr.unhealthySince = result.CheckedAt
	}

	alert := &models.HealthAlert{
		TenantID:            t.ID,
		ConsecutiveFailures: tr.consecutive,
		UnhealthySince:      tr.unhealthySince,
		Latest:              *result,
	}
	switch {
	case tr.warned && !tr.escalated && result.CheckedAt.Sub(tr.unhealthySince) >= desc.EscalateAfter:
		tr.escalated = true
		alert.Severity = models.AlertCritical
		return alert
	case tr.consecutive >= desc.FailureThreshold && (!tr.warned || t.State == models.StateActive):
		// The warning repeats on every failing poll while the tenant is
		// still Active.
		tr.warned = true
		alert.Severity = models.AlertWarning
		return alert
	}
	return nil
}

func (m *Monitor) dispatch(ctx context.Context, alert models.HealthAlert) {
	m.mu.Lock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()

	metrics.HealthAlerts.WithLabelValues(string(alert.Severity)).Inc()
	m.logger.Warn("health alert",
		"tenant_id", alert.TenantID,
		"severity", alert.Severity,
		"consecutive_failures", alert.ConsecutiveFailures,
	)
	for _, s := range sinks {
		s.HandleHealthAlert(ctx, alert)
	}
}

func (m *Monitor) annotate(ctx context.Context, t *models.Tenant, result *models.HealthCheckResult) {
	status := "healthy"
	if !healthy(result) {
		status = "unhealthy"
	}
	sla := "compliant"
	if !result.SLACompliant {
		sla = "violated"
	}
	err := m.store.AnnotateDeployment(ctx, t.ID, map[string]string{
		AnnotationStatus:    status,
		AnnotationCheckedAt: result.CheckedAt.Format(time.RFC3339),
		AnnotationSLA:       sla,
	})
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		m.logger.Warn("annotating deployment failed", "tenant", t.Name, "error", err)
	}
}

// Latest returns the most recent result, from memory when this process has
// polled the tenant and from the store otherwise.
func (m *Monitor) Latest(ctx context.Context, tenantID uuid.UUID) (*models.HealthCheckResult, error) {
	m.mu.Lock()
	if tr := m.trackers[tenantID]; tr != nil && len(tr.history) > 0 {
		r := *tr.history[len(tr.history)-1]
		m.mu.Unlock()
		return &r, nil
	}
	m.mu.Unlock()
	return m.store.LatestHealthResult(ctx, tenantID)
}

// History returns up to limit results, newest first.
func (m *Monitor) History(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.HealthCheckResult, error) {
	if limit <= 0 {
		limit = m.cfg.HistorySize
	}
	return m.store.ListHealthResults(ctx, tenantID, limit)
}

// ConsecutiveFailures reports the tenant's current failure streak.
func (m *Monitor) ConsecutiveFailures(tenantID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr := m.trackers[tenantID]; tr != nil {
		return tr.consecutive
	}
	return 0
}

// UnhealthySince reports when the current failure streak started; zero when
// the tenant is healthy.
func (m *Monitor) UnhealthySince(tenantID uuid.UUID) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr := m.trackers[tenantID]; tr != nil {
		return tr.unhealthySince
	}
	return time.Time{}
}

// Prune deletes stored results older than the retention window.
func (m *Monitor) Prune(ctx context.Context) (int64, error) {
	before := m.cfg.Clock.Now().Add(-m.cfg.Retention)
	n, err := m.store.PruneHealthResults(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("pruning health results: %w", err)
	}
	if n > 0 {
		m.logger.Info("pruned health results", "count", n, "before", before)
	}
	return n, nil
}

func healthy(r *models.HealthCheckResult) bool {
	if !r.Live {
		return false
	}
	switch r.ClusterStatus {
	case models.WorkloadReady, models.WorkloadPending:
		return true
	}
	return false
}
