package health

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

type poller struct {
	cancel context.CancelFunc
}

// polledStates are the states whose tenants have a running workload to poll.
var polledStates = []models.LifecycleState{models.StateActive, models.StateDegraded, models.StateScaling}

// Run keeps one polling goroutine per eligible tenant until ctx is done.
// Pollers never take tenant leases.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("health monitor started", "sync_interval", m.cfg.SyncInterval)
	defer m.stopAll()

	for {
		m.sync(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return nil
		case <-m.cfg.Clock.After(m.cfg.SyncInterval):
		}
	}
}

// sync starts pollers for newly eligible tenants and stops the rest.
func (m *Monitor) sync(ctx context.Context) {
	eligible := make(map[uuid.UUID]*models.Tenant)
	for page := 1; ; page++ {
		tenants, total, err := m.store.ListTenants(ctx, store.TenantFilter{States: polledStates, Page: page, Limit: 500})
		if err != nil {
			m.logger.Error("listing tenants for health polling failed", "error", err)
			return
		}
		for _, t := range tenants {
			eligible[t.ID] = t
		}
		if len(tenants) == 0 || page*500 >= total {
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pollers {
		if _, ok := eligible[id]; !ok {
			p.cancel()
			delete(m.pollers, id)
			delete(m.trackers, id)
		}
	}
	for id, t := range eligible {
		if _, ok := m.pollers[id]; ok {
			continue
		}
		pctx, cancel := context.WithCancel(ctx)
		p := &poller{cancel: cancel}
		m.pollers[id] = p
		go m.poll(pctx, t.ID, p)
	}
}

// poll checks the tenant until ctx is done or the tenant can no longer be
// polled. An exiting poller deregisters itself so the next sync restarts it.
func (m *Monitor) poll(ctx context.Context, tenantID uuid.UUID, p *poller) {
	defer func() {
		p.cancel()
		m.mu.Lock()
		if m.pollers[tenantID] == p {
			delete(m.pollers, tenantID)
		}
		m.mu.Unlock()
	}()
	for {
		t, err := m.store.GetTenant(ctx, tenantID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("loading tenant for health poll failed", "tenant_id", tenantID, "error", err)
			return
		}

		interval := m.cfg.Interval
		if interval <= 0 {
			desc, err := m.tiers.Resolve(t.Tier)
			if err != nil {
				m.logger.Error("unknown tier, health polling stopped", "tenant", t.Name, "tier", t.Tier)
				return
			}
			interval = desc.HealthInterval
		}

		if _, err := m.Check(ctx, t); err != nil && ctx.Err() == nil {
			m.logger.Warn("health check failed", "tenant", t.Name, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(interval):
		}
	}
}

// Polling reports the tenants that currently have a poller.
func (m *Monitor) Polling() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(m.pollers))
	for id := range m.pollers {
		ids = append(ids, id)
	}
	return ids
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pollers {
		p.cancel()
		delete(m.pollers, id)
	}
}
