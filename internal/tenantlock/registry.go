// Package tenantlock serializes mutations per tenant. At most one lease per
// tenant exists at a time; termination may claim precedence over a held lease.
package tenantlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
)

const holderTerminate = "terminate"

// ErrPreempted is returned by Lease.Checkpoint once a termination is waiting.
var ErrPreempted = fmt.Errorf("%w: preempted by termination", apperr.ErrConflict)

type entry struct {
	holder      string
	since       time.Time
	preempt     chan struct{}
	preemptOnce sync.Once
	released    chan struct{}
}

// Registry is the process-wide lease table. Create one with New and pass it
// to the components that mutate tenants.
type Registry struct {
	mu          sync.Mutex
	held        map[uuid.UUID]*entry
	terminating map[uuid.UUID]bool
	now         func() time.Time
}

func New() *Registry {
	return &Registry{
		held:        make(map[uuid.UUID]*entry),
		terminating: make(map[uuid.UUID]bool),
		now:         time.Now,
	}
}

// TryAcquire takes the tenant's lease or fails immediately with ErrConflict.
func (r *Registry) TryAcquire(tenantID uuid.UUID, holder string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminating[tenantID] {
		return nil, apperr.Conflict(tenantID, holderTerminate)
	}
	if e, ok := r.held[tenantID]; ok {
		return nil, apperr.Conflict(tenantID, e.holder)
	}
	return r.grantLocked(tenantID, holder), nil
}

// AcquireForTermination reserves the tenant for termination, asks the current
// holder to stop at its next checkpoint and waits for its release. A second
// concurrent termination fails with ErrConflict.
func (r *Registry) AcquireForTermination(ctx context.Context, tenantID uuid.UUID) (*Lease, error) {
	r.mu.Lock()
	if r.terminating[tenantID] {
		r.mu.Unlock()
		return nil, apperr.Conflict(tenantID, holderTerminate)
	}
	r.terminating[tenantID] = true
	r.mu.Unlock()

	for {
		r.mu.Lock()
		e, ok := r.held[tenantID]
		if !ok {
			l := r.grantLocked(tenantID, holderTerminate)
			r.mu.Unlock()
			return l, nil
		}
		r.mu.Unlock()

		e.preemptOnce.Do(func() { close(e.preempt) })

		select {
		case <-e.released:
		case <-ctx.Done():
			r.mu.Lock()
			delete(r.terminating, tenantID)
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: waiting for lease on tenant %s: %v", apperr.ErrTimeout, tenantID, ctx.Err())
		}
	}
}

// Holder reports who holds the tenant's lease, if anyone.
func (r *Registry) Holder(tenantID uuid.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.held[tenantID]
	if !ok {
		return "", false
	}
	return e.holder, true
}

// Held returns the number of leases currently held.
func (r *Registry) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

func (r *Registry) grantLocked(tenantID uuid.UUID, holder string) *Lease {
	e := &entry{
		holder:   holder,
		since:    r.now(),
		preempt:  make(chan struct{}),
		released: make(chan struct{}),
	}
	r.held[tenantID] = e
	return &Lease{TenantID: tenantID, Holder: holder, reg: r, entry: e}
}

func (r *Registry) release(l *Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held[l.TenantID] == l.entry {
		delete(r.held, l.TenantID)
	}
	if l.Holder == holderTerminate {
		delete(r.terminating, l.TenantID)
	}
	close(l.entry.released)
}

// Lease is one holder's claim on a tenant.
type Lease struct {
	TenantID uuid.UUID
	Holder   string

	reg   *Registry
	entry *entry
	once  sync.Once
}

// Release is safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.reg.release(l) })
}

// Preempted is closed when a termination is waiting for this lease.
func (l *Lease) Preempted() <-chan struct{} {
	return l.entry.preempt
}

// Checkpoint returns ErrPreempted when a termination is waiting. Long-running
// operations call it between steps, never in the middle of one.
func (l *Lease) Checkpoint() error {
	select {
	case <-l.entry.preempt:
		return fmt.Errorf("%w: tenant %s", ErrPreempted, l.TenantID)
	default:
		return nil
	}
}

// HeldFor returns how long the lease has been held.
func (l *Lease) HeldFor() time.Duration {
	return l.reg.now().Sub(l.entry.since)
}
