package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCache is a process-local Cache for CACHE_DRIVER=memory and tests.
type MemoryCache struct {
	mu         sync.Mutex
	operations map[uuid.UUID]memOperation
	counters   map[string]memCounter
	now        func() time.Time
}

type memOperation struct {
	snap    OperationSnapshot
	expires time.Time
}

type memCounter struct {
	n       int64
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		operations: make(map[uuid.UUID]memOperation),
		counters:   make(map[string]memCounter),
		now:        time.Now,
	}
}

var _ Cache = (*MemoryCache)(nil)

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

func (c *MemoryCache) PutOperation(_ context.Context, snap OperationSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations[snap.ID] = memOperation{snap: snap, expires: c.expiry(ttl)}
	return nil
}

func (c *MemoryCache) Operation(_ context.Context, opID uuid.UUID) (*OperationSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.operations[opID]
	if !ok {
		return nil, false, nil
	}
	if c.expired(e.expires) {
		delete(c.operations, opID)
		return nil, false, nil
	}
	snap := e.snap
	return &snap, true, nil
}

// IncrWithExpiry keeps the window of the first increment, like INCR followed
// by EXPIRE on a fresh key.
func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.counters[key]
	if !ok || c.expired(e.expires) {
		e = memCounter{expires: c.expiry(expiry)}
	}
	e.n++
	c.counters[key] = e
	return e.n, nil
}

func (c *MemoryCache) expired(at time.Time) bool {
	return !at.IsZero() && !c.now().Before(at)
}

func (c *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}
