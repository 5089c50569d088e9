package tenantlock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/tenantlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire_SecondHolderConflicts(t *testing.T) {
	reg := tenantlock.New()
	id := uuid.New()

	l, err := reg.TryAcquire(id, "scale")
	require.NoError(t, err)

	_, err = reg.TryAcquire(id, "suspend")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Contains(t, err.Error(), "scale")

	other, err := reg.TryAcquire(uuid.New(), "scale")
	require.NoError(t, err)
	other.Release()

	l.Release()
	l.Release()

	again, err := reg.TryAcquire(id, "suspend")
	require.NoError(t, err)
	again.Release()
	assert.Equal(t, 0, reg.Held())
}

func TestTryAcquire_ConcurrentExactlyOneWins(t *testing.T) {
	reg := tenantlock.New()
	id := uuid.New()

	const n = 50
	var wins, conflicts int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	var leases sync.Map

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			l, err := reg.TryAcquire(id, "op")
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrConflict)
				atomic.AddInt32(&conflicts, 1)
				return
			}
			atomic.AddInt32(&wins, 1)
			leases.Store(i, l)
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(n-1), conflicts)
}

func TestAcquireForTermination_WaitsAndPreempts(t *testing.T) {
	reg := tenantlock.New()
	id := uuid.New()

	l, err := reg.TryAcquire(id, "scale")
	require.NoError(t, err)
	require.NoError(t, l.Checkpoint())

	acquired := make(chan *tenantlock.Lease, 1)
	go func() {
		tl, err := reg.AcquireForTermination(context.Background(), id)
		assert.NoError(t, err)
		acquired <- tl
	}()

	select {
	case <-l.Preempted():
	case <-time.After(time.Second):
		t.Fatal("holder was not asked to stop")
	}
	assert.ErrorIs(t, l.Checkpoint(), tenantlock.ErrPreempted)
	assert.ErrorIs(t, l.Checkpoint(), apperr.ErrConflict)

	_, err = reg.TryAcquire(id, "resume")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	select {
	case <-acquired:
		t.Fatal("termination acquired before release")
	case <-time.After(20 * time.Millisecond):
	}

	l.Release()
	tl := <-acquired
	holder, ok := reg.Holder(id)
	assert.True(t, ok)
	assert.Equal(t, "terminate", holder)

	_, err = reg.AcquireForTermination(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	tl.Release()
	_, ok = reg.Holder(id)
	assert.False(t, ok)
}

func TestAcquireForTermination_ContextTimeout(t *testing.T) {
	reg := tenantlock.New()
	id := uuid.New()
	l, err := reg.TryAcquire(id, "provision")
	require.NoError(t, err)
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg.AcquireForTermination(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrTimeout)

	// The reservation is dropped so a later termination can try again.
	l.Release()
	tl, err := reg.AcquireForTermination(context.Background(), id)
	require.NoError(t, err)
	tl.Release()
}
