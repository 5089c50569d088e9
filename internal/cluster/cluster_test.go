package cluster_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
)

func apiServiceUnavailable() error {
	return k8serrors.NewServiceUnavailable("apiserver overloaded")
}

// --- Manifest ---

func TestManifestRevision_StableAndSensitive(t *testing.T) {
	a := testManifest()
	b := testManifest()
	assert.Equal(t, a.Revision(), b.Revision())

	b.Env = map[string]string{"TIER": "small", "TENANT": "acme"}
	assert.Equal(t, a.Revision(), b.Revision())

	b.Replicas = 2
	assert.NotEqual(t, a.Revision(), b.Revision())

	data, err := a.Encode()
	require.NoError(t, err)
	decoded, err := cluster.DecodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, a.Revision(), decoded.Revision())
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "http://tenant-app.tenant-acme.svc:8080", cluster.Endpoint("tenant-acme", "tenant-app", 8080))
}

// --- RetryingAdapter ---

func fastRetry() cluster.RetryConfig {
	return cluster.RetryConfig{Attempts: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond, CallTimeout: time.Second, RPS: 1000, Burst: 1000}
}

func TestRetryingAdapter_RetriesTransientThenSucceeds(t *testing.T) {
	mem := cluster.NewMemoryAdapter()
	mem.FailNext("create_namespace",
		fmt.Errorf("%w: blip", cluster.ErrTransient),
		fmt.Errorf("%w: blip", cluster.ErrTransient))
	a := cluster.NewRetryingAdapter(mem, fastRetry(), slog.Default())

	require.NoError(t, a.CreateNamespace(context.Background(), "tenant-acme", nil))
	exists, err := a.NamespaceExists(context.Background(), "tenant-acme")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRetryingAdapter_BudgetExhaustedIsAdapterError(t *testing.T) {
	var calls int32
	inner := &countingAdapter{MemoryAdapter: cluster.NewMemoryAdapter(), calls: &calls,
		err: fmt.Errorf("%w: still down", cluster.ErrTransient)}
	a := cluster.NewRetryingAdapter(inner, fastRetry(), slog.Default())

	err := a.DeleteNamespace(context.Background(), "tenant-acme")
	assert.ErrorIs(t, err, apperr.ErrAdapter)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryingAdapter_PermanentErrorNotRetried(t *testing.T) {
	var calls int32
	inner := &countingAdapter{MemoryAdapter: cluster.NewMemoryAdapter(), calls: &calls,
		err: apperr.Validationf("bad manifest")}
	a := cluster.NewRetryingAdapter(inner, fastRetry(), slog.Default())

	err := a.DeleteNamespace(context.Background(), "tenant-acme")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryingAdapter_CancelledContextIsTimeout(t *testing.T) {
	var calls int32
	inner := &countingAdapter{MemoryAdapter: cluster.NewMemoryAdapter(), calls: &calls,
		err: fmt.Errorf("%w: down", cluster.ErrTransient)}
	cfg := fastRetry()
	cfg.Attempts = 100
	cfg.Delay = 50 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	a := cluster.NewRetryingAdapter(inner, cfg, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := a.DeleteNamespace(ctx, "tenant-acme")
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Less(t, atomic.LoadInt32(&calls), int32(100))
}

type countingAdapter struct {
	*cluster.MemoryAdapter
	calls *int32
	err   error
}

func (c *countingAdapter) DeleteNamespace(ctx context.Context, namespace string) error {
	atomic.AddInt32(c.calls, 1)
	return c.err
}

// --- MemoryAdapter ---

func TestMemoryAdapter_InjectedFailuresAreConsumedInOrder(t *testing.T) {
	mem := cluster.NewMemoryAdapter()
	first, second := errors.New("first"), errors.New("second")
	mem.FailNext("namespace_exists", first, second)

	_, err := mem.NamespaceExists(context.Background(), "x")
	assert.Equal(t, first, err)
	_, err = mem.NamespaceExists(context.Background(), "x")
	assert.Equal(t, second, err)
	_, err = mem.NamespaceExists(context.Background(), "x")
	assert.NoError(t, err)
}

func TestMemoryAdapter_ApplyCountsOnlyChanges(t *testing.T) {
	mem := cluster.NewMemoryAdapter()
	ctx := context.Background()
	m := testManifest()
	require.NoError(t, mem.CreateNamespace(ctx, m.Namespace, nil))
	require.NoError(t, mem.ApplyWorkload(ctx, m))
	require.NoError(t, mem.ApplyWorkload(ctx, m))
	assert.Equal(t, 1, mem.Applies(m.Namespace))
}
