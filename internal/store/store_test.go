package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("tenantplane_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// backends returns every Store implementation the contract runs against.
func backends(t *testing.T) map[string]func(t *testing.T) store.Store {
	t.Helper()
	return map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemoryStore() },
		"postgres": func(t *testing.T) store.Store {
			if testing.Short() {
				t.Skip("skipping integration test")
			}
			return store.NewPostgresStore(setupTestDB(t))
		},
	}
}

func newTenant(name string) *models.Tenant {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Tenant{
		ID:             uuid.New(),
		Name:           name,
		DisplayName:    name + " Inc",
		Tier:           "small",
		Quota:          models.ResourceQuota{CPU: "500m", Memory: "1Gi", Storage: "10Gi", Replicas: 1},
		Domain:         name + ".example.com",
		Region:         "eu-west-1",
		State:          models.StateRequested,
		StateEnteredAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// --- Tenants ---

func TestTenant_CreateGetAndUniqueness(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			acme := newTenant("acme")
			require.NoError(t, s.CreateTenant(ctx, acme))

			got, err := s.GetTenant(ctx, acme.ID)
			require.NoError(t, err)
			assert.Equal(t, "acme", got.Name)
			assert.Equal(t, int32(1), got.Quota.Replicas)
			assert.Equal(t, models.StateRequested, got.State)

			byName, err := s.GetTenantByName(ctx, "acme")
			require.NoError(t, err)
			assert.Equal(t, acme.ID, byName.ID)

			dup := newTenant("other")
			dup.Domain = acme.Domain
			assert.ErrorIs(t, s.CreateTenant(ctx, dup), store.ErrDuplicateKey)

			conflict, err := s.FindTenantConflict(ctx, "nobody", acme.Domain)
			require.NoError(t, err)
			assert.Equal(t, acme.ID, conflict.ID)

			_, err = s.FindTenantConflict(ctx, "nobody", "nobody.example.com")
			assert.ErrorIs(t, err, store.ErrNotFound)

			_, err = s.GetTenant(ctx, uuid.New())
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestTenant_TransitionIsCompareAndSet(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			acme := newTenant("acme")
			require.NoError(t, s.CreateTenant(ctx, acme))

			got, err := s.TransitionTenant(ctx, acme.ID, models.StateRequested, models.StateValidating,
				store.IncrementProvisionAttempts())
			require.NoError(t, err)
			assert.Equal(t, models.StateValidating, got.State)
			assert.Equal(t, 1, got.ProvisionAttempts)
			assert.False(t, got.StateEnteredAt.Before(acme.StateEnteredAt))

			_, err = s.TransitionTenant(ctx, acme.ID, models.StateRequested, models.StateValidating)
			assert.ErrorIs(t, err, store.ErrStateConflict)

			_, err = s.TransitionTenant(ctx, uuid.New(), models.StateRequested, models.StateValidating)
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestTenant_UpdateOptions(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			acme := newTenant("acme")
			require.NoError(t, s.CreateTenant(ctx, acme))

			large := models.ResourceQuota{CPU: "2", Memory: "4Gi", Storage: "200Gi", Replicas: 3}
			got, err := s.UpdateTenant(ctx, acme.ID,
				store.WithTier("large", large),
				store.WithEndpoint("http://tenant-app.tenant-acme.svc:8080"),
				store.WithLastError("boom"),
				store.WithSuspendReason("billing"))
			require.NoError(t, err)
			assert.Equal(t, "large", got.Tier)
			assert.Equal(t, large, got.Quota)
			require.NotNil(t, got.LastError)
			require.NotNil(t, got.SuspendReason)

			got, err = s.UpdateTenant(ctx, acme.ID, store.ClearLastError(), store.ClearSuspendReason())
			require.NoError(t, err)
			assert.Nil(t, got.LastError)
			assert.Nil(t, got.SuspendReason)
			assert.Equal(t, models.StateRequested, got.State)
		})
	}
}

func TestTenant_ListFilters(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			for _, n := range []string{"alpha", "bravo", "charlie"} {
				require.NoError(t, s.CreateTenant(ctx, newTenant(n)))
			}
			b, err := s.GetTenantByName(ctx, "bravo")
			require.NoError(t, err)
			_, err = s.TransitionTenant(ctx, b.ID, models.StateRequested, models.StateValidating)
			require.NoError(t, err)

			all, total, err := s.ListTenants(ctx, store.TenantFilter{})
			require.NoError(t, err)
			assert.Equal(t, 3, total)
			assert.Len(t, all, 3)

			validating, total, err := s.ListTenants(ctx, store.TenantFilter{States: []models.LifecycleState{models.StateValidating}})
			require.NoError(t, err)
			assert.Equal(t, 1, total)
			require.Len(t, validating, 1)
			assert.Equal(t, "bravo", validating[0].Name)

			page2, _, err := s.ListTenants(ctx, store.TenantFilter{Page: 2, Limit: 2})
			require.NoError(t, err)
			assert.Len(t, page2, 1)
		})
	}
}

// --- Deployments ---

func TestDeployment_UpsertKeepsStatusSinceAndAnnotations(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			acme := newTenant("acme")
			require.NoError(t, s.CreateTenant(ctx, acme))

			d := &models.Deployment{
				TenantID: acme.ID, Namespace: "tenant-acme", WorkloadName: "tenant-app",
				ManifestRevision: "rev1", Manifest: []byte(`{"replicas":1}`), Replicas: 1,
				Quota: acme.Quota, Status: models.WorkloadReady,
			}
			require.NoError(t, s.UpsertDeployment(ctx, d))
			first, err := s.GetDeployment(ctx, acme.ID)
			require.NoError(t, err)

			require.NoError(t, s.AnnotateDeployment(ctx, acme.ID, map[string]string{"health.last": "ok"}))

			d.ManifestRevision = "rev2"
			d.StatusSince = time.Time{}
			require.NoError(t, s.UpsertDeployment(ctx, d))

			got, err := s.GetDeployment(ctx, acme.ID)
			require.NoError(t, err)
			assert.Equal(t, "rev2", got.ManifestRevision)
			assert.WithinDuration(t, first.StatusSince, got.StatusSince, time.Millisecond)
			assert.Equal(t, "ok", got.Annotations["health.last"])
			assert.JSONEq(t, `{"replicas":1}`, string(got.Manifest))

			assert.ErrorIs(t, s.AnnotateDeployment(ctx, uuid.New(), map[string]string{"a": "b"}), store.ErrNotFound)
		})
	}
}

// --- Configuration ---

func TestConfigurationRecords_MonotonicAndWriteOnce(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			acme := newTenant("acme")
			require.NoError(t, s.CreateTenant(ctx, acme))

			var ids []uuid.UUID
			for i := 0; i < 3; i++ {
				r := &models.ConfigurationRecord{
					ID: uuid.New(), TenantID: acme.ID, CorrelationID: uuid.New(),
					Kind: models.RecordUpdate, Payload: map[string]string{"plan": "gold"},
					Target: models.TargetBoth, Strategy: models.StrategyControlPlaneFirst,
					Consistency: models.ConsistencyPending,
				}
				require.NoError(t, s.AppendConfigurationRecord(ctx, r))
				assert.Equal(t, int64(i+1), r.Sequence)
				ids = append(ids, r.ID)
			}

			incomplete, err := s.ListIncompleteConfigurationRecords(ctx)
			require.NoError(t, err)
			assert.Len(t, incomplete, 3)

			outcome := models.RecordOutcome{
				ControlPlane: models.OutcomeApplied, Instance: models.OutcomeApplied,
				Consistency: models.ConsistencyConsistent,
			}
			require.NoError(t, s.CompleteConfigurationRecord(ctx, ids[0], outcome))
			assert.ErrorIs(t, s.CompleteConfigurationRecord(ctx, ids[0], outcome), store.ErrAlreadyCompleted)
			assert.ErrorIs(t, s.CompleteConfigurationRecord(ctx, uuid.New(), outcome), store.ErrNotFound)

			latest, err := s.LatestConfigurationRecord(ctx, acme.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(3), latest.Sequence)

			first, err := s.GetConfigurationRecord(ctx, ids[0])
			require.NoError(t, err)
			assert.Equal(t, models.ConsistencyConsistent, first.Consistency)
			assert.NotNil(t, first.CompletedAt)
		})
	}
}

func TestConfigurationRecords_ConcurrentAppendsNeverShareSequence(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			acme := newTenant("acme")
			require.NoError(t, s.CreateTenant(ctx, acme))

			const n = 20
			seqs := make(chan int64, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r := &models.ConfigurationRecord{
						ID: uuid.New(), TenantID: acme.ID, CorrelationID: uuid.New(),
						Kind: models.RecordUpdate, Target: models.TargetBoth,
						Strategy: models.StrategySynchronized, Consistency: models.ConsistencyPending,
					}
					if assert.NoError(t, s.AppendConfigurationRecord(ctx, r)) {
						seqs <- r.Sequence
					}
				}()
			}
			wg.Wait()
			close(seqs)

			seen := map[int64]bool{}
			for seq := range seqs {
				assert.False(t, seen[seq], "sequence %d assigned twice", seq)
				seen[seq] = true
			}
			assert.Len(t, seen, n)
		})
	}
}

func TestTenantConfig_OptimisticVersion(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			acme := newTenant("acme")
			require.NoError(t, s.CreateTenant(ctx, acme))

			_, err := s.GetTenantConfig(ctx, acme.ID)
			assert.ErrorIs(t, err, store.ErrNotFound)

			cfg := &models.TenantConfig{TenantID: acme.ID, Values: map[string]string{"plan": "gold"}}
			require.NoError(t, s.SaveTenantConfig(ctx, cfg, 0))
			assert.Equal(t, int64(1), cfg.Version)

			stale := &models.TenantConfig{TenantID: acme.ID, Values: map[string]string{"plan": "silver"}}
			assert.ErrorIs(t, s.SaveTenantConfig(ctx, stale, 0), store.ErrVersionConflict)

			cfg.Values["plan"] = "platinum"
			require.NoError(t, s.SaveTenantConfig(ctx, cfg, 1))

			got, err := s.GetTenantConfig(ctx, acme.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.Version)
			assert.Equal(t, "platinum", got.Values["plan"])
		})
	}
}

// --- Health ---

func TestHealthResults_LatestAndPrune(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			acme := newTenant("acme")
			require.NoError(t, s.CreateTenant(ctx, acme))

			base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
			for i := 0; i < 5; i++ {
				require.NoError(t, s.AppendHealthResult(ctx, &models.HealthCheckResult{
					ID: uuid.New(), TenantID: acme.ID, CheckedAt: base.Add(time.Duration(i) * time.Minute),
					Live: i != 4, ClusterStatus: models.WorkloadReady, SLACompliant: i != 4,
				}))
			}

			latest, err := s.LatestHealthResult(ctx, acme.ID)
			require.NoError(t, err)
			assert.False(t, latest.Live)

			pruned, err := s.PruneHealthResults(ctx, base.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, int64(2), pruned)

			rest, err := s.ListHealthResults(ctx, acme.ID, 0)
			require.NoError(t, err)
			assert.Len(t, rest, 3)
		})
	}
}

// --- Audit ---

func TestAuditEvents_FilterByTenantAndCorrelation(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tenantA, tenantB := uuid.New(), uuid.New()
			corr := uuid.New()

			for i, tid := range []uuid.UUID{tenantA, tenantB, tenantA} {
				id := tid
				c := uuid.New()
				if i == 2 {
					c = corr
				}
				require.NoError(t, s.AppendAuditEvent(ctx, &models.AuditEvent{
					ID: uuid.New(), CorrelationID: c, Source: "orchestrator", TenantID: &id,
					Type: "tenant.transition", CreatedAt: time.Now().UTC(),
				}))
			}

			byTenant, err := s.ListAuditEvents(ctx, store.AuditFilter{TenantID: &tenantA})
			require.NoError(t, err)
			require.Len(t, byTenant, 2)
			assert.Less(t, byTenant[0].Sequence, byTenant[1].Sequence)

			byCorr, err := s.ListAuditEvents(ctx, store.AuditFilter{CorrelationID: &corr})
			require.NoError(t, err)
			require.Len(t, byCorr, 1)
			assert.Equal(t, tenantA, *byCorr[0].TenantID)

			after, err := s.ListAuditEvents(ctx, store.AuditFilter{AfterSequence: byTenant[0].Sequence})
			require.NoError(t, err)
			assert.Len(t, after, 2)
		})
	}
}

// --- Recovery runs ---

func TestRecoveryRun_CreateUpdateGet(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tid := uuid.New()
			run := &models.DisasterRecoveryRun{
				ID: uuid.New(), CorrelationID: uuid.New(),
				Affected: []models.AffectedTenant{{
					TenantID: tid, Reasons: []string{models.ReasonLivenessFailing},
					Evidence: []models.Evidence{{Kind: "health", Ref: uuid.NewString(), Detail: "3 failures"}},
				}},
				TenantStatus: map[string]models.TenantRecoveryStatus{tid.String(): models.TenantRecoveryPending},
				Status:       models.RunDetected,
				DetectedAt:   time.Now().UTC().Truncate(time.Microsecond),
			}
			require.NoError(t, s.CreateRecoveryRun(ctx, run))

			run.Status = models.RunCompleted
			run.TenantStatus[tid.String()] = models.TenantRecoveryRecovered
			require.NoError(t, s.UpdateRecoveryRun(ctx, run))

			got, err := s.GetRecoveryRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RunCompleted, got.Status)
			assert.Equal(t, models.TenantRecoveryRecovered, got.TenantStatus[tid.String()])
			require.Len(t, got.Affected, 1)
			assert.True(t, got.Affected[0].HasReason(models.ReasonLivenessFailing))

			runs, err := s.ListRecoveryRuns(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, runs, 1)
		})
	}
}

// --- Operations ---

func TestOperation_StatusTransitions(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now().UTC()
			op := &models.Operation{ID: uuid.New(), Type: models.OpProvision, Status: models.OperationPending,
				CreatedAt: now, UpdatedAt: now}
			require.NoError(t, s.CreateOperation(ctx, op))

			assert.Error(t, s.UpdateOperationStatus(ctx, op.ID, models.OperationCompleted))
			require.NoError(t, s.UpdateOperationStatus(ctx, op.ID, models.OperationRunning))
			require.NoError(t, s.UpdateOperationStatus(ctx, op.ID, models.OperationFailed,
				store.WithOperationError("CONFLICT", "tenant busy")))

			got, err := s.GetOperation(ctx, op.ID)
			require.NoError(t, err)
			assert.Equal(t, models.OperationFailed, got.Status)
			require.NotNil(t, got.ErrorCode)
			assert.Equal(t, "CONFLICT", *got.ErrorCode)
			assert.NotNil(t, got.StartedAt)
			assert.NotNil(t, got.CompletedAt)

			assert.ErrorIs(t, s.UpdateOperationStatus(ctx, uuid.New(), models.OperationRunning), store.ErrNotFound)
		})
	}
}

// --- API Keys ---

func TestAPIKey_CreateListRevoke(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Microsecond)
			key := &models.APIKey{
				ID: uuid.New(), Name: "ops", KeyHash: "bcrypt-hash", KeyPrefix: "tp_abcde",
				Scopes: []string{models.ScopeRead, models.ScopeOperate}, CreatedAt: now, UpdatedAt: now,
			}
			require.NoError(t, s.CreateAPIKey(ctx, key))
			assert.ErrorIs(t, s.CreateAPIKey(ctx, key), store.ErrDuplicateKey)

			keys, err := s.GetAPIKeyByPrefix(ctx, "tp_abcde")
			require.NoError(t, err)
			require.Len(t, keys, 1)
			assert.Equal(t, []string{"read", "operate"}, keys[0].Scopes)

			require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
			require.NoError(t, s.RevokeAPIKey(ctx, key.ID))
			assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID), store.ErrNotFound)

			listed, err := s.ListAPIKeys(ctx)
			require.NoError(t, err)
			assert.Empty(t, listed)
		})
	}
}
