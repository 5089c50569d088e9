package configsync_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/configsync"
	"github.com/kiranshivaraju/tenantplane/internal/instance"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const endpoint = "http://tenant-app.tenant-acme.svc:8080"

type harness struct {
	store  *store.MemoryStore
	fleet  *instance.Fleet
	coord  *configsync.Coordinator
	tenant *models.Tenant
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: store.NewMemoryStore(), fleet: instance.NewFleet()}
	h.coord = configsync.NewCoordinator(h.store, h.fleet, audit.NewRecorder(h.store, slog.Default()), slog.Default())
	h.tenant = &models.Tenant{
		ID: uuid.New(), Name: "acme", Domain: "acme.example.com", Tier: "standard",
		Region: "eu-west-1", Endpoint: endpoint, State: models.StateActive,
	}
	require.NoError(t, h.store.CreateTenant(context.Background(), h.tenant))
	h.fleet.Start(endpoint)
	return h
}

func (h *harness) controlPlane(t *testing.T) map[string]string {
	t.Helper()
	cfg, err := h.coord.Current(context.Background(), h.tenant.ID)
	require.NoError(t, err)
	return cfg.Values
}

func (h *harness) instanceValues(t *testing.T) map[string]string {
	t.Helper()
	cfg, err := h.fleet.GetConfig(context.Background(), endpoint)
	require.NoError(t, err)
	return cfg.Values
}

// --- Diff ---

func TestDiff_ControlPlaneKeySetIsAuthoritative(t *testing.T) {
	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	have := map[string]string{"a": "1", "b": "x", "extra": "ignored"}

	assert.Equal(t, []string{"b", "c"}, configsync.Diff(want, have))
	assert.Empty(t, configsync.Diff(want, want))
}

// --- CoordinateUpdate ---

func TestCoordinateUpdate_ControlPlaneFirst_Consistent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"max_connections": "200"},
		models.StrategyControlPlaneFirst, configsync.Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), rec.Sequence)
	assert.Equal(t, models.OutcomeApplied, rec.ControlPlaneOutcome)
	assert.Equal(t, models.OutcomeApplied, rec.InstanceOutcome)
	assert.Equal(t, models.ConsistencyConsistent, rec.Consistency)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, "200", h.controlPlane(t)["max_connections"])
	assert.Equal(t, "200", h.instanceValues(t)["max_connections"])
}

func TestCoordinateUpdate_MergesOverExistingValues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"a": "1", "b": "2"},
		models.StrategyControlPlaneFirst, configsync.Options{})
	require.NoError(t, err)
	_, err = h.coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"b": "3"},
		models.StrategyControlPlaneFirst, configsync.Options{})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, h.controlPlane(t))
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, h.instanceValues(t))
}

func TestCoordinateUpdate_ControlPlaneFirst_InstanceFailure_RollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"timeout": "30s"},
		models.StrategyControlPlaneFirst, configsync.Options{})
	require.NoError(t, err)

	h.fleet.FailNext(endpoint, "apply_config", instance.ErrInstanceUnreachable)
	rec, err := h.coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"timeout": "60s"},
		models.StrategyControlPlaneFirst, configsync.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrAdapter))

	assert.Equal(t, models.OutcomeRolledBack, rec.ControlPlaneOutcome)
	assert.Equal(t, models.OutcomeFailed, rec.InstanceOutcome)
	assert.Equal(t, models.ConsistencyNotValidated, rec.Consistency)
	assert.Equal(t, "30s", h.controlPlane(t)["timeout"])

	records, err := h.coord.Records(ctx, h.tenant.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	rollback := records[0]
	assert.Equal(t, models.RecordRollback, rollback.Kind)
	require.NotNil(t, rollback.RefSequence)
	assert.Equal(t, rec.Sequence, *rollback.RefSequence)
	assert.Equal(t, models.OutcomeApplied, rollback.ControlPlaneOutcome)
	assert.Equal(t, "60s", records[1].Payload["timeout"], "original intent must stay untouched")
}

func TestCoordinateUpdate_ControlPlaneFirst_FirstConfig_RollsBackToEmpty(t *testing.T) {
	h := newHarness(t)
	h.fleet.FailNext(endpoint, "apply_config", instance.ErrInstanceTimeout)

	_, err := h.coord.CoordinateUpdate(context.Background(), h.tenant, map[string]string{"k": "v"},
		models.StrategyControlPlaneFirst, configsync.Options{})
	require.Error(t, err)
	assert.Empty(t, h.controlPlane(t))
}

func TestCoordinateUpdate_Synchronized_InstanceFailure_RollsBackControlPlane(t *testing.T) {
	h := newHarness(t)
	h.fleet.FailNext(endpoint, "apply_config", instance.ErrInstanceUnreachable)

	rec, err := h.coord.CoordinateUpdate(context.Background(), h.tenant, map[string]string{"k": "v"},
		models.StrategySynchronized, configsync.Options{})
	require.Error(t, err)

	assert.Equal(t, models.OutcomeRolledBack, rec.ControlPlaneOutcome)
	assert.Equal(t, models.OutcomeFailed, rec.InstanceOutcome)
	assert.Empty(t, h.controlPlane(t))
}

func TestCoordinateUpdate_Synchronized_ControlPlaneFailure_RestoresInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"k": "v1"},
		models.StrategySynchronized, configsync.Options{})
	require.NoError(t, err)

	cs := &casStore{MemoryStore: h.store, failSaves: 1}
	coord := configsync.NewCoordinator(cs, h.fleet, audit.NewRecorder(h.store, slog.Default()), slog.Default())

	rec, err := coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"k": "v2"},
		models.StrategySynchronized, configsync.Options{})
	require.Error(t, err)

	var merr *multierror.Error
	assert.False(t, errors.As(err, &merr), "only the control plane failed")
	assert.Equal(t, models.OutcomeFailed, rec.ControlPlaneOutcome)
	assert.Equal(t, models.OutcomeRolledBack, rec.InstanceOutcome)
	assert.Equal(t, "v1", h.controlPlane(t)["k"])
	assert.Equal(t, "v1", h.instanceValues(t)["k"])
}

func TestCoordinateUpdate_Synchronized_DualFailure_AggregatesErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"k": "v1"},
		models.StrategySynchronized, configsync.Options{})
	require.NoError(t, err)

	cs := &casStore{MemoryStore: h.store, failSaves: 1}
	coord := configsync.NewCoordinator(cs, h.fleet, audit.NewRecorder(h.store, slog.Default()), slog.Default())
	h.fleet.FailNext(endpoint, "apply_config", instance.ErrInstanceUnreachable)

	rec, err := coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"k": "v2"},
		models.StrategySynchronized, configsync.Options{})
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.GreaterOrEqual(t, len(merr.Errors), 2)
	assert.Equal(t, models.OutcomeFailed, rec.ControlPlaneOutcome)
	assert.Equal(t, models.OutcomeRolledBack, rec.InstanceOutcome)
	assert.Equal(t, "v1", h.instanceValues(t)["k"])
}

func TestCoordinateUpdate_ControlPlaneOnly_SkipsInstance(t *testing.T) {
	h := newHarness(t)

	rec, err := h.coord.CoordinateUpdate(context.Background(), h.tenant, map[string]string{"k": "v"},
		models.StrategyControlPlaneFirst, configsync.Options{Target: models.TargetControlPlane})
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSkipped, rec.InstanceOutcome)
	assert.Equal(t, models.ConsistencyNotValidated, rec.Consistency)
	assert.Equal(t, 0, h.fleet.ApplyCalls(endpoint))
}

func TestCoordinateUpdate_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.CoordinateUpdate(ctx, h.tenant, nil, models.StrategyControlPlaneFirst, configsync.Options{})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = h.coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"k": "v"}, "eventual", configsync.Options{})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	noInstance := *h.tenant
	noInstance.Endpoint = ""
	_, err = h.coord.CoordinateUpdate(ctx, &noInstance, map[string]string{"k": "v"}, models.StrategyControlPlaneFirst, configsync.Options{})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	records, _ := h.coord.Records(ctx, h.tenant.ID, 0)
	assert.Empty(t, records, "rejected requests write no records")
}

func TestCoordinateUpdate_SequencesAreMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"n": string(rune('a' + i))},
			models.StrategyControlPlaneFirst, configsync.Options{})
		require.NoError(t, err)
	}

	records, err := h.coord.Records(ctx, h.tenant.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, int64(5-i), r.Sequence)
	}
}

// --- HotReload ---

func TestHotReload_SendsComponent(t *testing.T) {
	h := newHarness(t)

	rec, err := h.coord.HotReload(context.Background(), h.tenant, "rate_limiter", map[string]string{"rps": "500"})
	require.NoError(t, err)
	assert.Equal(t, models.RecordHotReload, rec.Kind)
	assert.Equal(t, []string{"rate_limiter"}, rec.Components)
	assert.Equal(t, "500", h.instanceValues(t)["rps"])

	_, err = h.coord.HotReload(context.Background(), h.tenant, "", map[string]string{"rps": "1"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

// --- Validate / Resync ---

func TestValidate_DetectsOutOfBandDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"a": "1", "b": "2"},
		models.StrategyControlPlaneFirst, configsync.Options{})
	require.NoError(t, err)

	fields, err := h.coord.Validate(ctx, h.tenant)
	require.NoError(t, err)
	assert.Empty(t, fields)

	h.fleet.SetConfigValue(endpoint, "b", "edited")
	fields, err = h.coord.Validate(ctx, h.tenant)
	require.Error(t, err)

	var drift *apperr.DriftError
	require.True(t, errors.As(err, &drift))
	assert.Equal(t, []string{"b"}, fields)
	assert.Equal(t, []string{"b"}, drift.Fields)
	assert.Equal(t, int64(1), drift.Sequence)
	assert.True(t, errors.Is(err, apperr.ErrConfigurationDrift))
}

func TestResync_PushesControlPlaneToInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.CoordinateUpdate(ctx, h.tenant, map[string]string{"a": "1"},
		models.StrategyControlPlaneFirst, configsync.Options{})
	require.NoError(t, err)
	h.fleet.SetConfigValue(endpoint, "a", "edited")

	rec, err := h.coord.Resync(ctx, h.tenant)
	require.NoError(t, err)
	assert.Equal(t, models.RecordResync, rec.Kind)
	assert.Equal(t, models.OutcomeSkipped, rec.ControlPlaneOutcome)
	assert.Equal(t, models.ConsistencyConsistent, rec.Consistency)
	assert.Equal(t, "1", h.instanceValues(t)["a"])
}

func TestResync_NothingToPush(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Resync(context.Background(), h.tenant)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

// --- ReplayIncomplete ---

func TestReplayIncomplete_AbandonsAndReplays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// An intent written just before a crash.
	orphan := &models.ConfigurationRecord{
		ID: uuid.New(), TenantID: h.tenant.ID, Kind: models.RecordUpdate,
		Payload: map[string]string{"k": "v"}, Target: models.TargetBoth,
		Strategy: models.StrategyControlPlaneFirst, Consistency: models.ConsistencyPending,
	}
	require.NoError(t, h.store.AppendConfigurationRecord(ctx, orphan))

	var leased []uuid.UUID
	lease := func(id uuid.UUID, holder string) (func(), error) {
		leased = append(leased, id)
		return func() {}, nil
	}

	n, err := h.coord.ReplayIncomplete(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{h.tenant.ID}, leased)

	abandoned, err := h.store.GetConfigurationRecord(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAbandoned, abandoned.ControlPlaneOutcome)
	assert.NotNil(t, abandoned.CompletedAt)

	latest, err := h.store.LatestConfigurationRecord(ctx, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordReplay, latest.Kind)
	require.NotNil(t, latest.RefSequence)
	assert.Equal(t, orphan.Sequence, *latest.RefSequence)
	assert.Equal(t, "v", h.instanceValues(t)["k"])

	incomplete, err := h.store.ListIncompleteConfigurationRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestReplayIncomplete_SkipsInactiveTenantsAndBusyLeases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	suspended := &models.Tenant{ID: uuid.New(), Name: "dormant", Domain: "dormant.example.com",
		Tier: "standard", Region: "eu-west-1", Endpoint: endpoint, State: models.StateSuspended}
	require.NoError(t, h.store.CreateTenant(ctx, suspended))

	for _, id := range []uuid.UUID{h.tenant.ID, suspended.ID} {
		require.NoError(t, h.store.AppendConfigurationRecord(ctx, &models.ConfigurationRecord{
			ID: uuid.New(), TenantID: id, Kind: models.RecordUpdate, Payload: map[string]string{"k": "v"},
			Target: models.TargetBoth, Strategy: models.StrategyControlPlaneFirst,
		}))
	}

	busy := func(id uuid.UUID, holder string) (func(), error) {
		return nil, apperr.Conflict(id, "scale")
	}
	n, err := h.coord.ReplayIncomplete(ctx, busy)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, h.fleet.ApplyCalls(endpoint))
}

// casStore fails the next failSaves SaveTenantConfig calls with a version conflict.
type casStore struct {
	*store.MemoryStore
	failSaves int
}

func (s *casStore) SaveTenantConfig(ctx context.Context, cfg *models.TenantConfig, expected int64) error {
	if s.failSaves > 0 {
		s.failSaves--
		return store.ErrVersionConflict
	}
	return s.MemoryStore.SaveTenantConfig(ctx, cfg, expected)
}
