// Package secrets provisions, propagates and rotates tenant secrets. Values
// live only in the secret Store; the control plane keeps version bookkeeping.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/cluster"
	"github.com/kiranshivaraju/tenantplane/internal/instance"
	"github.com/kiranshivaraju/tenantplane/internal/metrics"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// Propagation modes.
const (
	ModePush = "push"
	ModePull = "pull"
)

// NamespaceStore persists secret namespace bookkeeping.
type NamespaceStore interface {
	UpsertSecretNamespace(ctx context.Context, ns *models.SecretNamespace) error
	GetSecretNamespace(ctx context.Context, tenantID uuid.UUID) (*models.SecretNamespace, error)
	ListSecretNamespaces(ctx context.Context) ([]*models.SecretNamespace, error)
}

type Config struct {
	Mode             string
	ManagedKeys      []string
	ValueBytes       int
	MaxVersions      int
	AdoptionPolls    int
	AdoptionInterval time.Duration
	DefaultPolicy    models.RotationPolicy
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModePush
	}
	if len(c.ManagedKeys) == 0 {
		c.ManagedKeys = []string{"db_password", "api_signing_key"}
	}
	if c.ValueBytes <= 0 {
		c.ValueBytes = 32
	}
	if c.MaxVersions < 2 {
		c.MaxVersions = 10
	}
	if c.AdoptionPolls <= 0 {
		c.AdoptionPolls = 10
	}
	if c.AdoptionInterval <= 0 {
		c.AdoptionInterval = 3 * time.Second
	}
	if c.DefaultPolicy.GraceWindow <= 0 {
		c.DefaultPolicy.GraceWindow = time.Hour
	}
	if c.DefaultPolicy.Interval <= 0 {
		c.DefaultPolicy.Interval = 30 * 24 * time.Hour
	}
	return c
}

// TargetResult is the outcome on one side of a provision.
type TargetResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type ProvisionResult struct {
	Version            int          `json:"version"`
	ControlPlane       TargetResult `json:"control_plane"`
	Instance           TargetResult `json:"tenant_instance"`
	PropagationPending bool         `json:"propagation_pending"`
}

type RotationResult struct {
	Completed       bool `json:"completed"`
	CurrentVersion  int  `json:"current_version"`
	PreviousVersion int  `json:"previous_version,omitempty"`
	PendingVersion  int  `json:"pending_version,omitempty"`
}

type Coordinator struct {
	namespaces NamespaceStore
	backend    Store
	cluster    cluster.Adapter
	instances  instance.Client
	recorder   *audit.Recorder
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func NewCoordinator(namespaces NamespaceStore, backend Store, adapter cluster.Adapter, instances instance.Client,
	recorder *audit.Recorder, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		namespaces: namespaces,
		backend:    backend,
		cluster:    adapter,
		instances:  instances,
		recorder:   recorder,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
}

func namespacePath(t *models.Tenant) string {
	return "tenants/" + t.Name
}

// GenerateValues returns fresh random values for the managed keys.
func (c *Coordinator) GenerateValues() (map[string]string, error) {
	return c.generate(c.cfg.ManagedKeys)
}

func (c *Coordinator) generate(keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	buf := make([]byte, c.cfg.ValueBytes)
	for _, k := range keys {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generating secret %s: %w", k, err)
		}
		out[k] = base64.RawURLEncoding.EncodeToString(buf)
	}
	return out, nil
}

// CreateNamespace is idempotent: an existing live namespace is returned as is.
func (c *Coordinator) CreateNamespace(ctx context.Context, t *models.Tenant) (*models.SecretNamespace, error) {
	ns, err := c.namespaces.GetSecretNamespace(ctx, t.ID)
	if err == nil && ns.DestroyedAt == nil {
		return ns, nil
	}
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("loading secret namespace: %w", err)
	}

	path := namespacePath(t)
	if err := c.backend.EnsureNamespace(ctx, path, c.cfg.MaxVersions); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrAdapter, err)
	}

	ns = &models.SecretNamespace{
		TenantID: t.ID,
		Path:     path,
		State:    models.RotationIdle,
		Policy:   c.cfg.DefaultPolicy,
	}
	if err := c.namespaces.UpsertSecretNamespace(ctx, ns); err != nil {
		return nil, fmt.Errorf("saving secret namespace: %w", err)
	}
	c.recorder.Record(ctx, audit.Event{
		Source: audit.SourceSecrets, Target: audit.TargetSecretStore, TenantID: t.ID,
		Type: "secrets.namespace_created", Payload: map[string]any{"path": path},
	})
	return ns, nil
}

// Namespace returns the tenant's namespace bookkeeping.
func (c *Coordinator) Namespace(ctx context.Context, tenantID uuid.UUID) (*models.SecretNamespace, error) {
	return c.namespaces.GetSecretNamespace(ctx, tenantID)
}

func (c *Coordinator) liveNamespace(ctx context.Context, t *models.Tenant) (*models.SecretNamespace, error) {
	ns, err := c.namespaces.GetSecretNamespace(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("secret namespace for %s: %w", t.Name, err)
	}
	if ns.DestroyedAt != nil {
		return nil, apperr.Validationf("secret namespace for %s was destroyed", t.Name)
	}
	return ns, nil
}

// Provision writes values as a new version merged over the current one and
// propagates it. Both targets are reported independently: a control-plane
// write with a failed propagation leaves the namespace propagation_pending
// and is not an error.
func (c *Coordinator) Provision(ctx context.Context, t *models.Tenant, values map[string]string) (*ProvisionResult, error) {
	if len(values) == 0 {
		return nil, apperr.Validationf("no secret values to provision")
	}
	ns, err := c.liveNamespace(ctx, t)
	if err != nil {
		return nil, err
	}

	merged := map[string]string{}
	if ns.CurrentVersion > 0 {
		current, _, err := c.backend.Get(ctx, ns.Path, ns.CurrentVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: reading current secrets: %v", apperr.ErrAdapter, err)
		}
		merged = current
	}
	for k, v := range values {
		merged[k] = v
	}

	result := &ProvisionResult{}
	version, err := c.backend.Put(ctx, ns.Path, merged)
	if err != nil {
		result.ControlPlane = TargetResult{Error: err.Error()}
		return result, fmt.Errorf("%w: writing secrets: %v", apperr.ErrAdapter, err)
	}
	result.Version = version
	result.ControlPlane = TargetResult{OK: true}

	ns.CurrentVersion = version
	ns.Keys = sortedKeys(merged)

	if err := c.propagate(ctx, t, version, merged); err != nil {
		c.logger.Warn("secret propagation pending", "tenant", t.Name, "version", version, "error", err)
		ns.State = models.RotationPropagationPending
		ns.PendingVersion = version
		result.Instance = TargetResult{Error: err.Error()}
		result.PropagationPending = true
	} else {
		ns.State = models.RotationIdle
		ns.PendingVersion = 0
		result.Instance = TargetResult{OK: true}
	}

	if err := c.namespaces.UpsertSecretNamespace(ctx, ns); err != nil {
		return result, fmt.Errorf("saving secret namespace: %w", err)
	}
	c.recorder.Record(ctx, audit.Event{
		Source: audit.SourceSecrets, Target: audit.TargetSecretStore, TenantID: t.ID,
		Type: "secrets.provisioned",
		Payload: map[string]any{
			"version": version, "keys": ns.Keys, "propagation_pending": result.PropagationPending,
		},
	})
	return result, nil
}

// FlushPending retries a pending propagation. A pending rotation moves on to
// adoption and completes once the instance confirms it.
func (c *Coordinator) FlushPending(ctx context.Context, t *models.Tenant) (*RotationResult, error) {
	ns, err := c.liveNamespace(ctx, t)
	if err != nil {
		return nil, err
	}
	switch ns.State {
	case models.RotationIdle:
		return rotationResult(ns, true), nil
	case models.RotationAdoptionPending:
		return c.awaitAdoption(ctx, t, ns)
	}

	data, _, err := c.backend.Get(ctx, ns.Path, ns.PendingVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: reading pending secrets: %v", apperr.ErrAdapter, err)
	}
	if err := c.propagate(ctx, t, ns.PendingVersion, data); err != nil {
		return rotationResult(ns, false), fmt.Errorf("%w: propagating secrets version %d: %v", apperr.ErrAdapter, ns.PendingVersion, err)
	}

	if ns.PendingVersion <= ns.CurrentVersion {
		ns.State = models.RotationIdle
		ns.PendingVersion = 0
		if err := c.namespaces.UpsertSecretNamespace(ctx, ns); err != nil {
			return nil, fmt.Errorf("saving secret namespace: %w", err)
		}
		c.recorder.Record(ctx, audit.Event{
			Source: audit.SourceSecrets, Target: audit.TargetInstance, TenantID: t.ID,
			Type: "secrets.propagated", Payload: map[string]any{"version": ns.CurrentVersion},
		})
		return rotationResult(ns, true), nil
	}

	ns.State = models.RotationAdoptionPending
	if err := c.namespaces.UpsertSecretNamespace(ctx, ns); err != nil {
		return nil, fmt.Errorf("saving secret namespace: %w", err)
	}
	return c.awaitAdoption(ctx, t, ns)
}

// Rotate writes fresh values for every managed key as a new version. The
// old version stays current until the instance reports adoption of the new
// one; only then does the grace window for the old version start. A rotation
// left unpropagated or unadopted is resumed instead of starting another.
func (c *Coordinator) Rotate(ctx context.Context, t *models.Tenant) (*RotationResult, error) {
	ns, err := c.liveNamespace(ctx, t)
	if err != nil {
		return nil, err
	}
	if ns.State != models.RotationIdle {
		c.logger.Info("resuming pending rotation", "tenant", t.Name, "state", ns.State, "pending", ns.PendingVersion)
		return c.FlushPending(ctx, t)
	}
	keys := ns.Keys
	if len(keys) == 0 {
		keys = c.cfg.ManagedKeys
	}
	data, err := c.generate(keys)
	if err != nil {
		return nil, err
	}

	version, err := c.backend.Put(ctx, ns.Path, data)
	if err != nil {
		return rotationResult(ns, false), fmt.Errorf("%w: writing rotated secrets: %v", apperr.ErrAdapter, err)
	}
	ns.PendingVersion = version
	ns.State = models.RotationPropagationPending
	if err := c.namespaces.UpsertSecretNamespace(ctx, ns); err != nil {
		return nil, fmt.Errorf("saving secret namespace: %w", err)
	}
	c.recorder.Record(ctx, audit.Event{
		Source: audit.SourceSecrets, Target: audit.TargetSecretStore, TenantID: t.ID,
		Type: "secrets.rotation_started", Payload: map[string]any{"from": ns.CurrentVersion, "to": version},
	})

	if err := c.propagate(ctx, t, version, data); err != nil {
		metrics.SecretRotations.WithLabelValues("propagation_failed").Inc()
		c.logger.Warn("rotation propagation failed, previous version stays current",
			"tenant", t.Name, "current", ns.CurrentVersion, "pending", version, "error", err)
		return rotationResult(ns, false), fmt.Errorf("%w: propagating rotated secrets: %v", apperr.ErrAdapter, err)
	}

	ns.State = models.RotationAdoptionPending
	if err := c.namespaces.UpsertSecretNamespace(ctx, ns); err != nil {
		return nil, fmt.Errorf("saving secret namespace: %w", err)
	}
	return c.awaitAdoption(ctx, t, ns)
}

func (c *Coordinator) awaitAdoption(ctx context.Context, t *models.Tenant, ns *models.SecretNamespace) (*RotationResult, error) {
	for i := 0; i < c.cfg.AdoptionPolls; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return rotationResult(ns, false), fmt.Errorf("%w: waiting for adoption: %v", apperr.ErrTimeout, ctx.Err())
			case <-time.After(c.cfg.AdoptionInterval):
			}
		}
		h, err := c.instances.Health(ctx, t.Endpoint)
		if err != nil {
			c.logger.Debug("adoption poll failed", "tenant", t.Name, "error", err)
			continue
		}
		if h.SecretsVersion >= ns.PendingVersion {
			return c.completeRotation(ctx, t, ns)
		}
	}
	metrics.SecretRotations.WithLabelValues("adoption_timeout").Inc()
	return rotationResult(ns, false), fmt.Errorf("%w: secrets version %d not adopted by %s after %d polls",
		apperr.ErrTimeout, ns.PendingVersion, t.Name, c.cfg.AdoptionPolls)
}

// ConfirmAdoption completes a rotation on an explicit acknowledgement from
// the tenant instance.
func (c *Coordinator) ConfirmAdoption(ctx context.Context, t *models.Tenant, version int) (*RotationResult, error) {
	ns, err := c.liveNamespace(ctx, t)
	if err != nil {
		return nil, err
	}
	if ns.State == models.RotationIdle && ns.CurrentVersion == version {
		return rotationResult(ns, true), nil
	}
	// An instance acknowledging a version it received outside a successful
	// push (pull mode, or a retry the control plane did not see) has adopted it.
	awaiting := ns.State == models.RotationAdoptionPending || ns.State == models.RotationPropagationPending
	if !awaiting || ns.PendingVersion != version {
		return rotationResult(ns, false), apperr.Validationf("version %d is not awaiting adoption (state %s, pending %d)",
			version, ns.State, ns.PendingVersion)
	}
	return c.completeRotation(ctx, t, ns)
}

func (c *Coordinator) completeRotation(ctx context.Context, t *models.Tenant, ns *models.SecretNamespace) (*RotationResult, error) {
	now := c.now().UTC()
	graceUntil := now.Add(ns.Policy.GraceWindow)
	old := ns.CurrentVersion

	// A rotation inside the grace window displaces the version still in
	// grace; it is destroyed together with old once the new window ends.
	if ns.PreviousVersion != 0 && ns.PreviousVersion != old {
		ns.RetiredVersions = append(ns.RetiredVersions, ns.PreviousVersion)
	}
	ns.PreviousVersion = old
	ns.CurrentVersion = ns.PendingVersion
	ns.PendingVersion = 0
	ns.State = models.RotationIdle
	ns.LastRotatedAt = &now
	ns.GraceUntil = &graceUntil
	if err := c.namespaces.UpsertSecretNamespace(ctx, ns); err != nil {
		return nil, fmt.Errorf("saving secret namespace: %w", err)
	}

	metrics.SecretRotations.WithLabelValues("completed").Inc()
	c.recorder.Record(ctx, audit.Event{
		Source: audit.SourceSecrets, Target: audit.TargetSecretStore, TenantID: t.ID,
		Type: "secrets.rotated",
		Payload: map[string]any{
			"previous": old, "current": ns.CurrentVersion, "grace_until": graceUntil,
		},
	})
	c.logger.Info("secrets rotated", "tenant", t.Name, "previous", old, "current", ns.CurrentVersion)
	return rotationResult(ns, true), nil
}

// ExpireGrace destroys previous versions whose grace window has elapsed.
func (c *Coordinator) ExpireGrace(ctx context.Context) (int, error) {
	all, err := c.namespaces.ListSecretNamespaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing secret namespaces: %w", err)
	}
	now := c.now()
	expired := 0
	for _, ns := range all {
		if ns.DestroyedAt != nil || ns.PreviousVersion == 0 || ns.GraceUntil == nil || now.Before(*ns.GraceUntil) {
			continue
		}
		destroyed := append(append([]int(nil), ns.RetiredVersions...), ns.PreviousVersion)
		if err := c.backend.DestroyVersions(ctx, ns.Path, destroyed...); err != nil {
			c.logger.Error("destroying expired secret versions failed", "path", ns.Path, "versions", destroyed, "error", err)
			continue
		}
		ns.PreviousVersion = 0
		ns.RetiredVersions = nil
		ns.GraceUntil = nil
		if err := c.namespaces.UpsertSecretNamespace(ctx, ns); err != nil {
			return expired, fmt.Errorf("saving secret namespace: %w", err)
		}
		c.recorder.Record(ctx, audit.Event{
			Source: audit.SourceSecrets, Target: audit.TargetSecretStore, TenantID: ns.TenantID,
			Type: "secrets.version_destroyed", Payload: map[string]any{"versions": destroyed},
		})
		expired += len(destroyed)
	}
	return expired, nil
}

// DueForRotation lists tenants whose auto-rotation interval has elapsed.
// The caller rotates each one under the tenant's lease.
func (c *Coordinator) DueForRotation(ctx context.Context) ([]uuid.UUID, error) {
	all, err := c.namespaces.ListSecretNamespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing secret namespaces: %w", err)
	}
	now := c.now()
	var due []uuid.UUID
	for _, ns := range all {
		if ns.DestroyedAt != nil || !ns.Policy.AutoRotate || ns.State != models.RotationIdle || ns.CurrentVersion == 0 {
			continue
		}
		last := ns.CreatedAt
		if ns.LastRotatedAt != nil {
			last = *ns.LastRotatedAt
		}
		if now.Sub(last) >= ns.Policy.Interval {
			due = append(due, ns.TenantID)
		}
	}
	return due, nil
}

// PendingPropagation lists tenants with a provision or rotation that has not
// reached the instance or has not been adopted yet.
func (c *Coordinator) PendingPropagation(ctx context.Context) ([]uuid.UUID, error) {
	all, err := c.namespaces.ListSecretNamespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing secret namespaces: %w", err)
	}
	var pending []uuid.UUID
	for _, ns := range all {
		if ns.DestroyedAt == nil && ns.State != models.RotationIdle {
			pending = append(pending, ns.TenantID)
		}
	}
	return pending, nil
}

// Destroy removes the tenant's secrets. Only a terminating or terminated
// tenant may lose its secrets.
func (c *Coordinator) Destroy(ctx context.Context, t *models.Tenant) error {
	if t.State != models.StateTerminating && t.State != models.StateTerminated {
		return apperr.Validationf("cannot destroy secrets of tenant %s in state %s", t.Name, t.State)
	}
	ns, err := c.namespaces.GetSecretNamespace(ctx, t.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading secret namespace: %w", err)
	}
	if ns.DestroyedAt != nil {
		return nil
	}
	if err := c.backend.DeleteNamespace(ctx, ns.Path); err != nil {
		return fmt.Errorf("%w: deleting secret namespace: %v", apperr.ErrAdapter, err)
	}
	now := c.now().UTC()
	ns.DestroyedAt = &now
	ns.State = models.RotationIdle
	ns.PendingVersion = 0
	if err := c.namespaces.UpsertSecretNamespace(ctx, ns); err != nil {
		return fmt.Errorf("saving secret namespace: %w", err)
	}
	c.recorder.Record(ctx, audit.Event{
		Source: audit.SourceSecrets, Target: audit.TargetSecretStore, TenantID: t.ID,
		Type: "secrets.destroyed", Payload: map[string]any{"path": ns.Path},
	})
	return nil
}

func (c *Coordinator) propagate(ctx context.Context, t *models.Tenant, version int, data map[string]string) error {
	if c.cfg.Mode == ModePull {
		return c.cluster.SignalReload(ctx, t.Namespace(), cluster.WorkloadName, strconv.Itoa(version))
	}
	if t.Endpoint == "" {
		return fmt.Errorf("%w: tenant %s has no endpoint yet", instance.ErrInstanceUnreachable, t.Name)
	}
	return c.instances.PushSecrets(ctx, t.Endpoint, instance.SecretsPush{Version: version, Data: data})
}

func rotationResult(ns *models.SecretNamespace, completed bool) *RotationResult {
	return &RotationResult{
		Completed:       completed,
		CurrentVersion:  ns.CurrentVersion,
		PreviousVersion: ns.PreviousVersion,
		PendingVersion:  ns.PendingVersion,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
