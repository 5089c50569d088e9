package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// MemoryStore is a process-local Store used for development and tests.
// Every method copies records in and out so callers never share memory
// with the store.
type MemoryStore struct {
	mu sync.RWMutex

	tenants     map[uuid.UUID]*models.Tenant
	deployments map[uuid.UUID]*models.Deployment
	secrets     map[uuid.UUID]*models.SecretNamespace
	configs     map[uuid.UUID]*models.TenantConfig
	records     []*models.ConfigurationRecord
	health      []*models.HealthCheckResult
	audit       []*models.AuditEvent
	runs        map[uuid.UUID]*models.DisasterRecoveryRun
	operations  map[uuid.UUID]*models.Operation
	keys        []*models.APIKey

	auditSeq int64
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[uuid.UUID]*models.Tenant),
		deployments: make(map[uuid.UUID]*models.Deployment),
		secrets:     make(map[uuid.UUID]*models.SecretNamespace),
		configs:     make(map[uuid.UUID]*models.TenantConfig),
		runs:        make(map[uuid.UUID]*models.DisasterRecoveryRun),
		operations:  make(map[uuid.UUID]*models.Operation),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- Tenants ---

func (s *MemoryStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tenants {
		if existing.ID == t.ID || existing.Name == t.Name || existing.Domain == t.Domain {
			return ErrDuplicateKey
		}
	}
	s.tenants[t.ID] = copyTenant(t)
	return nil
}

func (s *MemoryStore) GetTenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTenant(t), nil
}

func (s *MemoryStore) GetTenantByName(_ context.Context, name string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Name == name {
			return copyTenant(t), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindTenantConflict(_ context.Context, name, domain string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Name == name || t.Domain == domain {
			return copyTenant(t), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListTenants(_ context.Context, filter TenantFilter) ([]*models.Tenant, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[models.LifecycleState]bool, len(filter.States))
	for _, st := range filter.States {
		states[st] = true
	}

	var matched []*models.Tenant
	for _, t := range s.tenants {
		if len(states) > 0 && !states[t.State] {
			continue
		}
		if filter.Tier != "" && t.Tier != filter.Tier {
			continue
		}
		matched = append(matched, copyTenant(t))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	limit, offset := filter.normalize()
	if offset >= total {
		return []*models.Tenant{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) TransitionTenant(_ context.Context, id uuid.UUID, from, to models.LifecycleState, opts ...TenantUpdateOption) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.State != from {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStateConflict, from, t.State)
	}
	params := &tenantUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	now := s.now()
	if from != to {
		t.State = to
		t.StateEnteredAt = now
	}
	applyTenantUpdate(t, params)
	t.UpdatedAt = now
	return copyTenant(t), nil
}

func (s *MemoryStore) UpdateTenant(_ context.Context, id uuid.UUID, opts ...TenantUpdateOption) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	params := &tenantUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	applyTenantUpdate(t, params)
	t.UpdatedAt = s.now()
	return copyTenant(t), nil
}

// --- Deployments ---

func (s *MemoryStore) UpsertDeployment(_ context.Context, d *models.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyDeployment(d)
	now := s.now()
	if existing, ok := s.deployments[d.TenantID]; ok {
		cp.CreatedAt = existing.CreatedAt
		if cp.Annotations == nil {
			cp.Annotations = existing.Annotations
		}
		if existing.Status == cp.Status && !existing.StatusSince.IsZero() {
			cp.StatusSince = existing.StatusSince
		} else if existing.Status != cp.Status {
			cp.StatusSince = now
		}
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.StatusSince.IsZero() {
		cp.StatusSince = now
	}
	cp.UpdatedAt = now
	s.deployments[d.TenantID] = cp
	return nil
}

func (s *MemoryStore) GetDeployment(_ context.Context, tenantID uuid.UUID) (*models.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDeployment(d), nil
}

func (s *MemoryStore) AnnotateDeployment(_ context.Context, tenantID uuid.UUID, annotations map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[tenantID]
	if !ok {
		return ErrNotFound
	}
	if d.Annotations == nil {
		d.Annotations = make(map[string]string, len(annotations))
	}
	for k, v := range annotations {
		d.Annotations[k] = v
	}
	return nil
}

// --- Secret namespaces ---

func (s *MemoryStore) UpsertSecretNamespace(_ context.Context, ns *models.SecretNamespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ns
	cp.Keys = append([]string(nil), ns.Keys...)
	cp.RetiredVersions = append([]int(nil), ns.RetiredVersions...)
	now := s.now()
	if existing, ok := s.secrets[ns.TenantID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.secrets[ns.TenantID] = &cp
	return nil
}

func (s *MemoryStore) GetSecretNamespace(_ context.Context, tenantID uuid.UUID) (*models.SecretNamespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.secrets[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ns
	cp.Keys = append([]string(nil), ns.Keys...)
	cp.RetiredVersions = append([]int(nil), ns.RetiredVersions...)
	return &cp, nil
}

func (s *MemoryStore) ListSecretNamespaces(_ context.Context) ([]*models.SecretNamespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.SecretNamespace, 0, len(s.secrets))
	for _, ns := range s.secrets {
		if ns.DestroyedAt != nil {
			continue
		}
		cp := *ns
		cp.Keys = append([]string(nil), ns.Keys...)
		cp.RetiredVersions = append([]int(nil), ns.RetiredVersions...)
		out = append(out, &cp)
	}
	return out, nil
}

// --- Tenant config ---

func (s *MemoryStore) GetTenantConfig(_ context.Context, tenantID uuid.UUID) (*models.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &models.TenantConfig{
		TenantID:  cfg.TenantID,
		Values:    copyMap(cfg.Values),
		Version:   cfg.Version,
		UpdatedAt: cfg.UpdatedAt,
	}, nil
}

func (s *MemoryStore) SaveTenantConfig(_ context.Context, cfg *models.TenantConfig, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if existing, ok := s.configs[cfg.TenantID]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: expected %d, found %d", ErrVersionConflict, expectedVersion, current)
	}
	s.configs[cfg.TenantID] = &models.TenantConfig{
		TenantID:  cfg.TenantID,
		Values:    copyMap(cfg.Values),
		Version:   current + 1,
		UpdatedAt: s.now(),
	}
	cfg.Version = current + 1
	return nil
}

// --- Configuration records ---

func (s *MemoryStore) AppendConfigurationRecord(_ context.Context, r *models.ConfigurationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seq int64
	for _, existing := range s.records {
		if existing.TenantID == r.TenantID && existing.Sequence > seq {
			seq = existing.Sequence
		}
	}
	r.Sequence = seq + 1
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.records = append(s.records, copyRecord(r))
	return nil
}

func (s *MemoryStore) CompleteConfigurationRecord(_ context.Context, id uuid.UUID, outcome models.RecordOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID != id {
			continue
		}
		if r.CompletedAt != nil {
			return ErrAlreadyCompleted
		}
		now := s.now()
		r.ControlPlaneOutcome = outcome.ControlPlane
		r.InstanceOutcome = outcome.Instance
		r.Consistency = outcome.Consistency
		r.DriftFields = append([]string(nil), outcome.DriftFields...)
		r.Error = outcome.Error
		r.CompletedAt = &now
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) GetConfigurationRecord(_ context.Context, id uuid.UUID) (*models.ConfigurationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.ID == id {
			return copyRecord(r), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) LatestConfigurationRecord(ctx context.Context, tenantID uuid.UUID) (*models.ConfigurationRecord, error) {
	recs, err := s.ListConfigurationRecords(ctx, tenantID, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

func (s *MemoryStore) ListConfigurationRecords(_ context.Context, tenantID uuid.UUID, limit int) ([]*models.ConfigurationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ConfigurationRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.TenantID != tenantID {
			continue
		}
		out = append(out, copyRecord(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListIncompleteConfigurationRecords(_ context.Context) ([]*models.ConfigurationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ConfigurationRecord
	for _, r := range s.records {
		if r.CompletedAt == nil {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

// --- Health ---

func (s *MemoryStore) AppendHealthResult(_ context.Context, r *models.HealthCheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.health = append(s.health, &cp)
	return nil
}

func (s *MemoryStore) LatestHealthResult(ctx context.Context, tenantID uuid.UUID) (*models.HealthCheckResult, error) {
	results, err := s.ListHealthResults(ctx, tenantID, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	return results[0], nil
}

func (s *MemoryStore) ListHealthResults(_ context.Context, tenantID uuid.UUID, limit int) ([]*models.HealthCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.HealthCheckResult
	for i := len(s.health) - 1; i >= 0; i-- {
		if s.health[i].TenantID != tenantID {
			continue
		}
		cp := *s.health[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneHealthResults(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.health[:0]
	var pruned int64
	for _, r := range s.health {
		if r.CheckedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	s.health = kept
	return pruned, nil
}

// --- Audit ---

func (s *MemoryStore) AppendAuditEvent(_ context.Context, e *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq++
	e.Sequence = s.auditSeq
	cp := *e
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) ListAuditEvents(_ context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.limit()
	var out []*models.AuditEvent
	for _, e := range s.audit {
		if e.Sequence <= filter.AfterSequence {
			continue
		}
		if filter.TenantID != nil && (e.TenantID == nil || *e.TenantID != *filter.TenantID) {
			continue
		}
		if filter.CorrelationID != nil && e.CorrelationID != *filter.CorrelationID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Recovery runs ---

func (s *MemoryStore) CreateRecoveryRun(_ context.Context, run *models.DisasterRecoveryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrDuplicateKey
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *MemoryStore) UpdateRecoveryRun(_ context.Context, run *models.DisasterRecoveryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *MemoryStore) GetRecoveryRun(_ context.Context, id uuid.UUID) (*models.DisasterRecoveryRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(run), nil
}

func (s *MemoryStore) ListRecoveryRuns(_ context.Context, limit int) ([]*models.DisasterRecoveryRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DisasterRecoveryRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Operations ---

func (s *MemoryStore) CreateOperation(_ context.Context, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *op
	s.operations[op.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOperation(_ context.Context, id uuid.UUID) (*models.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *MemoryStore) UpdateOperationStatus(_ context.Context, id uuid.UUID, status string, opts ...OperationUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return ErrNotFound
	}
	if !operationTransitionAllowed(op.Status, status) {
		return fmt.Errorf("invalid operation status transition: %s -> %s", op.Status, status)
	}
	params := &operationUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	now := s.now()
	op.Status = status
	op.UpdatedAt = now
	if status == models.OperationRunning {
		op.StartedAt = &now
	}
	if status == models.OperationCompleted || status == models.OperationFailed {
		op.CompletedAt = &now
	}
	if params.ErrorCode != nil {
		op.ErrorCode = params.ErrorCode
		op.ErrorMessage = params.ErrorMessage
	}
	return nil
}

// --- API keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id {
			now := s.now()
			k.LastUsedAt = &now
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == key.ID || (k.Name == key.Name && k.DeletedAt == nil) {
			return ErrDuplicateKey
		}
	}
	cp := *key
	cp.Scopes = append([]string(nil), key.Scopes...)
	s.keys = append(s.keys, &cp)
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id && k.DeletedAt == nil {
			now := s.now()
			k.DeletedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

// --- copies ---

func copyTenant(t *models.Tenant) *models.Tenant {
	cp := *t
	if t.SuspendReason != nil {
		r := *t.SuspendReason
		cp.SuspendReason = &r
	}
	if t.LastError != nil {
		e := *t.LastError
		cp.LastError = &e
	}
	return &cp
}

func copyDeployment(d *models.Deployment) *models.Deployment {
	cp := *d
	cp.Manifest = append([]byte(nil), d.Manifest...)
	cp.LastGoodManifest = append([]byte(nil), d.LastGoodManifest...)
	if d.Annotations != nil {
		cp.Annotations = copyMap(d.Annotations)
	}
	return &cp
}

func copyRecord(r *models.ConfigurationRecord) *models.ConfigurationRecord {
	cp := *r
	cp.Payload = copyMap(r.Payload)
	cp.Components = append([]string(nil), r.Components...)
	cp.DriftFields = append([]string(nil), r.DriftFields...)
	return &cp
}

func copyRun(run *models.DisasterRecoveryRun) *models.DisasterRecoveryRun {
	cp := *run
	cp.Affected = make([]models.AffectedTenant, len(run.Affected))
	for i, a := range run.Affected {
		cp.Affected[i] = models.AffectedTenant{
			TenantID: a.TenantID,
			Reasons:  append([]string(nil), a.Reasons...),
			Evidence: append([]models.Evidence(nil), a.Evidence...),
		}
	}
	cp.TenantStatus = make(map[string]models.TenantRecoveryStatus, len(run.TenantStatus))
	for k, v := range run.TenantStatus {
		cp.TenantStatus[k] = v
	}
	return &cp
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
