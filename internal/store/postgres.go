package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

const tenantColumns = `id, name, display_name, tier, quota, domain, region, endpoint, state,
	state_entered_at, provision_attempts, suspend_reason, last_error, created_at, updated_at`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.DisplayName, &t.Tier, &t.Quota, &t.Domain, &t.Region,
		&t.Endpoint, &t.State, &t.StateEnteredAt, &t.ProvisionAttempts, &t.SuspendReason,
		&t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, display_name, tier, quota, domain, region, endpoint, state,
			state_entered_at, provision_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Name, t.DisplayName, t.Tier, t.Quota, t.Domain, t.Region, t.Endpoint, t.State,
		t.StateEnteredAt, t.ProvisionAttempts, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetTenantByName(ctx context.Context, name string) (*models.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant by name: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) FindTenantConflict(ctx context.Context, name, domain string) (*models.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE name = $1 OR domain = $2 LIMIT 1`, name, domain))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find tenant conflict: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTenants(ctx context.Context, filter TenantFilter) ([]*models.Tenant, int, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		conditions = append(conditions, fmt.Sprintf("state = ANY($%d)", argIdx))
		args = append(args, states)
		argIdx++
	}
	if filter.Tier != "" {
		conditions = append(conditions, fmt.Sprintf("tier = $%d", argIdx))
		args = append(args, filter.Tier)
		argIdx++
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM tenants WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tenants: %w", err)
	}

	limit, offset := filter.normalize()
	query := fmt.Sprintf(`SELECT `+tenantColumns+` FROM tenants WHERE %s ORDER BY created_at LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	tenants := []*models.Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, total, rows.Err()
}

func (s *PostgresStore) TransitionTenant(ctx context.Context, id uuid.UUID, from, to models.LifecycleState, opts ...TenantUpdateOption) (*models.Tenant, error) {
	return s.mutateTenant(ctx, id, func(t *models.Tenant, now time.Time) error {
		if t.State != from {
			return fmt.Errorf("%w: expected %s, found %s", ErrStateConflict, from, t.State)
		}
		if from != to {
			t.State = to
			t.StateEnteredAt = now
		}
		return nil
	}, opts...)
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, id uuid.UUID, opts ...TenantUpdateOption) (*models.Tenant, error) {
	return s.mutateTenant(ctx, id, nil, opts...)
}

// mutateTenant locks the tenant row, applies check and opts, and writes every
// mutable column back in one transaction.
func (s *PostgresStore) mutateTenant(ctx context.Context, id uuid.UUID, check func(*models.Tenant, time.Time) error, opts ...TenantUpdateOption) (*models.Tenant, error) {
	var t *models.Tenant
	err := s.inTx(ctx, "tenant update", func(tx pgx.Tx) error {
		var err error
		t, err = scanTenant(tx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock tenant: %w", err)
		}

		now := time.Now().UTC()
		if check != nil {
			if err := check(t, now); err != nil {
				return err
			}
		}
		params := &tenantUpdateParams{}
		for _, opt := range opts {
			opt(params)
		}
		applyTenantUpdate(t, params)
		t.UpdatedAt = now

		_, err = tx.Exec(ctx,
			`UPDATE tenants SET tier = $2, quota = $3, endpoint = $4, state = $5, state_entered_at = $6,
				provision_attempts = $7, suspend_reason = $8, last_error = $9, updated_at = $10
			 WHERE id = $1`,
			t.ID, t.Tier, t.Quota, t.Endpoint, t.State, t.StateEnteredAt, t.ProvisionAttempts,
			t.SuspendReason, t.LastError, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update tenant: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// --- Deployments ---

func (s *PostgresStore) UpsertDeployment(ctx context.Context, d *models.Deployment) error {
	now := time.Now().UTC()
	statusSince := d.StatusSince
	if statusSince.IsZero() {
		statusSince = now
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deployments (tenant_id, namespace, workload_name, manifest_revision, manifest, replicas,
			quota, status, status_since, last_good_revision, last_good_manifest, deleted_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			workload_name = EXCLUDED.workload_name,
			manifest_revision = EXCLUDED.manifest_revision,
			manifest = EXCLUDED.manifest,
			replicas = EXCLUDED.replicas,
			quota = EXCLUDED.quota,
			status_since = CASE WHEN deployments.status = EXCLUDED.status
				THEN deployments.status_since ELSE EXCLUDED.updated_at END,
			status = EXCLUDED.status,
			last_good_revision = EXCLUDED.last_good_revision,
			last_good_manifest = EXCLUDED.last_good_manifest,
			deleted_at = EXCLUDED.deleted_at,
			updated_at = EXCLUDED.updated_at`,
		d.TenantID, d.Namespace, d.WorkloadName, d.ManifestRevision, jsonOrNil(d.Manifest), d.Replicas,
		d.Quota, d.Status, statusSince, d.LastGoodRevision, jsonOrNil(d.LastGoodManifest), d.DeletedAt, now)
	if err != nil {
		return fmt.Errorf("upsert deployment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeployment(ctx context.Context, tenantID uuid.UUID) (*models.Deployment, error) {
	var d models.Deployment
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, namespace, workload_name, manifest_revision, manifest, replicas, quota, status,
			status_since, last_good_revision, last_good_manifest, annotations, deleted_at, created_at, updated_at
		 FROM deployments WHERE tenant_id = $1`, tenantID,
	).Scan(&d.TenantID, &d.Namespace, &d.WorkloadName, &d.ManifestRevision, &d.Manifest, &d.Replicas,
		&d.Quota, &d.Status, &d.StatusSince, &d.LastGoodRevision, &d.LastGoodManifest, &d.Annotations,
		&d.DeletedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) AnnotateDeployment(ctx context.Context, tenantID uuid.UUID, annotations map[string]string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deployments SET annotations = annotations || $2::jsonb WHERE tenant_id = $1`,
		tenantID, annotations)
	if err != nil {
		return fmt.Errorf("annotate deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Secret namespaces ---

const secretNamespaceColumns = `tenant_id, path, keys, current_version, previous_version, pending_version,
	state, last_rotated_at, grace_until, rotation_interval_ms, auto_rotate, grace_window_ms,
	destroyed_at, retired_versions, created_at, updated_at`

func scanSecretNamespace(row pgx.Row) (*models.SecretNamespace, error) {
	var ns models.SecretNamespace
	var intervalMs, graceMs int64
	err := row.Scan(&ns.TenantID, &ns.Path, &ns.Keys, &ns.CurrentVersion, &ns.PreviousVersion,
		&ns.PendingVersion, &ns.State, &ns.LastRotatedAt, &ns.GraceUntil, &intervalMs,
		&ns.Policy.AutoRotate, &graceMs, &ns.DestroyedAt, &ns.RetiredVersions, &ns.CreatedAt, &ns.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ns.Policy.Interval = time.Duration(intervalMs) * time.Millisecond
	ns.Policy.GraceWindow = time.Duration(graceMs) * time.Millisecond
	return &ns, nil
}

func (s *PostgresStore) UpsertSecretNamespace(ctx context.Context, ns *models.SecretNamespace) error {
	now := time.Now().UTC()
	retired := ns.RetiredVersions
	if retired == nil {
		retired = []int{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO secret_namespaces (`+secretNamespaceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			path = EXCLUDED.path,
			keys = EXCLUDED.keys,
			current_version = EXCLUDED.current_version,
			previous_version = EXCLUDED.previous_version,
			pending_version = EXCLUDED.pending_version,
			state = EXCLUDED.state,
			last_rotated_at = EXCLUDED.last_rotated_at,
			grace_until = EXCLUDED.grace_until,
			rotation_interval_ms = EXCLUDED.rotation_interval_ms,
			auto_rotate = EXCLUDED.auto_rotate,
			grace_window_ms = EXCLUDED.grace_window_ms,
			destroyed_at = EXCLUDED.destroyed_at,
			retired_versions = EXCLUDED.retired_versions,
			updated_at = EXCLUDED.updated_at`,
		ns.TenantID, ns.Path, ns.Keys, ns.CurrentVersion, ns.PreviousVersion, ns.PendingVersion,
		ns.State, ns.LastRotatedAt, ns.GraceUntil, ns.Policy.Interval.Milliseconds(),
		ns.Policy.AutoRotate, ns.Policy.GraceWindow.Milliseconds(), ns.DestroyedAt, retired, now)
	if err != nil {
		return fmt.Errorf("upsert secret namespace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSecretNamespace(ctx context.Context, tenantID uuid.UUID) (*models.SecretNamespace, error) {
	ns, err := scanSecretNamespace(s.pool.QueryRow(ctx,
		`SELECT `+secretNamespaceColumns+` FROM secret_namespaces WHERE tenant_id = $1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret namespace: %w", err)
	}
	return ns, nil
}

func (s *PostgresStore) ListSecretNamespaces(ctx context.Context) ([]*models.SecretNamespace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+secretNamespaceColumns+` FROM secret_namespaces WHERE destroyed_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list secret namespaces: %w", err)
	}
	defer rows.Close()

	var out []*models.SecretNamespace
	for rows.Next() {
		ns, err := scanSecretNamespace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan secret namespace: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// --- Tenant config ---

func (s *PostgresStore) GetTenantConfig(ctx context.Context, tenantID uuid.UUID) (*models.TenantConfig, error) {
	var cfg models.TenantConfig
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, "values", version, updated_at FROM tenant_configs WHERE tenant_id = $1`, tenantID,
	).Scan(&cfg.TenantID, &cfg.Values, &cfg.Version, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) SaveTenantConfig(ctx context.Context, cfg *models.TenantConfig, expectedVersion int64) error {
	var tag pgconn.CommandTag
	var err error
	if expectedVersion == 0 {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO tenant_configs (tenant_id, "values", version, updated_at)
			 VALUES ($1, $2, 1, NOW()) ON CONFLICT (tenant_id) DO NOTHING`,
			cfg.TenantID, cfg.Values)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE tenant_configs SET "values" = $2, version = version + 1, updated_at = NOW()
			 WHERE tenant_id = $1 AND version = $3`,
			cfg.TenantID, cfg.Values, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("save tenant config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected %d", ErrVersionConflict, expectedVersion)
	}
	cfg.Version = expectedVersion + 1
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// jsonOrNil stores empty raw JSON as NULL.
func jsonOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
