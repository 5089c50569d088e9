package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// --- Configuration records ---

const configRecordColumns = `id, tenant_id, sequence, correlation_id, kind, payload, target, strategy,
	components, control_plane_outcome, instance_outcome, consistency, drift_fields, error,
	ref_sequence, created_at, completed_at`

func scanConfigRecord(row pgx.Row) (*models.ConfigurationRecord, error) {
	var r models.ConfigurationRecord
	err := row.Scan(&r.ID, &r.TenantID, &r.Sequence, &r.CorrelationID, &r.Kind, &r.Payload, &r.Target,
		&r.Strategy, &r.Components, &r.ControlPlaneOutcome, &r.InstanceOutcome, &r.Consistency,
		&r.DriftFields, &r.Error, &r.RefSequence, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// AppendConfigurationRecord assigns the next per-tenant sequence number from
// the tenant row counter and inserts the record in the same transaction.
func (s *PostgresStore) AppendConfigurationRecord(ctx context.Context, r *models.ConfigurationRecord) error {
	var seq int64
	err := s.inTx(ctx, "append configuration record", func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE tenants SET config_seq = config_seq + 1 WHERE id = $1 RETURNING config_seq`, r.TenantID,
		).Scan(&seq)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("next configuration sequence: %w", err)
		}

		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		components := r.Components
		if components == nil {
			components = []string{}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO configuration_records (id, tenant_id, sequence, correlation_id, kind, payload, target,
				strategy, components, consistency, ref_sequence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			r.ID, r.TenantID, seq, r.CorrelationID, r.Kind, r.Payload, r.Target, r.Strategy, components,
			r.Consistency, r.RefSequence, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert configuration record: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.Sequence = seq
	return nil
}

func (s *PostgresStore) CompleteConfigurationRecord(ctx context.Context, id uuid.UUID, outcome models.RecordOutcome) error {
	drift := outcome.DriftFields
	if drift == nil {
		drift = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE configuration_records SET control_plane_outcome = $2, instance_outcome = $3,
			consistency = $4, drift_fields = $5, error = $6, completed_at = NOW()
		 WHERE id = $1 AND completed_at IS NULL`,
		id, outcome.ControlPlane, outcome.Instance, outcome.Consistency, drift, outcome.Error)
	if err != nil {
		return fmt.Errorf("complete configuration record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetConfigurationRecord(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyCompleted
}

func (s *PostgresStore) GetConfigurationRecord(ctx context.Context, id uuid.UUID) (*models.ConfigurationRecord, error) {
	r, err := scanConfigRecord(s.pool.QueryRow(ctx,
		`SELECT `+configRecordColumns+` FROM configuration_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get configuration record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) LatestConfigurationRecord(ctx context.Context, tenantID uuid.UUID) (*models.ConfigurationRecord, error) {
	r, err := scanConfigRecord(s.pool.QueryRow(ctx,
		`SELECT `+configRecordColumns+` FROM configuration_records
		 WHERE tenant_id = $1 ORDER BY sequence DESC LIMIT 1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest configuration record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListConfigurationRecords(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ConfigurationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryConfigRecords(ctx,
		`SELECT `+configRecordColumns+` FROM configuration_records
		 WHERE tenant_id = $1 ORDER BY sequence DESC LIMIT $2`, tenantID, limit)
}

func (s *PostgresStore) ListIncompleteConfigurationRecords(ctx context.Context) ([]*models.ConfigurationRecord, error) {
	return s.queryConfigRecords(ctx,
		`SELECT `+configRecordColumns+` FROM configuration_records
		 WHERE completed_at IS NULL ORDER BY tenant_id, sequence`)
}

func (s *PostgresStore) queryConfigRecords(ctx context.Context, query string, args ...any) ([]*models.ConfigurationRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query configuration records: %w", err)
	}
	defer rows.Close()

	var out []*models.ConfigurationRecord
	for rows.Next() {
		r, err := scanConfigRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan configuration record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Health ---

const healthColumns = `id, tenant_id, checked_at, live, cluster_status, latency_p95_ms, error_rate,
	availability, sla_compliant, drift_detected, consecutive_failures, error`

func (s *PostgresStore) AppendHealthResult(ctx context.Context, r *models.HealthCheckResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO health_check_results (`+healthColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.TenantID, r.CheckedAt, r.Live, r.ClusterStatus, r.LatencyP95Ms, r.ErrorRate,
		r.Availability, r.SLACompliant, r.DriftDetected, r.ConsecutiveFailures, r.Error)
	if err != nil {
		return fmt.Errorf("append health result: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestHealthResult(ctx context.Context, tenantID uuid.UUID) (*models.HealthCheckResult, error) {
	results, err := s.ListHealthResults(ctx, tenantID, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	return results[0], nil
}

func (s *PostgresStore) ListHealthResults(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.HealthCheckResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+healthColumns+` FROM health_check_results
		 WHERE tenant_id = $1 ORDER BY checked_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list health results: %w", err)
	}
	defer rows.Close()

	var out []*models.HealthCheckResult
	for rows.Next() {
		var r models.HealthCheckResult
		if err := rows.Scan(&r.ID, &r.TenantID, &r.CheckedAt, &r.Live, &r.ClusterStatus, &r.LatencyP95Ms,
			&r.ErrorRate, &r.Availability, &r.SLACompliant, &r.DriftDetected, &r.ConsecutiveFailures,
			&r.Error); err != nil {
			return nil, fmt.Errorf("scan health result: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PruneHealthResults(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM health_check_results WHERE checked_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune health results: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Audit ---

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO audit_events (id, correlation_id, source, target, tenant_id, type, payload_digest, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING sequence`,
		e.ID, e.CorrelationID, e.Source, e.Target, e.TenantID, e.Type, e.PayloadDigest, e.CreatedAt,
	).Scan(&e.Sequence)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	conditions := []string{"sequence > $1"}
	args := []any{filter.AfterSequence}
	argIdx := 2

	if filter.TenantID != nil {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argIdx))
		args = append(args, *filter.TenantID)
		argIdx++
	}
	if filter.CorrelationID != nil {
		conditions = append(conditions, fmt.Sprintf("correlation_id = $%d", argIdx))
		args = append(args, *filter.CorrelationID)
		argIdx++
	}
	query := fmt.Sprintf(
		`SELECT sequence, id, correlation_id, source, target, tenant_id, type, payload_digest, created_at
		 FROM audit_events WHERE %s ORDER BY sequence LIMIT $%d`,
		strings.Join(conditions, " AND "), argIdx)
	args = append(args, filter.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := []*models.AuditEvent{}
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.Sequence, &e.ID, &e.CorrelationID, &e.Source, &e.Target, &e.TenantID,
			&e.Type, &e.PayloadDigest, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Recovery runs ---

const recoveryRunColumns = `id, correlation_id, affected, strategy, tenant_status, status, error,
	detected_at, started_at, ended_at`

func scanRecoveryRun(row pgx.Row) (*models.DisasterRecoveryRun, error) {
	var run models.DisasterRecoveryRun
	err := row.Scan(&run.ID, &run.CorrelationID, &run.Affected, &run.Strategy, &run.TenantStatus,
		&run.Status, &run.Error, &run.DetectedAt, &run.StartedAt, &run.EndedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *PostgresStore) CreateRecoveryRun(ctx context.Context, run *models.DisasterRecoveryRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recovery_runs (`+recoveryRunColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.CorrelationID, run.Affected, run.Strategy, run.TenantStatus, run.Status, run.Error,
		run.DetectedAt, run.StartedAt, run.EndedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create recovery run: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRecoveryRun(ctx context.Context, run *models.DisasterRecoveryRun) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recovery_runs SET affected = $2, strategy = $3, tenant_status = $4, status = $5, error = $6,
			started_at = $7, ended_at = $8
		 WHERE id = $1`,
		run.ID, run.Affected, run.Strategy, run.TenantStatus, run.Status, run.Error, run.StartedAt, run.EndedAt)
	if err != nil {
		return fmt.Errorf("update recovery run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetRecoveryRun(ctx context.Context, id uuid.UUID) (*models.DisasterRecoveryRun, error) {
	run, err := scanRecoveryRun(s.pool.QueryRow(ctx,
		`SELECT `+recoveryRunColumns+` FROM recovery_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recovery run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) ListRecoveryRuns(ctx context.Context, limit int) ([]*models.DisasterRecoveryRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recoveryRunColumns+` FROM recovery_runs ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recovery runs: %w", err)
	}
	defer rows.Close()

	var out []*models.DisasterRecoveryRun
	for rows.Next() {
		run, err := scanRecoveryRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recovery run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- Operations ---

func (s *PostgresStore) CreateOperation(ctx context.Context, op *models.Operation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO operations (id, tenant_id, type, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		op.ID, op.TenantID, op.Type, op.Status, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOperation(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	var op models.Operation
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, type, status, error_code, error_message, started_at, completed_at, created_at, updated_at
		 FROM operations WHERE id = $1`, id,
	).Scan(&op.ID, &op.TenantID, &op.Type, &op.Status, &op.ErrorCode, &op.ErrorMessage,
		&op.StartedAt, &op.CompletedAt, &op.CreatedAt, &op.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return &op, nil
}

func (s *PostgresStore) UpdateOperationStatus(ctx context.Context, id uuid.UUID, status string, opts ...OperationUpdateOption) error {
	params := &operationUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM operations WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get operation status: %w", err)
	}
	if !operationTransitionAllowed(currentStatus, status) {
		return fmt.Errorf("invalid operation status transition: %s -> %s", currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE operations SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.OperationRunning {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status == models.OperationCompleted || status == models.OperationFailed {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorCode != nil {
		query += fmt.Sprintf(", error_code = $%d, error_message = $%d", argIdx, argIdx+1)
		args = append(args, *params.ErrorCode, *params.ErrorMessage)
		argIdx += 2
	}

	query += " WHERE id = $1 AND status = $" + fmt.Sprint(argIdx)
	args = append(args, currentStatus)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update operation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("operation %s status changed concurrently", id)
	}
	return nil
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return s.queryAPIKeys(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	return s.queryAPIKeys(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) queryAPIKeys(ctx context.Context, query string, args ...any) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}
