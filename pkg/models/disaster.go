package models

import (
	"time"

	"github.com/google/uuid"
)

// RecoveryStrategy selects the orchestrator action taken per tenant.
type RecoveryStrategy string

const (
	RecoveryAuto         RecoveryStrategy = "auto"
	RecoveryRedeploy     RecoveryStrategy = "redeploy"
	RecoveryResume       RecoveryStrategy = "resume"
	RecoveryRescale      RecoveryStrategy = "rescale"
	RecoveryResyncConfig RecoveryStrategy = "resync_config"
)

// RunStatus is the status of a disaster recovery run.
type RunStatus string

const (
	RunDetected           RunStatus = "detected"
	RunRunning            RunStatus = "running"
	RunCompleted          RunStatus = "completed"
	RunPartiallyCompleted RunStatus = "partially_completed"
	RunEscalated          RunStatus = "escalated"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartiallyCompleted || s == RunEscalated
}

// TenantRecoveryStatus is the per-tenant result inside a run.
type TenantRecoveryStatus string

const (
	TenantRecoveryPending   TenantRecoveryStatus = "pending"
	TenantRecoveryRecovered TenantRecoveryStatus = "recovered"
	TenantRecoveryFailed    TenantRecoveryStatus = "failed"
	TenantRecoverySkipped   TenantRecoveryStatus = "skipped"
)

// Detection reasons.
const (
	ReasonLivenessFailing = "liveness_failing"
	ReasonDrift           = "configuration_drift"
	ReasonClusterStatus   = "cluster_status"
)

// Evidence references the record that made a tenant count as affected.
type Evidence struct {
	Kind   string `json:"kind"`
	Ref    string `json:"ref"`
	Detail string `json:"detail"`
}

// AffectedTenant is a tenant included in a recovery run.
type AffectedTenant struct {
	TenantID uuid.UUID  `json:"tenant_id"`
	Reasons  []string   `json:"reasons"`
	Evidence []Evidence `json:"evidence"`
}

// HasReason reports whether reason r contributed to detection.
func (a AffectedTenant) HasReason(r string) bool {
	for _, reason := range a.Reasons {
		if reason == r {
			return true
		}
	}
	return false
}

// DisasterRecoveryRun is one declared incident and its recovery attempt.
type DisasterRecoveryRun struct {
	ID            uuid.UUID                       `db:"id"             json:"id"`
	CorrelationID uuid.UUID                       `db:"correlation_id" json:"correlation_id"`
	Affected      []AffectedTenant                `db:"affected"       json:"affected"`
	Strategy      RecoveryStrategy                `db:"strategy"       json:"strategy,omitempty"`
	TenantStatus  map[string]TenantRecoveryStatus `db:"tenant_status"  json:"tenant_status"`
	Status        RunStatus                       `db:"status"         json:"status"`
	Error         *string                         `db:"error"          json:"error,omitempty"`
	DetectedAt    time.Time                       `db:"detected_at"    json:"detected_at"`
	StartedAt     *time.Time                      `db:"started_at"     json:"started_at,omitempty"`
	EndedAt       *time.Time                      `db:"ended_at"       json:"ended_at,omitempty"`
}
