package models

import (
	"time"

	"github.com/google/uuid"
)

// Strategy selects how a configuration change is applied to both platforms.
type Strategy string

const (
	StrategyControlPlaneFirst Strategy = "control_plane_first"
	StrategySynchronized      Strategy = "synchronized"
)

// Target names the platforms a configuration change applies to.
type Target string

const (
	TargetControlPlane Target = "control_plane"
	TargetInstance     Target = "tenant_instance"
	TargetBoth         Target = "both"
)

// Includes reports whether t covers platform p.
func (t Target) Includes(p Target) bool {
	return t == TargetBoth || t == p
}

// PlatformOutcome is the result of applying a change to one platform.
type PlatformOutcome string

const (
	OutcomeSkipped    PlatformOutcome = "skipped"
	OutcomeApplied    PlatformOutcome = "applied"
	OutcomeFailed     PlatformOutcome = "failed"
	OutcomeRolledBack PlatformOutcome = "rolled_back"
	OutcomeAbandoned  PlatformOutcome = "abandoned"
)

// ConsistencyResult is the outcome of the post-apply field-by-field diff.
type ConsistencyResult string

const (
	ConsistencyPending      ConsistencyResult = "pending"
	ConsistencyConsistent   ConsistencyResult = "consistent"
	ConsistencyDrift        ConsistencyResult = "drift"
	ConsistencyNotValidated ConsistencyResult = "not_validated"
)

// RecordKind distinguishes original intents from compensating records.
type RecordKind string

const (
	RecordUpdate    RecordKind = "update"
	RecordHotReload RecordKind = "hot_reload"
	RecordRollback  RecordKind = "rollback"
	RecordReplay    RecordKind = "replay"
	RecordResync    RecordKind = "resync"
)

// ConfigurationRecord is an append-only log entry written before any platform
// mutation. The outcome fields are filled exactly once.
type ConfigurationRecord struct {
	ID                  uuid.UUID         `db:"id"                    json:"id"`
	TenantID            uuid.UUID         `db:"tenant_id"             json:"tenant_id"`
	Sequence            int64             `db:"sequence"              json:"sequence"`
	CorrelationID       uuid.UUID         `db:"correlation_id"        json:"correlation_id"`
	Kind                RecordKind        `db:"kind"                  json:"kind"`
	Payload             map[string]string `db:"payload"               json:"payload"`
	Target              Target            `db:"target"                json:"target"`
	Strategy            Strategy          `db:"strategy"              json:"strategy"`
	Components          []string          `db:"components"            json:"components,omitempty"`
	ControlPlaneOutcome PlatformOutcome   `db:"control_plane_outcome" json:"control_plane_outcome,omitempty"`
	InstanceOutcome     PlatformOutcome   `db:"instance_outcome"      json:"instance_outcome,omitempty"`
	Consistency         ConsistencyResult `db:"consistency"           json:"consistency"`
	DriftFields         []string          `db:"drift_fields"          json:"drift_fields,omitempty"`
	Error               *string           `db:"error"                 json:"error,omitempty"`
	RefSequence         *int64            `db:"ref_sequence"          json:"ref_sequence,omitempty"`
	CreatedAt           time.Time         `db:"created_at"            json:"created_at"`
	CompletedAt         *time.Time        `db:"completed_at"          json:"completed_at,omitempty"`
}

// RecordOutcome is the write-once completion of a ConfigurationRecord.
type RecordOutcome struct {
	ControlPlane PlatformOutcome
	Instance     PlatformOutcome
	Consistency  ConsistencyResult
	DriftFields  []string
	Error        *string
}

// TenantConfig is the control plane's view of a tenant's effective configuration.
type TenantConfig struct {
	TenantID  uuid.UUID         `db:"tenant_id"  json:"tenant_id"`
	Values    map[string]string `db:"values"     json:"values"`
	Version   int64             `db:"version"    json:"version"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}
