package models

import (
	"time"

	"github.com/google/uuid"
)

// HealthCheckResult is one poll of a tenant's workload and instance telemetry.
type HealthCheckResult struct {
	ID                  uuid.UUID      `db:"id"                   json:"id"`
	TenantID            uuid.UUID      `db:"tenant_id"            json:"tenant_id"`
	CheckedAt           time.Time      `db:"checked_at"           json:"checked_at"`
	Live                bool           `db:"live"                 json:"live"`
	ClusterStatus       WorkloadStatus `db:"cluster_status"       json:"cluster_status"`
	LatencyP95Ms        float64        `db:"latency_p95_ms"       json:"latency_p95_ms"`
	ErrorRate           float64        `db:"error_rate"           json:"error_rate"`
	Availability        float64        `db:"availability"         json:"availability"`
	SLACompliant        bool           `db:"sla_compliant"        json:"sla_compliant"`
	DriftDetected       bool           `db:"drift_detected"       json:"drift_detected"`
	ConsecutiveFailures int            `db:"consecutive_failures" json:"consecutive_failures"`
	Error               *string        `db:"error"                json:"error,omitempty"`
}

// AlertSeverity escalates from warning (orchestrator) to critical (recovery).
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
	AlertResolved AlertSeverity = "resolved"
)

// HealthAlert is emitted by the health monitor when failure thresholds are crossed.
type HealthAlert struct {
	TenantID            uuid.UUID         `json:"tenant_id"`
	Severity            AlertSeverity     `json:"severity"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	UnhealthySince      time.Time         `json:"unhealthy_since"`
	Latest              HealthCheckResult `json:"latest"`
}
