package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	OperationPending   = "pending"
	OperationRunning   = "running"
	OperationCompleted = "completed"
	OperationFailed    = "failed"
)

// Operation types.
const (
	OpOnboard        = "onboard"
	OpProvision      = "provision"
	OpRetry          = "retry"
	OpScale          = "scale"
	OpSuspend        = "suspend"
	OpResume         = "resume"
	OpRedeploy       = "redeploy"
	OpTerminate      = "terminate"
	OpConfigUpdate   = "config_update"
	OpConfigReload   = "config_reload"
	OpConfigResync   = "config_resync"
	OpSecretRotate   = "secret_rotate"
	OpSecretFlush    = "secret_flush"
	OpRecoveryDetect = "recovery_detect"
	OpRecoveryRun    = "recovery_execute"
)

// Operation tracks the outcome of an asynchronous mutating call. Its ID is
// the correlation id returned to the caller; the caller polls
// GET /api/v1/operations/{id} until status is completed or failed.
type Operation struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	TenantID     *uuid.UUID `db:"tenant_id"     json:"tenant_id,omitempty"`
	Type         string     `db:"type"          json:"type"`
	Status       string     `db:"status"        json:"status"`
	ErrorCode    *string    `db:"error_code"    json:"error_code,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}
