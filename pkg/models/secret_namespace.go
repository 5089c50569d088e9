package models

import (
	"time"

	"github.com/google/uuid"
)

// RotationState tracks where a secret namespace is in the propagate/adopt cycle.
type RotationState string

const (
	RotationIdle               RotationState = "idle"
	RotationPropagationPending RotationState = "propagation_pending"
	RotationAdoptionPending    RotationState = "adoption_pending"
)

// RotationPolicy controls automatic rotation of a tenant's secrets.
type RotationPolicy struct {
	Interval    time.Duration `json:"interval"`
	AutoRotate  bool          `json:"auto_rotate"`
	GraceWindow time.Duration `json:"grace_window"`
}

// SecretNamespace is the tenant's isolated area in the secret store. Values are
// never persisted here, only the versions the store holds.
type SecretNamespace struct {
	TenantID        uuid.UUID      `db:"tenant_id"        json:"tenant_id"`
	Path            string         `db:"path"             json:"path"`
	Keys            []string       `db:"keys"             json:"keys"`
	CurrentVersion  int            `db:"current_version"  json:"current_version"`
	PreviousVersion int            `db:"previous_version" json:"previous_version,omitempty"`
	PendingVersion  int            `db:"pending_version"  json:"pending_version,omitempty"`
	RetiredVersions []int          `db:"retired_versions" json:"retired_versions,omitempty"`
	State           RotationState  `db:"state"            json:"state"`
	LastRotatedAt   *time.Time     `db:"last_rotated_at"  json:"last_rotated_at,omitempty"`
	GraceUntil      *time.Time     `db:"grace_until"      json:"grace_until,omitempty"`
	Policy          RotationPolicy `db:"policy"           json:"policy"`
	DestroyedAt     *time.Time     `db:"destroyed_at"     json:"destroyed_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"       json:"updated_at"`
}
