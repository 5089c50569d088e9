package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEvent is an append-only record of a cross-component operation.
// PayloadDigest is a SHA-256 over the redacted payload, never raw values.
type AuditEvent struct {
	Sequence      int64      `db:"sequence"       json:"sequence"`
	ID            uuid.UUID  `db:"id"             json:"id"`
	CorrelationID uuid.UUID  `db:"correlation_id" json:"correlation_id"`
	Source        string     `db:"source"         json:"source"`
	Target        string     `db:"target"         json:"target"`
	TenantID      *uuid.UUID `db:"tenant_id"      json:"tenant_id,omitempty"`
	Type          string     `db:"type"           json:"type"`
	PayloadDigest string     `db:"payload_digest" json:"payload_digest"`
	CreatedAt     time.Time  `db:"created_at"     json:"created_at"`
}
