// Package audit is the append-only correlation log written by every component.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// Component names used as event sources and targets.
const (
	SourceAPI          = "api"
	SourceOrchestrator = "orchestrator"
	SourceSecrets      = "secrets"
	SourceConfig       = "configsync"
	SourceHealth       = "health"
	SourceRecovery     = "recovery"

	TargetCluster      = "cluster"
	TargetSecretStore  = "secret_store"
	TargetInstance     = "tenant_instance"
	TargetControlPlane = "control_plane"
	TargetBilling      = "billing"
)

// Writer persists audit events. The store assigns Sequence.
type Writer interface {
	AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error
}

// Event is what a component hands to the recorder.
type Event struct {
	Source   string
	Target   string
	TenantID uuid.UUID
	Type     string
	Payload  any
}

// Recorder stamps events with the context's correlation id and appends them.
type Recorder struct {
	writer Writer
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. A nil logger falls back to slog.Default().
func NewRecorder(w Writer, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{writer: w, logger: logger, now: time.Now}
}

// Record appends the event. Append failures are logged and not returned.
func (r *Recorder) Record(ctx context.Context, e Event) {
	corrID, _ := CorrelationID(ctx)
	event := &models.AuditEvent{
		ID:            uuid.New(),
		CorrelationID: corrID,
		Source:        e.Source,
		Target:        e.Target,
		Type:          e.Type,
		PayloadDigest: Digest(e.Payload),
		CreatedAt:     r.now().UTC(),
	}
	if e.TenantID != uuid.Nil {
		tid := e.TenantID
		event.TenantID = &tid
	}

	if err := r.writer.AppendAuditEvent(ctx, event); err != nil {
		r.logger.Error("audit append failed",
			"error", err,
			"type", e.Type,
			"correlation_id", corrID,
			"tenant_id", e.TenantID,
		)
		return
	}
	r.logger.Debug("audit",
		"type", e.Type,
		"source", e.Source,
		"target", e.Target,
		"correlation_id", corrID,
		"tenant_id", e.TenantID,
		"sequence", event.Sequence,
	)
}
