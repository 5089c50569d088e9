package handler

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/api/response"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// ListAudit handles GET /api/v1/audit?tenant_id=&correlation_id=&after=.
// Events come back in sequence order; pass the last sequence as after to
// read the next page.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{Limit: queryInt(r, "limit", 100)}

	if v := q.Get("tenant_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_ID", "Invalid tenant_id format", nil)
			return
		}
		filter.TenantID = &id
	}
	if v := q.Get("correlation_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_ID", "Invalid correlation_id format", nil)
			return
		}
		filter.CorrelationID = &id
	}
	if v := q.Get("after"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "after must be a non-negative sequence", nil)
			return
		}
		filter.AfterSequence = seq
	}

	events, err := h.records.ListAuditEvents(r.Context(), filter)
	if err != nil {
		response.FromError(w, err)
		return
	}
	if events == nil {
		events = []*models.AuditEvent{}
	}
	response.JSON(w, events)
}
