package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/api/response"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// DetectDisaster handles POST /api/v1/recovery/detect. An empty tenant_ids
// list assesses every running tenant.
func (h *Handler) DetectDisaster(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantIDs []uuid.UUID `json:"tenant_ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := h.recovery.DetectDisaster(r.Context(), req.TenantIDs)
	if err != nil {
		response.FromError(w, err)
		return
	}
	if a.Run != nil {
		response.Created(w, a)
		return
	}
	response.JSON(w, a)
}

// ExecuteRecovery handles POST /api/v1/recovery/runs/{runID}/execute. The
// run executes in the background; poll GET /recovery/runs/{runID}.
func (h *Handler) ExecuteRecovery(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "runID")
	if !ok {
		return
	}
	var req struct {
		TenantIDs []uuid.UUID             `json:"tenant_ids"`
		Strategy  models.RecoveryStrategy `json:"strategy"`
	}
	if !decode(w, r, &req) {
		return
	}
	run, err := h.recovery.StartRecovery(r.Context(), runID, req.TenantIDs, req.Strategy)
	if err != nil {
		response.FromError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/recovery/runs/"+run.ID.String())
	response.Accepted(w, run)
}

// GetRecoveryRun handles GET /api/v1/recovery/runs/{runID}.
func (h *Handler) GetRecoveryRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "runID")
	if !ok {
		return
	}
	run, err := h.recovery.Run(r.Context(), runID)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, run)
}

// ListRecoveryRuns handles GET /api/v1/recovery/runs.
func (h *Handler) ListRecoveryRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.recovery.Runs(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		response.FromError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.DisasterRecoveryRun{}
	}
	response.JSON(w, runs)
}
