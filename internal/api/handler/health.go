package handler

import (
	"net/http"

	"github.com/kiranshivaraju/tenantplane/internal/api/response"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// GetHealth handles GET /api/v1/tenants/{tenantID}/health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	result, err := h.health.Latest(r.Context(), id)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, result)
}

// GetHealthHistory handles GET /api/v1/tenants/{tenantID}/health/history,
// newest first.
func (h *Handler) GetHealthHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	results, err := h.health.History(r.Context(), id, queryInt(r, "limit", 20))
	if err != nil {
		response.FromError(w, err)
		return
	}
	if results == nil {
		results = []*models.HealthCheckResult{}
	}
	response.JSON(w, results)
}
