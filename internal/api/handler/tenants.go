package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/api/response"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// Onboard handles POST /api/v1/tenants. The tenant is recorded and
// provisioning continues in the background.
func (h *Handler) Onboard(w http.ResponseWriter, r *http.Request) {
	var d models.TenantDescriptor
	if !decode(w, r, &d) {
		return
	}
	t, corrID, err := h.lifecycle.RequestOnboarding(r.Context(), d)
	if err != nil {
		response.FromError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/operations/"+corrID.String())
	response.Accepted(w, onboardResponse{Tenant: t, CorrelationID: corrID})
}

type onboardResponse struct {
	Tenant        *models.Tenant `json:"tenant"`
	CorrelationID uuid.UUID      `json:"correlation_id"`
}

// ListTenants handles GET /api/v1/tenants?state=active,degraded&tier=small.
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TenantFilter{
		Tier:  q.Get("tier"),
		Page:  queryInt(r, "page", 1),
		Limit: queryInt(r, "limit", 50),
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	if states := q.Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			filter.States = append(filter.States, models.LifecycleState(strings.TrimSpace(s)))
		}
	}

	tenants, total, err := h.records.ListTenants(r.Context(), filter)
	if err != nil {
		response.FromError(w, err)
		return
	}
	if tenants == nil {
		tenants = []*models.Tenant{}
	}
	response.Collection(w, tenants, response.PaginationMeta{
		Page:    filter.Page,
		Limit:   filter.Limit,
		Total:   total,
		HasNext: filter.Page*filter.Limit < total,
	})
}

// GetTenant handles GET /api/v1/tenants/{tenantID}.
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	t, err := h.lifecycle.Tenant(r.Context(), id)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, t)
}

// GetDeployment handles GET /api/v1/tenants/{tenantID}/deployment. The
// workload status is refreshed from the cluster.
func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	d, err := h.lifecycle.Deployment(r.Context(), id)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, d)
}

// Scale handles POST /api/v1/tenants/{tenantID}/scale.
func (h *Handler) Scale(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier string `json:"tier"`
	}
	h.submit(w, r, &req, func(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
		if req.Tier == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "tier is required", nil)
			return uuid.Nil, errHandled
		}
		return h.lifecycle.SubmitScale(ctx, id, req.Tier)
	})
}

// Suspend handles POST /api/v1/tenants/{tenantID}/suspend.
func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	h.submit(w, r, &req, func(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
		if strings.TrimSpace(req.Reason) == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "reason is required", nil)
			return uuid.Nil, errHandled
		}
		return h.lifecycle.SubmitSuspend(ctx, id, req.Reason)
	})
}

// Resume handles POST /api/v1/tenants/{tenantID}/resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, nil, h.lifecycle.SubmitResume)
}

// Retry handles POST /api/v1/tenants/{tenantID}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, nil, h.lifecycle.SubmitRetry)
}

// Redeploy handles POST /api/v1/tenants/{tenantID}/redeploy.
func (h *Handler) Redeploy(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, nil, h.lifecycle.SubmitRedeploy)
}

// Terminate handles POST /api/v1/tenants/{tenantID}/terminate.
func (h *Handler) Terminate(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, nil, h.lifecycle.SubmitTerminate)
}

// GetOperation handles GET /api/v1/operations/{operationID}.
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "operationID")
	if !ok {
		return
	}
	op, err := h.lifecycle.Operation(r.Context(), id)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, op)
}
