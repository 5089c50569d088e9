package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/api/response"
	"github.com/kiranshivaraju/tenantplane/internal/lifecycle"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

type configRequest struct {
	Payload    map[string]string `json:"payload"`
	Strategy   models.Strategy   `json:"strategy"`
	Target     models.Target     `json:"target"`
	Components []string          `json:"components"`
}

// UpdateConfig handles POST /api/v1/tenants/{tenantID}/config.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	h.submit(w, r, &req, func(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
		if len(req.Payload) == 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "payload is required", nil)
			return uuid.Nil, errHandled
		}
		return h.lifecycle.SubmitConfigurationUpdate(ctx, id, lifecycle.ConfigRequest{
			Payload:    req.Payload,
			Strategy:   req.Strategy,
			Target:     req.Target,
			Components: req.Components,
		})
	})
}

// ReloadConfig handles POST /api/v1/tenants/{tenantID}/config/reload.
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Component string            `json:"component"`
		Payload   map[string]string `json:"payload"`
	}
	h.submit(w, r, &req, func(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
		if req.Component == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "component is required", nil)
			return uuid.Nil, errHandled
		}
		return h.lifecycle.SubmitHotReload(ctx, id, req.Component, req.Payload)
	})
}

// ResyncConfig handles POST /api/v1/tenants/{tenantID}/config/resync.
func (h *Handler) ResyncConfig(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, nil, h.lifecycle.SubmitResync)
}

// GetConfig handles GET /api/v1/tenants/{tenantID}/config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	cfg, err := h.records.GetTenantConfig(r.Context(), id)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, cfg)
}

// ListConfigRecords handles GET /api/v1/tenants/{tenantID}/config/records.
func (h *Handler) ListConfigRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	records, err := h.records.ListConfigurationRecords(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		response.FromError(w, err)
		return
	}
	if records == nil {
		records = []*models.ConfigurationRecord{}
	}
	response.JSON(w, records)
}
