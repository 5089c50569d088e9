package handler

import (
	"net/http"

	"github.com/kiranshivaraju/tenantplane/internal/api/response"
)

// RotateSecrets handles POST /api/v1/tenants/{tenantID}/secrets/rotate.
func (h *Handler) RotateSecrets(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, nil, h.lifecycle.SubmitRotateSecrets)
}

// FlushSecrets handles POST /api/v1/tenants/{tenantID}/secrets/flush. It
// retries a propagation that did not reach the instance.
func (h *Handler) FlushSecrets(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, nil, h.lifecycle.SubmitFlushSecrets)
}

// AckSecrets handles POST /api/v1/tenants/{tenantID}/secrets/ack, sent by a
// pull-mode instance once it has loaded a pending version.
func (h *Handler) AckSecrets(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	var req struct {
		Version int `json:"version"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Version <= 0 {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "version must be positive", nil)
		return
	}
	result, err := h.lifecycle.ConfirmSecretAdoption(r.Context(), id, req.Version)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, result)
}

// GetSecrets handles GET /api/v1/tenants/{tenantID}/secrets. Only metadata
// is returned, never values.
func (h *Handler) GetSecrets(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	ns, err := h.lifecycle.SecretNamespace(r.Context(), id)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, ns)
}
