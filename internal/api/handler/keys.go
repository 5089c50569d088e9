package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/api/response"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

var validScopes = map[string]bool{
	models.ScopeRead:    true,
	models.ScopeOperate: true,
	models.ScopeAdmin:   true,
}

// GenerateAPIKey returns a new raw key and its stored form. The raw key is
// never persisted.
func GenerateAPIKey(name string, scopes []string) (string, *models.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, err
	}
	raw := "tp_" + hex.EncodeToString(buf)
	key, err := HashAPIKey(name, raw, scopes)
	if err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// HashAPIKey builds the stored form of a raw key chosen by the caller.
func HashAPIKey(name, raw string, scopes []string) (*models.APIKey, error) {
	if len(raw) < keyPrefixLen {
		return nil, fmt.Errorf("api key must be at least %d characters", keyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:keyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CreateKey handles POST /api/v1/admin/keys.
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if !decode(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{models.ScopeRead}
	}
	for _, s := range req.Scopes {
		if !validScopes[s] {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"scopes must be read, operate or admin", map[string]string{"scope": s})
			return
		}
	}

	raw, key, err := GenerateAPIKey(req.Name, req.Scopes)
	if err != nil {
		response.FromError(w, err)
		return
	}
	if err := h.keys.CreateAPIKey(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			response.Error(w, http.StatusConflict, "DUPLICATE_KEY_NAME", "An API key with this name already exists", nil)
			return
		}
		response.FromError(w, err)
		return
	}
	response.Created(w, createdKeyResponse{APIKey: key, Key: raw})
}

type createdKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// ListKeys handles GET /api/v1/admin/keys.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListAPIKeys(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.JSON(w, keys)
}

// RevokeKey handles DELETE /api/v1/admin/keys/{keyID}.
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "keyID")
	if !ok {
		return
	}
	if err := h.keys.RevokeAPIKey(r.Context(), id); err != nil {
		response.FromError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
