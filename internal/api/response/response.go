package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/tenantplane/internal/apperr"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// statusByCode maps apperr codes to HTTP statuses.
var statusByCode = map[string]int{
	"VALIDATION_ERROR":    http.StatusBadRequest,
	"CONFLICT":            http.StatusConflict,
	"NOT_FOUND":           http.StatusNotFound,
	"CONFIGURATION_DRIFT": http.StatusConflict,
	"ESCALATED":           http.StatusConflict,
	"TIMEOUT":             http.StatusGatewayTimeout,
	"ADAPTER_ERROR":       http.StatusBadGateway,
	"UNAVAILABLE":         http.StatusServiceUnavailable,
}

// FromError writes the error envelope for a classified error. Unclassified
// errors are logged and reported without their message.
func FromError(w http.ResponseWriter, err error) {
	code := apperr.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		slog.Error("unhandled error", "error", err)
		Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	var details any
	var drift *apperr.DriftError
	var esc *apperr.EscalationError
	switch {
	case errors.As(err, &esc):
		details = map[string]any{"run_id": esc.RunID, "tenant_id": esc.TenantID}
	case errors.As(err, &drift):
		details = map[string]any{"tenant_id": drift.TenantID, "sequence": drift.Sequence, "fields": drift.Fields}
	}
	Error(w, status, code, err.Error(), details)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
