package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
)

// CorrelationHeader carries the correlation id in requests and responses.
const CorrelationHeader = "X-Correlation-ID"

// Correlation attaches a correlation id to the request context. A valid id
// supplied by the caller is reused; otherwise a new one is generated. The id
// is echoed in the response header.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(CorrelationHeader))
		if err != nil || id == uuid.Nil {
			id = uuid.New()
		}
		w.Header().Set(CorrelationHeader, id.String())
		next.ServeHTTP(w, r.WithContext(audit.WithCorrelationID(r.Context(), id)))
	})
}
