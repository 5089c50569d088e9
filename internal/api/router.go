package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/tenantplane/internal/api/handler"
	mw "github.com/kiranshivaraju/tenantplane/internal/api/middleware"
	"github.com/kiranshivaraju/tenantplane/internal/api/response"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Handlers  *handler.Handler

	HealthHandler http.HandlerFunc
	Metrics       http.Handler
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Correlation)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	h := deps.Handlers
	if h == nil {
		return r
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeRead))

			r.Get("/api/v1/tenants", h.ListTenants)
			r.Get("/api/v1/tenants/{tenantID}", h.GetTenant)
			r.Get("/api/v1/tenants/{tenantID}/deployment", h.GetDeployment)
			r.Get("/api/v1/tenants/{tenantID}/health", h.GetHealth)
			r.Get("/api/v1/tenants/{tenantID}/health/history", h.GetHealthHistory)
			r.Get("/api/v1/tenants/{tenantID}/config", h.GetConfig)
			r.Get("/api/v1/tenants/{tenantID}/config/records", h.ListConfigRecords)
			r.Get("/api/v1/tenants/{tenantID}/secrets", h.GetSecrets)
			r.Get("/api/v1/operations/{operationID}", h.GetOperation)
			r.Get("/api/v1/recovery/runs", h.ListRecoveryRuns)
			r.Get("/api/v1/recovery/runs/{runID}", h.GetRecoveryRun)
			r.Get("/api/v1/audit", h.ListAudit)
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeOperate))

			r.Post("/api/v1/tenants", h.Onboard)
			r.Post("/api/v1/tenants/{tenantID}/scale", h.Scale)
			r.Post("/api/v1/tenants/{tenantID}/suspend", h.Suspend)
			r.Post("/api/v1/tenants/{tenantID}/resume", h.Resume)
			r.Post("/api/v1/tenants/{tenantID}/retry", h.Retry)
			r.Post("/api/v1/tenants/{tenantID}/redeploy", h.Redeploy)
			r.Post("/api/v1/tenants/{tenantID}/terminate", h.Terminate)
			r.Post("/api/v1/tenants/{tenantID}/config", h.UpdateConfig)
			r.Post("/api/v1/tenants/{tenantID}/config/reload", h.ReloadConfig)
			r.Post("/api/v1/tenants/{tenantID}/config/resync", h.ResyncConfig)
			r.Post("/api/v1/tenants/{tenantID}/secrets/rotate", h.RotateSecrets)
			r.Post("/api/v1/tenants/{tenantID}/secrets/flush", h.FlushSecrets)
			r.Post("/api/v1/tenants/{tenantID}/secrets/ack", h.AckSecrets)
			r.Post("/api/v1/recovery/detect", h.DetectDisaster)
			r.Post("/api/v1/recovery/runs/{runID}/execute", h.ExecuteRecovery)
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", h.CreateKey)
			r.Get("/api/v1/admin/keys", h.ListKeys)
			r.Delete("/api/v1/admin/keys/{keyID}", h.RevokeKey)
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
