// Package main is the entrypoint for the tenantplane control plane server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/tenantplane/internal/api"
	"github.com/kiranshivaraju/tenantplane/internal/api/handler"
	mw "github.com/kiranshivaraju/tenantplane/internal/api/middleware"
	"github.com/kiranshivaraju/tenantplane/internal/api/response"
	"github.com/kiranshivaraju/tenantplane/internal/cache"
	"github.com/kiranshivaraju/tenantplane/internal/config"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("tenantplane failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane API, health monitor and lifecycle workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConfig(cmd.Context(), serve)
		},
	}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConfig(cmd.Context(), migrateOnly)
		},
	}

	root := &cobra.Command{
		Use:           "tenantplane",
		Short:         "Control plane for isolated per-tenant SaaS deployments",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}
	root.AddCommand(serveCmd, migrateCmd)
	return root
}

// withConfig loads configuration, installs the JSON logger and runs fn until
// SIGINT or SIGTERM.
func withConfig(parent context.Context, fn func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error) error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, cfg, logger)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func migrateOnly(_ context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate requires STORE_DRIVER=postgres, got %q", cfg.Database.Driver)
	}
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied", "dir", cfg.Database.MigrationsDir)
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Database.Driver,
		"cache", cfg.Redis.Driver,
		"cluster", cfg.Kubernetes.Driver,
		"secrets", cfg.Vault.Driver,
		"secrets_mode", cfg.Secrets.Mode,
	)

	// 2. Open drivers and build the components
	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if err := bootstrapKey(ctx, app.store, cfg.Server.BootstrapAPIKey, logger); err != nil {
		return fmt.Errorf("bootstrap api key: %w", err)
	}

	// 3. Settle whatever a previous process left in flight
	if err := app.orchestrator.ReconcileStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	// 4. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(app.store),
		RateLimit: mw.NewRateLimit(app.cache, cfg.Redis.RateLimit),
		Handlers: handler.New(handler.Deps{
			Lifecycle: app.orchestrator,
			Records:   app.store,
			Health:    app.monitor,
			Recovery:  app.recovery,
			Keys:      app.store,
		}),
		HealthHandler: healthHandler(app.store, app.cache),
		Metrics:       promhttp.Handler(),
	})

	// 5. Start HTTP server and background loops
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.monitor.Run(gctx)
	})
	g.Go(func() error {
		app.orchestrator.RunMaintenanceLoop(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	app.drain(shutdownTimeout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}

// bootstrapKey stores raw as an admin key unless an active key already
// matches it.
func bootstrapKey(ctx context.Context, s store.Store, raw string, logger *slog.Logger) error {
	if raw == "" {
		return nil
	}
	key, err := handler.HashAPIKey("bootstrap", raw, []string{models.ScopeAdmin})
	if err != nil {
		return err
	}
	existing, err := s.GetAPIKeyByPrefix(ctx, key.KeyPrefix)
	if err != nil {
		return err
	}
	for _, k := range existing {
		if mw.KeyMatches(k, raw) {
			return nil
		}
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			logger.Warn("bootstrap key not stored, a key named bootstrap already exists")
			return nil
		}
		return err
	}
	logger.Info("bootstrap admin key stored", "key_prefix", key.KeyPrefix)
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
