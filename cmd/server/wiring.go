package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/cache"
	"github.com/kiranshivaraju/tenantplane/internal/cluster"
	"github.com/kiranshivaraju/tenantplane/internal/config"
	"github.com/kiranshivaraju/tenantplane/internal/configsync"
	"github.com/kiranshivaraju/tenantplane/internal/health"
	"github.com/kiranshivaraju/tenantplane/internal/instance"
	"github.com/kiranshivaraju/tenantplane/internal/lifecycle"
	"github.com/kiranshivaraju/tenantplane/internal/notify"
	"github.com/kiranshivaraju/tenantplane/internal/recovery"
	"github.com/kiranshivaraju/tenantplane/internal/secrets"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/internal/tenantlock"
	"github.com/kiranshivaraju/tenantplane/internal/tier"
	"github.com/kiranshivaraju/tenantplane/internal/workerpool"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// app is the set of running components behind the API.
type app struct {
	store        store.Store
	cache        cache.Cache
	orchestrator *lifecycle.Orchestrator
	monitor      *health.Monitor
	recovery     *recovery.Coordinator
	pool         *workerpool.Pool
	notifier     *notify.WebhookNotifier

	closers []func()
}

// close releases driver connections in reverse order of opening.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// drain waits for in-flight operations, recovery runs and billing
// deliveries.
func (a *app) drain(timeout time.Duration) {
	if err := a.pool.Stop(timeout); err != nil {
		slog.Warn("worker pool did not drain", "error", err)
	}
	a.recovery.Wait()
	if a.notifier != nil {
		a.notifier.Close(timeout)
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error
	if a.store, err = openStore(ctx, cfg, a, logger); err != nil {
		return nil, err
	}
	if a.cache, err = openCache(ctx, cfg, a, logger); err != nil {
		return nil, err
	}
	adapter, instances, err := openCluster(cfg, logger)
	if err != nil {
		return nil, err
	}
	backend, err := openSecrets(cfg)
	if err != nil {
		return nil, err
	}
	tiers, err := loadTiers(cfg.Tiers.CatalogPath)
	if err != nil {
		return nil, err
	}

	recorder := audit.NewRecorder(a.store, logger)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Billing.WebhookURL != "" {
		a.notifier = notify.NewWebhookNotifier(notify.WebhookConfig{URL: cfg.Billing.WebhookURL}, logger)
		notifier = a.notifier
	}

	a.pool = workerpool.New(workerpool.Config{
		Name:       "lifecycle",
		MaxWorkers: cfg.Orchestrator.Workers,
		QueueSize:  cfg.Orchestrator.QueueSize,
		Logger:     logger,
	})

	secretsCoord := secrets.NewCoordinator(a.store, backend, adapter, instances, recorder, secrets.Config{
		Mode:             cfg.Secrets.Mode,
		ManagedKeys:      cfg.Secrets.ManagedKeys,
		AdoptionPolls:    cfg.Secrets.AdoptionPolls,
		AdoptionInterval: cfg.Secrets.AdoptionInterval,
	}, logger.With("component", "secrets"))

	configCoord := configsync.NewCoordinator(a.store, instances, recorder, logger.With("component", "configsync"))

	a.monitor = health.NewMonitor(a.store, adapter, instances, tiers, health.Config{
		HistorySize: cfg.Health.HistorySize,
		Retention:   cfg.Health.Retention,
		Interval:    cfg.Health.Interval,
	}, logger.With("component", "health"))

	a.orchestrator = lifecycle.New(lifecycle.Deps{
		Store:    a.store,
		Cluster:  adapter,
		Secrets:  secretsCoord,
		Config:   configCoord,
		Tiers:    tiers,
		Locks:    tenantlock.New(),
		Pool:     a.pool,
		Cache:    a.cache,
		Notifier: notifier,
		Pruner:   a.monitor,
		Recorder: recorder,
		Logger:   logger.With("component", "lifecycle"),
	}, lifecycle.Config{
		ReadyPolls:           cfg.Orchestrator.ReadyPolls,
		ReadyInterval:        cfg.Orchestrator.ReadyInterval,
		ScaleConfirmPolls:    cfg.Orchestrator.ScaleConfirmPolls,
		MaxProvisionAttempts: cfg.Orchestrator.MaxProvisionAttempts,
		TerminateWait:        cfg.Orchestrator.TerminateWait,
		MaintenanceInterval:  cfg.Orchestrator.MaintenanceInterval,
	})

	a.recovery = recovery.NewCoordinator(a.store, a.orchestrator, a.monitor, configCoord, tiers, recorder, recovery.Config{
		ClusterStatusThreshold: cfg.Recovery.ClusterStatusThreshold,
		AutoExecute:            cfg.Recovery.AutoExecute,
	}, logger.With("component", "recovery"))

	// Warnings drive the orchestrator; critical alerts become recovery
	// candidates.
	a.monitor.Subscribe(a.orchestrator)
	a.monitor.Subscribe(a.recovery)

	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, a *app, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("using in-memory store, records are lost on restart")
		return store.NewMemoryStore(), nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	logger.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")
	return store.NewPostgresStore(pool), nil
}

func openCache(ctx context.Context, cfg *config.Config, a *app, logger *slog.Logger) (cache.Cache, error) {
	if cfg.Redis.Driver == "memory" {
		return cache.NewMemoryCache(), nil
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	a.closers = append(a.closers, func() { redisCache.Close() })

	if err := redisCache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")
	return redisCache, nil
}

// openCluster returns the cluster adapter and the client used to reach tenant
// instances. The memory cluster runs its instances in process.
func openCluster(cfg *config.Config, logger *slog.Logger) (cluster.Adapter, instance.Client, error) {
	retryCfg := cluster.RetryConfig{
		Attempts:    cfg.Retry.Attempts,
		Delay:       cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		CallTimeout: cfg.Retry.CallTimeout,
		RPS:         cfg.Kubernetes.QPS,
		Burst:       cfg.Kubernetes.Burst,
	}
	clusterLogger := logger.With("component", "cluster")

	if cfg.Kubernetes.Driver == "memory" {
		fleet := instance.NewFleet()
		mem := cluster.NewMemoryAdapter()
		mem.StatusOnApply = func(m cluster.Manifest) models.WorkloadStatus {
			fleet.Start(cluster.Endpoint(m.Namespace, m.Name, m.Port))
			return models.WorkloadReady
		}
		logger.Warn("using in-memory cluster and tenant instances")
		return cluster.NewRetryingAdapter(mem, retryCfg, clusterLogger), fleet, nil
	}

	client, err := cluster.NewClientset(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return nil, nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	logger.Info("kubernetes client ready", "kubeconfig", cfg.Kubernetes.Kubeconfig)
	kube := cluster.NewKubeAdapter(client, clusterLogger)
	return cluster.NewRetryingAdapter(kube, retryCfg, clusterLogger),
		instance.NewHTTPClient(cfg.Instance.Token, cfg.Instance.Timeout), nil
}

func openSecrets(cfg *config.Config) (secrets.Store, error) {
	if cfg.Vault.Driver == "memory" {
		return secrets.NewMemoryStore(), nil
	}
	vs, err := secrets.NewVaultStore(secrets.VaultConfig{
		Address:    cfg.Vault.Address,
		Token:      cfg.Vault.Token,
		Mount:      cfg.Vault.Mount,
		Timeout:    cfg.Vault.Timeout,
		MaxRetries: cfg.Vault.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	return vs, nil
}

func loadTiers(path string) (*tier.Resolver, error) {
	if path == "" {
		return tier.Default(), nil
	}
	r, err := tier.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tier catalog: %w", err)
	}
	return r, nil
}
