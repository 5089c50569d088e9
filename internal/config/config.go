package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tenantplane server.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Kubernetes   KubernetesConfig
	Vault        VaultConfig
	Instance     InstanceConfig
	Tiers        TiersConfig
	Orchestrator OrchestratorConfig
	Retry        RetryConfig
	Health       HealthConfig
	Secrets      SecretsConfig
	Recovery     RecoveryConfig
	Billing      BillingConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
	// BootstrapAPIKey, when set, is stored as an admin key on startup so a
	// fresh deployment can create its first operator keys.
	BootstrapAPIKey string
}

type DatabaseConfig struct {
	// Driver is postgres or memory.
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	// Driver is redis or memory.
	Driver string
	URL    string
	// RateLimit is the number of API requests allowed per key per minute.
	RateLimit int
}

type KubernetesConfig struct {
	// Driver is kube or memory.
	Driver     string
	Kubeconfig string
	QPS        float64
	Burst      int
}

type VaultConfig struct {
	// Driver is vault or memory.
	Driver     string
	Address    string
	Token      string
	Mount      string
	Timeout    time.Duration
	MaxRetries int
}

type InstanceConfig struct {
	Token   string
	Timeout time.Duration
}

type TiersConfig struct {
	// CatalogPath is an optional YAML file replacing the built-in tiers.
	CatalogPath string
}

type OrchestratorConfig struct {
	Workers              int
	QueueSize            int
	ReadyPolls           int
	ReadyInterval        time.Duration
	ScaleConfirmPolls    int
	MaxProvisionAttempts int
	TerminateWait        time.Duration
	MaintenanceInterval  time.Duration
}

type RetryConfig struct {
	Attempts    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

type HealthConfig struct {
	// Interval overrides every tier's polling interval when non-zero.
	Interval    time.Duration
	HistorySize int
	Retention   time.Duration
}

type SecretsConfig struct {
	Mode             string
	ManagedKeys      []string
	AdoptionPolls    int
	AdoptionInterval time.Duration
}

type RecoveryConfig struct {
	AutoExecute            bool
	ClusterStatusThreshold time.Duration
}

type BillingConfig struct {
	WebhookURL string
}

var (
	validStoreDrivers   = map[string]bool{"postgres": true, "memory": true}
	validCacheDrivers   = map[string]bool{"redis": true, "memory": true}
	validClusterDrivers = map[string]bool{"kube": true, "memory": true}
	validSecretDrivers  = map[string]bool{"vault": true, "memory": true}
	validSecretModes    = map[string]bool{"push": true, "pull": true}
	validLogLevels      = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("TENANTPLANE_PORT", 8080),
			Env:             envString("TENANTPLANE_ENV", "development"),
			LogLevel:        strings.ToLower(envString("LOG_LEVEL", "info")),
			BootstrapAPIKey: os.Getenv("TENANTPLANE_BOOTSTRAP_API_KEY"),
		},
		Database: DatabaseConfig{
			Driver:          envString("STORE_DRIVER", "postgres"),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Driver:    envString("CACHE_DRIVER", "redis"),
			URL:       os.Getenv("REDIS_URL"),
			RateLimit: envInt("API_RATE_LIMIT_PER_MINUTE", 120),
		},
		Kubernetes: KubernetesConfig{
			Driver:     envString("CLUSTER_DRIVER", "kube"),
			Kubeconfig: os.Getenv("KUBECONFIG"),
			QPS:        envFloat("KUBE_QPS", 20),
			Burst:      envInt("KUBE_BURST", 40),
		},
		Vault: VaultConfig{
			Driver:     envString("SECRETS_DRIVER", "vault"),
			Address:    os.Getenv("VAULT_ADDR"),
			Token:      os.Getenv("VAULT_TOKEN"),
			Mount:      envString("VAULT_MOUNT", "secret"),
			Timeout:    envDuration("VAULT_TIMEOUT", 10*time.Second),
			MaxRetries: envInt("VAULT_MAX_RETRIES", 2),
		},
		Instance: InstanceConfig{
			Token:   os.Getenv("INSTANCE_TOKEN"),
			Timeout: envDuration("INSTANCE_TIMEOUT", 10*time.Second),
		},
		Tiers: TiersConfig{
			CatalogPath: os.Getenv("TIER_CATALOG_PATH"),
		},
		Orchestrator: OrchestratorConfig{
			Workers:              envInt("ORCHESTRATOR_WORKERS", 8),
			QueueSize:            envInt("ORCHESTRATOR_QUEUE_SIZE", 256),
			ReadyPolls:           envInt("ORCHESTRATOR_READY_POLLS", 20),
			ReadyInterval:        envDuration("ORCHESTRATOR_READY_INTERVAL", 3*time.Second),
			ScaleConfirmPolls:    envInt("ORCHESTRATOR_SCALE_CONFIRM_POLLS", 20),
			MaxProvisionAttempts: envInt("ORCHESTRATOR_MAX_PROVISION_ATTEMPTS", 3),
			TerminateWait:        envDuration("ORCHESTRATOR_TERMINATE_WAIT", 5*time.Minute),
			MaintenanceInterval:  envDuration("ORCHESTRATOR_MAINTENANCE_INTERVAL", time.Minute),
		},
		Retry: RetryConfig{
			Attempts:    envInt("RETRY_ATTEMPTS", 5),
			BaseDelay:   envDuration("RETRY_BASE_DELAY", 200*time.Millisecond),
			MaxDelay:    envDuration("RETRY_MAX_DELAY", 5*time.Second),
			CallTimeout: envDuration("RETRY_CALL_TIMEOUT", 15*time.Second),
		},
		Health: HealthConfig{
			Interval:    envDuration("HEALTH_INTERVAL", 0),
			HistorySize: envInt("HEALTH_HISTORY_SIZE", 100),
			Retention:   envDuration("HEALTH_RETENTION", 7*24*time.Hour),
		},
		Secrets: SecretsConfig{
			Mode:             envString("SECRETS_MODE", "push"),
			ManagedKeys:      envList("SECRETS_MANAGED_KEYS", []string{"db_password", "api_signing_key"}),
			AdoptionPolls:    envInt("SECRETS_ADOPTION_POLLS", 10),
			AdoptionInterval: envDuration("SECRETS_ADOPTION_INTERVAL", 2*time.Second),
		},
		Recovery: RecoveryConfig{
			AutoExecute:            envBool("RECOVERY_AUTO_EXECUTE", false),
			ClusterStatusThreshold: envDuration("RECOVERY_CLUSTER_STATUS_THRESHOLD", 5*time.Minute),
		},
		Billing: BillingConfig{
			WebhookURL: os.Getenv("BILLING_WEBHOOK_URL"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if !validStoreDrivers[c.Database.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}

	if !validCacheDrivers[c.Redis.Driver] {
		return fmt.Errorf("CACHE_DRIVER must be one of redis, memory; got %q", c.Redis.Driver)
	}
	if c.Redis.Driver == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when CACHE_DRIVER is redis")
	}

	if !validClusterDrivers[c.Kubernetes.Driver] {
		return fmt.Errorf("CLUSTER_DRIVER must be one of kube, memory; got %q", c.Kubernetes.Driver)
	}

	if !validSecretDrivers[c.Vault.Driver] {
		return fmt.Errorf("SECRETS_DRIVER must be one of vault, memory; got %q", c.Vault.Driver)
	}
	if c.Vault.Driver == "vault" {
		if c.Vault.Address == "" {
			return fmt.Errorf("VAULT_ADDR is required when SECRETS_DRIVER is vault")
		}
		if !strings.HasPrefix(c.Vault.Address, "http://") && !strings.HasPrefix(c.Vault.Address, "https://") {
			return fmt.Errorf("VAULT_ADDR must start with http:// or https://, got %q", c.Vault.Address)
		}
		if c.Vault.Token == "" {
			return fmt.Errorf("VAULT_TOKEN is required when SECRETS_DRIVER is vault")
		}
	}

	if c.Kubernetes.Driver == "kube" && c.Instance.Token == "" {
		return fmt.Errorf("INSTANCE_TOKEN is required when CLUSTER_DRIVER is kube")
	}

	if !validSecretModes[c.Secrets.Mode] {
		return fmt.Errorf("SECRETS_MODE must be one of push, pull; got %q", c.Secrets.Mode)
	}

	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("ORCHESTRATOR_WORKERS must be positive, got %d", c.Orchestrator.Workers)
	}

	if c.Billing.WebhookURL != "" &&
		!strings.HasPrefix(c.Billing.WebhookURL, "http://") && !strings.HasPrefix(c.Billing.WebhookURL, "https://") {
		return fmt.Errorf("BILLING_WEBHOOK_URL must start with http:// or https://, got %q", c.Billing.WebhookURL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated value, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
