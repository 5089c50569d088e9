// Package metrics holds the Prometheus collectors shared across the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tenantplane"

var (
	// OperationDuration measures lifecycle operations end to end.
	// Labels: type (provision, scale, ...), outcome (completed, failed)
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "operation_duration_seconds",
		Help:      "Lifecycle operation duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"type", "outcome"})

	// Transitions counts committed tenant state transitions.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Tenant state transitions",
	}, []string{"from", "to"})

	// Conflicts counts requests rejected because the tenant lease was held.
	Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "conflicts_total",
		Help:      "Mutations rejected because another operation held the tenant",
	}, []string{"type"})

	// TenantsByState is refreshed by the reconciler.
	TenantsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "tenants",
		Help:      "Tenants per lifecycle state",
	}, []string{"state"})

	// LeaseHold measures how long an operation held its tenant lease,
	// including time spent queued for a worker.
	LeaseHold = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "lease_hold_seconds",
		Help:      "Time a tenant lease was held per operation type",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"type"})

	LeasesHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "leases_held",
		Help:      "Tenant leases currently held",
	})

	WorkerQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "queue_utilization_percent",
		Help:      "Fill level of the lifecycle operation queue",
	})

	// AdapterCalls counts cluster adapter calls after retries.
	// Labels: op (apply_workload, ...), outcome (ok, error)
	AdapterCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cluster",
		Name:      "calls_total",
		Help:      "Cluster adapter calls by outcome",
	}, []string{"op", "outcome"})

	AdapterRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cluster",
		Name:      "retries_total",
		Help:      "Cluster adapter retry attempts",
	}, []string{"op"})

	SecretRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "secrets",
		Name:      "rotations_total",
		Help:      "Secret rotations by outcome (completed, propagation_failed, adoption_timeout)",
	}, []string{"outcome"})

	ConfigUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "config",
		Name:      "updates_total",
		Help:      "Configuration updates by strategy and consistency result",
	}, []string{"strategy", "consistency"})

	HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "checks_total",
		Help:      "Health checks by tier and result (healthy, unhealthy, sla_breach)",
	}, []string{"tier", "result"})

	HealthAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "alerts_total",
		Help:      "Health alerts raised by severity",
	}, []string{"severity"})

	RecoveryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "runs_total",
		Help:      "Disaster recovery runs by final status",
	}, []string{"status"})

	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Billing notifications dropped because the queue was full",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern and status class",
	}, []string{"method", "route", "status"})
)
