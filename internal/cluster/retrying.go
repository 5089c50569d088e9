package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/metrics"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"golang.org/x/time/rate"
)

// RetryConfig bounds every call made through a RetryingAdapter.
type RetryConfig struct {
	Attempts    int
	Delay       time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	// RPS and Burst size the token bucket shared by all tenants.
	RPS   float64
	Burst int
	Clock clock.Clock
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.Delay <= 0 {
		c.Delay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RPS <= 0 {
		c.RPS = 20
	}
	if c.Burst <= 0 {
		c.Burst = 40
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return c
}

// RetryingAdapter decorates an Adapter with a per-call timeout, bounded
// exponential backoff on transient errors and a shared rate limit. When the
// budget runs out the call fails with apperr.ErrAdapter.
type RetryingAdapter struct {
	inner   Adapter
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewRetryingAdapter(inner Adapter, cfg RetryConfig, logger *slog.Logger) *RetryingAdapter {
	cfg = cfg.withDefaults()
	return &RetryingAdapter{
		inner:   inner,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		logger:  logger,
	}
}

var _ Adapter = (*RetryingAdapter)(nil)

func (a *RetryingAdapter) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := a.limiter.Wait(ctx); err != nil {
				return err
			}
			callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
			defer cancel()
			return fn(callCtx)
		},
		IsFatalError: func(err error) bool {
			if ctx.Err() != nil {
				return true
			}
			return !errors.Is(err, ErrTransient) && !errors.Is(err, context.DeadlineExceeded)
		},
		NotifyFunc: func(err error, attempt int) {
			metrics.AdapterRetries.WithLabelValues(op).Inc()
			a.logger.Warn("cluster call failed, retrying", "op", op, "attempt", attempt, "error", err)
		},
		Attempts:    a.cfg.Attempts,
		Delay:       a.cfg.Delay,
		MaxDelay:    a.cfg.MaxDelay,
		BackoffFunc: retry.ExpBackoff(a.cfg.Delay, a.cfg.MaxDelay, 2, true),
		Clock:       a.cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		metrics.AdapterCalls.WithLabelValues(op, "ok").Inc()
		return nil
	}
	metrics.AdapterCalls.WithLabelValues(op, "error").Inc()

	switch {
	case retry.IsAttemptsExceeded(err):
		return fmt.Errorf("%w: %s failed after %d attempts: %v", apperr.ErrAdapter, op, a.cfg.Attempts, retry.LastError(err))
	case retry.IsRetryStopped(err), ctx.Err() != nil:
		return fmt.Errorf("%w: %s: %v", apperr.ErrTimeout, op, ctx.Err())
	case errors.Is(err, apperr.ErrValidation):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", apperr.ErrAdapter, op, err)
	}
}

func (a *RetryingAdapter) CreateNamespace(ctx context.Context, namespace string, labels map[string]string) error {
	return a.do(ctx, "create_namespace", func(ctx context.Context) error {
		return a.inner.CreateNamespace(ctx, namespace, labels)
	})
}

func (a *RetryingAdapter) ApplyWorkload(ctx context.Context, m Manifest) error {
	return a.do(ctx, "apply_workload", func(ctx context.Context) error {
		return a.inner.ApplyWorkload(ctx, m)
	})
}

func (a *RetryingAdapter) GetWorkloadStatus(ctx context.Context, namespace, name string) (models.WorkloadStatus, error) {
	status := models.WorkloadUnknown
	err := a.do(ctx, "get_workload_status", func(ctx context.Context) error {
		s, err := a.inner.GetWorkloadStatus(ctx, namespace, name)
		status = s
		return err
	})
	if err != nil {
		return models.WorkloadUnknown, err
	}
	return status, nil
}

func (a *RetryingAdapter) ScaleWorkload(ctx context.Context, namespace, name string, replicas int32) error {
	return a.do(ctx, "scale_workload", func(ctx context.Context) error {
		return a.inner.ScaleWorkload(ctx, namespace, name, replicas)
	})
}

func (a *RetryingAdapter) SignalReload(ctx context.Context, namespace, name, token string) error {
	return a.do(ctx, "signal_reload", func(ctx context.Context) error {
		return a.inner.SignalReload(ctx, namespace, name, token)
	})
}

func (a *RetryingAdapter) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	var exists bool
	err := a.do(ctx, "namespace_exists", func(ctx context.Context) error {
		e, err := a.inner.NamespaceExists(ctx, namespace)
		exists = e
		return err
	})
	return exists, err
}

func (a *RetryingAdapter) DeleteNamespace(ctx context.Context, namespace string) error {
	return a.do(ctx, "delete_namespace", func(ctx context.Context) error {
		return a.inner.DeleteNamespace(ctx, namespace)
	})
}
