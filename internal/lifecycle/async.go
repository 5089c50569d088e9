package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/audit"
	"github.com/kiranshivaraju/tenantplane/internal/cache"
	"github.com/kiranshivaraju/tenantplane/internal/store"
	"github.com/kiranshivaraju/tenantplane/internal/workerpool"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// ErrBusy is returned when the worker pool cannot take another operation.
var ErrBusy = fmt.Errorf("%w: orchestrator is at capacity, retry later", apperr.ErrUnavailable)

// submit takes the tenant's lease synchronously, so a conflicting request
// fails before an operation is recorded, then runs fn on the worker pool.
// The returned id is both the correlation id and the operation id.
func (o *Orchestrator) submit(ctx context.Context, tenantID uuid.UUID, op string, fn step) (uuid.UUID, error) {
	ctx, corrID := audit.EnsureCorrelationID(ctx)
	lease, err := o.acquire(tenantID, op)
	if err != nil {
		return uuid.Nil, err
	}
	if err := o.createOperation(ctx, corrID, &tenantID, op); err != nil {
		lease.Release()
		return uuid.Nil, err
	}
	err = o.enqueue(ctx, corrID, op, func(ctx context.Context) error {
		defer lease.Release()
		return o.execute(ctx, lease, op, fn)
	}, lease.Release)
	if err != nil {
		return uuid.Nil, err
	}
	return corrID, nil
}

func (o *Orchestrator) createOperation(ctx context.Context, id uuid.UUID, tenantID *uuid.UUID, opType string) error {
	now := time.Now().UTC()
	op := &models.Operation{
		ID:        id,
		TenantID:  tenantID,
		Type:      opType,
		Status:    models.OperationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateOperation(ctx, op); err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	o.cacheStatus(ctx, op)
	return nil
}

// enqueue runs fn on the pool under operation id. The task context keeps
// ctx's values (the correlation id) but not its cancellation, since the
// request that submitted it returns immediately. When the pool rejects the
// task, abandon is called and the operation is marked failed.
func (o *Orchestrator) enqueue(ctx context.Context, id uuid.UUID, kind string, fn func(context.Context) error, abandon func()) error {
	taskCtx := audit.WithCorrelationID(context.WithoutCancel(ctx), id)
	err := o.pool.Submit(workerpool.Task{
		ID:      id.String(),
		Context: taskCtx,
		Fn: func(ctx context.Context) (err error) {
			o.setOperationStatus(ctx, id, kind, models.OperationRunning, nil)
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("operation panicked: %v", r)
				}
				if err != nil {
					o.setOperationStatus(ctx, id, kind, models.OperationFailed, err)
					return
				}
				o.setOperationStatus(ctx, id, kind, models.OperationCompleted, nil)
			}()
			return fn(ctx)
		},
	})
	if err != nil {
		abandon()
		o.setOperationStatus(ctx, id, kind, models.OperationFailed, err)
		if errors.Is(err, workerpool.ErrQueueFull) {
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) setOperationStatus(ctx context.Context, id uuid.UUID, kind, status string, cause error) {
	var opts []store.OperationUpdateOption
	if cause != nil {
		opts = append(opts, store.WithOperationError(apperr.Code(cause), cause.Error()))
	}
	if err := o.store.UpdateOperationStatus(ctx, id, status, opts...); err != nil {
		o.logger.Error("updating operation status", "operation_id", id, "status", status, "error", err)
	}
	o.cacheStatus(ctx, &models.Operation{ID: id, Type: kind, Status: status, UpdatedAt: time.Now().UTC()})
}

// cacheStatus publishes op's status for pollers, kept for as long as its
// kind and status warrant.
func (o *Orchestrator) cacheStatus(ctx context.Context, op *models.Operation) {
	if o.cache == nil {
		return
	}
	snap := cache.OperationSnapshot{
		ID: op.ID, Kind: op.Type, Status: op.Status, UpdatedAt: op.UpdatedAt,
	}
	if err := o.cache.PutOperation(ctx, snap, o.cfg.StatusTTL.For(op.Type, op.Status)); err != nil {
		o.logger.Warn("caching operation status", "operation_id", op.ID, "kind", op.Type, "error", err)
	}
}

// Operation returns the full record of an asynchronous operation.
func (o *Orchestrator) Operation(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	return o.store.GetOperation(ctx, id)
}

// OperationStatus returns just the status, served from the cache when
// possible.
func (o *Orchestrator) OperationStatus(ctx context.Context, id uuid.UUID) (string, error) {
	if o.cache != nil {
		snap, ok, err := o.cache.Operation(ctx, id)
		if err != nil {
			o.logger.Warn("reading cached operation status", "operation_id", id, "error", err)
		} else if ok {
			return snap.Status, nil
		}
	}
	op, err := o.store.GetOperation(ctx, id)
	if err != nil {
		return "", err
	}
	return op.Status, nil
}
