package audit

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// WithCorrelationID returns a context carrying id. Every record and audit
// event produced while handling that context is stamped with it.
func WithCorrelationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// CorrelationID returns the id carried by ctx, if any.
func CorrelationID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(contextKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// EnsureCorrelationID returns ctx unchanged when it already carries an id,
// otherwise a child context with a fresh one.
func EnsureCorrelationID(ctx context.Context) (context.Context, uuid.UUID) {
	if id, ok := CorrelationID(ctx); ok {
		return ctx, id
	}
	id := uuid.New()
	return WithCorrelationID(ctx, id), id
}
