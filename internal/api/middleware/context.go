package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// Caller is the API key a request was authenticated with. Rate limits are
// counted per Prefix.
type Caller struct {
	KeyID  uuid.UUID
	Prefix string
	Scopes []string
}

// Allows reports whether the caller holds scope. The admin scope implies
// every other.
func (c Caller) Allows(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == models.ScopeAdmin {
			return true
		}
	}
	return false
}

type callerKey struct{}

// WithCaller returns a copy of ctx that carries c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the authenticated caller, if Authenticate ran.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
