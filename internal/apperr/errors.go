// Package apperr defines the error taxonomy shared by every control plane
// component. Components wrap a sentinel with fmt.Errorf("%w: ...") so callers
// can classify with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrValidation is bad input. Never retried, returned to the caller.
	ErrValidation = errors.New("validation failed")
	// ErrConflict means another mutation for the same tenant is in flight.
	ErrConflict = errors.New("operation already in progress for tenant")
	// ErrAdapter is an infrastructure failure left after the retry budget ran out.
	ErrAdapter = errors.New("infrastructure adapter failed")
	// ErrConfigurationDrift means both platforms applied a change but disagree afterwards.
	ErrConfigurationDrift = errors.New("configuration drift detected")
	// ErrTimeout is a bounded wait that was exceeded.
	ErrTimeout = errors.New("operation timed out")
	// ErrEscalation means disaster recovery halted and needs an operator.
	ErrEscalation = errors.New("recovery escalated")
	// ErrNotFound is a missing tenant, record or run.
	ErrNotFound = errors.New("resource not found")
	// ErrUnavailable means the control plane cannot accept more work right now.
	ErrUnavailable = errors.New("temporarily unavailable")
)

// DriftError lists the fields whose effective values differ between the
// control plane and the tenant instance.
type DriftError struct {
	TenantID uuid.UUID
	Sequence int64
	Fields   []string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("%s: tenant %s record %d: fields %s",
		ErrConfigurationDrift, e.TenantID, e.Sequence, strings.Join(e.Fields, ","))
}

func (e *DriftError) Is(target error) bool {
	return target == ErrConfigurationDrift
}

// EscalationError reports the tenant at which a recovery run halted.
type EscalationError struct {
	RunID    uuid.UUID
	TenantID uuid.UUID
	Err      error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("%s: run %s halted at tenant %s: %v", ErrEscalation, e.RunID, e.TenantID, e.Err)
}

func (e *EscalationError) Is(target error) bool {
	return target == ErrEscalation
}

func (e *EscalationError) Unwrap() error {
	return e.Err
}

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict reports that tenant already has an operation in flight.
func Conflict(tenantID uuid.UUID, holder string) error {
	return fmt.Errorf("%w: tenant %s held by %s", ErrConflict, tenantID, holder)
}

// Code maps an error to the stable code exposed by the API and stored on
// failed operations.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConfigurationDrift):
		return "CONFIGURATION_DRIFT"
	case errors.Is(err, ErrEscalation):
		return "ESCALATED"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrAdapter):
		return "ADAPTER_ERROR"
	case errors.Is(err, ErrUnavailable):
		return "UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}
