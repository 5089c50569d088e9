package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", apperr.Validationf("name %q taken", "acme"), "VALIDATION_ERROR"},
		{"conflict", apperr.Conflict(uuid.New(), "op-1"), "CONFLICT"},
		{"wrapped adapter", fmt.Errorf("provision: %w", fmt.Errorf("%w: apply", apperr.ErrAdapter)), "ADAPTER_ERROR"},
		{"drift", &apperr.DriftError{Fields: []string{"plan"}}, "CONFIGURATION_DRIFT"},
		{"escalation", &apperr.EscalationError{Err: errors.New("boom")}, "ESCALATED"},
		{"unavailable", fmt.Errorf("%w: queue full", apperr.ErrUnavailable), "UNAVAILABLE"},
		{"timeout", fmt.Errorf("%w: ready", apperr.ErrTimeout), "TIMEOUT"},
		{"other", errors.New("boom"), "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.Code(tt.err))
		})
	}
}

func TestDriftError_Is(t *testing.T) {
	err := fmt.Errorf("update: %w", &apperr.DriftError{TenantID: uuid.New(), Sequence: 3, Fields: []string{"a", "b"}})
	assert.ErrorIs(t, err, apperr.ErrConfigurationDrift)

	var drift *apperr.DriftError
	assert.True(t, errors.As(err, &drift))
	assert.Equal(t, []string{"a", "b"}, drift.Fields)
	assert.Contains(t, err.Error(), "a,b")
}

func TestEscalationError_UnwrapsCause(t *testing.T) {
	cause := fmt.Errorf("%w: not ready", apperr.ErrTimeout)
	err := &apperr.EscalationError{RunID: uuid.New(), TenantID: uuid.New(), Err: cause}
	assert.ErrorIs(t, err, apperr.ErrEscalation)
	assert.ErrorIs(t, err, apperr.ErrTimeout)
}
