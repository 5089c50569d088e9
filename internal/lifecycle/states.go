package lifecycle

import (
	"fmt"

	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// transitions is the complete lifecycle state machine. Every state change
// goes through CanTransition.
var transitions = map[models.LifecycleState][]models.LifecycleState{
	models.StateRequested:    {models.StateValidating, models.StateTerminating},
	models.StateValidating:   {models.StateProvisioning, models.StateFailed, models.StateTerminating},
	models.StateProvisioning: {models.StateActive, models.StateFailed, models.StateTerminating},
	models.StateActive:       {models.StateScaling, models.StateDegraded, models.StateSuspended, models.StateTerminating},
	models.StateScaling:      {models.StateActive, models.StateDegraded, models.StateFailed, models.StateTerminating},
	models.StateDegraded:     {models.StateActive, models.StateScaling, models.StateSuspended, models.StateTerminating},
	models.StateSuspended:    {models.StateScaling, models.StateTerminating},
	models.StateTerminating:  {models.StateTerminated},
	models.StateFailed:       {models.StateValidating, models.StateTerminating},
	models.StateTerminated:   nil,
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to models.LifecycleState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// requireState returns a validation error unless t is in one of states.
func requireState(t *models.Tenant, op string, states ...models.LifecycleState) error {
	for _, s := range states {
		if t.State == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not allowed for tenant %s in state %s", apperr.ErrValidation, op, t.Name, t.State)
}
