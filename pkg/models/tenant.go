// Package models contains the durable records shared across the control plane.
package models

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleState is the phase of a tenant's deployment.
type LifecycleState string

const (
	StateRequested    LifecycleState = "requested"
	StateValidating   LifecycleState = "validating"
	StateProvisioning LifecycleState = "provisioning"
	StateActive       LifecycleState = "active"
	StateScaling      LifecycleState = "scaling"
	StateDegraded     LifecycleState = "degraded"
	StateSuspended    LifecycleState = "suspended"
	StateTerminating  LifecycleState = "terminating"
	StateTerminated   LifecycleState = "terminated"
	StateFailed       LifecycleState = "failed"
)

// Terminal reports whether no further lifecycle operation other than
// retry (for Failed) or cleanup can follow.
func (s LifecycleState) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// ResourceQuota is the compute and storage budget applied to a tenant workload.
// CPU, Memory and Storage use Kubernetes quantity notation.
type ResourceQuota struct {
	CPU      string `json:"cpu"`
	Memory   string `json:"memory"`
	Storage  string `json:"storage"`
	Replicas int32  `json:"replicas"`
}

// Tenant is a single customer's isolated deployment. The record is never
// hard-deleted; Terminated tenants are retained for audit.
type Tenant struct {
	ID                uuid.UUID      `db:"id"                 json:"id"`
	Name              string         `db:"name"               json:"name"`
	DisplayName       string         `db:"display_name"       json:"display_name"`
	Tier              string         `db:"tier"               json:"tier"`
	Quota             ResourceQuota  `db:"quota"              json:"quota"`
	Domain            string         `db:"domain"             json:"domain"`
	Region            string         `db:"region"             json:"region"`
	Endpoint          string         `db:"endpoint"           json:"endpoint,omitempty"`
	State             LifecycleState `db:"state"              json:"state"`
	StateEnteredAt    time.Time      `db:"state_entered_at"   json:"state_entered_at"`
	ProvisionAttempts int            `db:"provision_attempts" json:"provision_attempts"`
	SuspendReason     *string        `db:"suspend_reason"     json:"suspend_reason,omitempty"`
	LastError         *string        `db:"last_error"         json:"last_error,omitempty"`
	CreatedAt         time.Time      `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"         json:"updated_at"`
}

// Namespace is the cluster namespace and secret path segment for the tenant.
func (t *Tenant) Namespace() string {
	return "tenant-" + t.Name
}

// TenantDescriptor is the onboarding request payload.
type TenantDescriptor struct {
	Name        string `json:"name"         validate:"required,min=3,max=40,dnslabel"`
	DisplayName string `json:"display_name" validate:"required,max=200"`
	Tier        string `json:"tier"         validate:"required"`
	Domain      string `json:"domain"       validate:"required,fqdn"`
	Region      string `json:"region"       validate:"required"`
}
