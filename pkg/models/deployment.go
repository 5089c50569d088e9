package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkloadStatus is the cluster-reported status of a tenant workload.
type WorkloadStatus string

const (
	WorkloadPending  WorkloadStatus = "pending"
	WorkloadReady    WorkloadStatus = "ready"
	WorkloadDegraded WorkloadStatus = "degraded"
	WorkloadUnknown  WorkloadStatus = "unknown"
	WorkloadNotFound WorkloadStatus = "not_found"
)

// Deployment is the single active workload record of a tenant. It is owned by
// the lifecycle orchestrator; the health monitor may only write Annotations.
type Deployment struct {
	TenantID         uuid.UUID         `db:"tenant_id"          json:"tenant_id"`
	Namespace        string            `db:"namespace"          json:"namespace"`
	WorkloadName     string            `db:"workload_name"      json:"workload_name"`
	ManifestRevision string            `db:"manifest_revision"  json:"manifest_revision"`
	Manifest         []byte            `db:"manifest"           json:"-"`
	Replicas         int32             `db:"replicas"           json:"replicas"`
	Quota            ResourceQuota     `db:"quota"              json:"quota"`
	Status           WorkloadStatus    `db:"status"             json:"status"`
	StatusSince      time.Time         `db:"status_since"       json:"status_since"`
	LastGoodRevision string            `db:"last_good_revision" json:"last_good_revision,omitempty"`
	LastGoodManifest []byte            `db:"last_good_manifest" json:"-"`
	Annotations      map[string]string `db:"annotations"        json:"annotations,omitempty"`
	DeletedAt        *time.Time        `db:"deleted_at"         json:"deleted_at,omitempty"`
	CreatedAt        time.Time         `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at"         json:"updated_at"`
}
