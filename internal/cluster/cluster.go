// Package cluster drives tenant workloads on the container orchestration
// platform. Every Adapter call is idempotent on identical input.
package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// ErrTransient marks an infrastructure error worth retrying.
var ErrTransient = errors.New("transient cluster error")

const (
	LabelTenant  = "tenantplane.io/tenant"
	LabelTier    = "tenantplane.io/tier"
	LabelManaged = "app.kubernetes.io/managed-by"

	AnnotationRevision    = "tenantplane.io/manifest-revision"
	AnnotationReloadToken = "tenantplane.io/reload-token"

	managedBy = "tenantplane"

	// WorkloadName is the deployment and service name inside every tenant namespace.
	WorkloadName = "tenant-app"
)

// Adapter is the contract the orchestrator and coordinators use to reach the cluster.
type Adapter interface {
	CreateNamespace(ctx context.Context, namespace string, labels map[string]string) error
	ApplyWorkload(ctx context.Context, m Manifest) error
	GetWorkloadStatus(ctx context.Context, namespace, name string) (models.WorkloadStatus, error)
	ScaleWorkload(ctx context.Context, namespace, name string, replicas int32) error
	// SignalReload restarts pods so they pick up new secrets. Repeating the
	// same token is a no-op.
	SignalReload(ctx context.Context, namespace, name, token string) error
	NamespaceExists(ctx context.Context, namespace string) (bool, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Manifest is the desired state of a tenant workload.
type Manifest struct {
	Namespace      string               `json:"namespace"`
	Name           string               `json:"name"`
	Image          string               `json:"image"`
	Replicas       int32                `json:"replicas"`
	Quota          models.ResourceQuota `json:"quota"`
	Env            map[string]string    `json:"env,omitempty"`
	Labels         map[string]string    `json:"labels,omitempty"`
	MaxSurge       string               `json:"max_surge"`
	MaxUnavailable string               `json:"max_unavailable"`
	Port           int32                `json:"port"`
}

// Revision is a content hash of the manifest. Map keys are sorted by the
// JSON encoder so equal manifests always hash equally.
func (m Manifest) Revision() string {
	data, _ := json.Marshal(m)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:12])
}

func (m Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Endpoint is the in-cluster address of a tenant workload's service.
func Endpoint(namespace, name string, port int32) string {
	return fmt.Sprintf("http://%s.%s.svc:%d", name, namespace, port)
}
