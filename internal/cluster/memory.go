package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

type memWorkload struct {
	manifest    Manifest
	status      models.WorkloadStatus
	reloadToken string
}

type memNamespace struct {
	labels    map[string]string
	workloads map[string]*memWorkload
}

// MemoryAdapter is an in-process cluster used by CLUSTER_DRIVER=memory and by
// tests. Workloads become Ready as soon as they are applied unless a status
// or a failure is injected.
type MemoryAdapter struct {
	mu         sync.Mutex
	namespaces map[string]*memNamespace
	failures   map[string][]error
	applies    map[string]int
	// StatusOnApply, when set, decides the status a workload takes after apply.
	StatusOnApply func(m Manifest) models.WorkloadStatus
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		namespaces: make(map[string]*memNamespace),
		failures:   make(map[string][]error),
		applies:    make(map[string]int),
	}
}

var _ Adapter = (*MemoryAdapter)(nil)

// FailNext queues errors returned by the next calls of op, one per call.
// Ops are named like the metrics labels: apply_workload, delete_namespace, ...
func (a *MemoryAdapter) FailNext(op string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[op] = append(a.failures[op], errs...)
}

// SetStatus forces the observed status of a workload.
func (a *MemoryAdapter) SetStatus(namespace, name string, status models.WorkloadStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w := a.workload(namespace, name); w != nil {
		w.status = status
	}
}

// Applies counts ApplyWorkload calls that changed the workload in namespace.
func (a *MemoryAdapter) Applies(namespace string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applies[namespace]
}

func (a *MemoryAdapter) Workload(namespace, name string) (Manifest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.workload(namespace, name)
	if w == nil {
		return Manifest{}, false
	}
	return w.manifest, true
}

func (a *MemoryAdapter) ReloadToken(namespace, name string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w := a.workload(namespace, name); w != nil {
		return w.reloadToken
	}
	return ""
}

func (a *MemoryAdapter) Labels(namespace string) map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ns, ok := a.namespaces[namespace]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(ns.labels))
	for k, v := range ns.labels {
		out[k] = v
	}
	return out
}

func (a *MemoryAdapter) injected(op string) error {
	errs := a.failures[op]
	if len(errs) == 0 {
		return nil
	}
	a.failures[op] = errs[1:]
	return errs[0]
}

func (a *MemoryAdapter) workload(namespace, name string) *memWorkload {
	ns, ok := a.namespaces[namespace]
	if !ok {
		return nil
	}
	return ns.workloads[name]
}

func (a *MemoryAdapter) CreateNamespace(_ context.Context, namespace string, labels map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("create_namespace"); err != nil {
		return err
	}
	ns, ok := a.namespaces[namespace]
	if !ok {
		ns = &memNamespace{labels: map[string]string{}, workloads: map[string]*memWorkload{}}
		a.namespaces[namespace] = ns
	}
	for k, v := range withManaged(labels) {
		ns.labels[k] = v
	}
	return nil
}

func (a *MemoryAdapter) ApplyWorkload(_ context.Context, m Manifest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("apply_workload"); err != nil {
		return err
	}
	ns, ok := a.namespaces[m.Namespace]
	if !ok {
		return fmt.Errorf("namespace %s not found", m.Namespace)
	}
	w, ok := ns.workloads[m.Name]
	if ok && w.manifest.Revision() == m.Revision() {
		return nil
	}
	if !ok {
		w = &memWorkload{}
		ns.workloads[m.Name] = w
	}
	w.manifest = m
	w.status = models.WorkloadReady
	if a.StatusOnApply != nil {
		w.status = a.StatusOnApply(m)
	}
	a.applies[m.Namespace]++
	return nil
}

func (a *MemoryAdapter) GetWorkloadStatus(_ context.Context, namespace, name string) (models.WorkloadStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("get_workload_status"); err != nil {
		return models.WorkloadUnknown, err
	}
	w := a.workload(namespace, name)
	if w == nil {
		return models.WorkloadNotFound, nil
	}
	return w.status, nil
}

func (a *MemoryAdapter) ScaleWorkload(_ context.Context, namespace, name string, replicas int32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("scale_workload"); err != nil {
		return err
	}
	w := a.workload(namespace, name)
	if w == nil {
		return fmt.Errorf("workload %s/%s not found", namespace, name)
	}
	w.manifest.Replicas = replicas
	return nil
}

func (a *MemoryAdapter) SignalReload(_ context.Context, namespace, name, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("signal_reload"); err != nil {
		return err
	}
	w := a.workload(namespace, name)
	if w == nil {
		return fmt.Errorf("workload %s/%s not found", namespace, name)
	}
	w.reloadToken = token
	return nil
}

func (a *MemoryAdapter) NamespaceExists(_ context.Context, namespace string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("namespace_exists"); err != nil {
		return false, err
	}
	_, ok := a.namespaces[namespace]
	return ok, nil
}

func (a *MemoryAdapter) DeleteNamespace(_ context.Context, namespace string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("delete_namespace"); err != nil {
		return err
	}
	delete(a.namespaces, namespace)
	return nil
}
