package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"

	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const quotaName = "tenant-quota"

// KubeAdapter implements Adapter against a Kubernetes API server.
type KubeAdapter struct {
	client kubernetes.Interface
	logger *slog.Logger
}

func NewKubeAdapter(client kubernetes.Interface, logger *slog.Logger) *KubeAdapter {
	return &KubeAdapter{client: client, logger: logger}
}

// NewClientset builds a clientset from a kubeconfig path, or from the
// in-cluster service account when the path is empty.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

func (k *KubeAdapter) CreateNamespace(ctx context.Context, namespace string, labels map[string]string) error {
	api := k.client.CoreV1().Namespaces()
	want := withManaged(labels)

	ns, err := api.Get(ctx, namespace, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		_, err = api.Create(ctx, &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: namespace, Labels: want},
		}, metav1.CreateOptions{})
		if k8serrors.IsAlreadyExists(err) {
			return nil
		}
		return classify("create namespace", err)
	}
	if err != nil {
		return classify("get namespace", err)
	}
	if ns.DeletionTimestamp != nil {
		return fmt.Errorf("%w: namespace %s is terminating", ErrTransient, namespace)
	}
	if labelsContain(ns.Labels, want) {
		return nil
	}
	if ns.Labels == nil {
		ns.Labels = map[string]string{}
	}
	for key, v := range want {
		ns.Labels[key] = v
	}
	_, err = api.Update(ctx, ns, metav1.UpdateOptions{})
	return classify("update namespace", err)
}

func (k *KubeAdapter) ApplyWorkload(ctx context.Context, m Manifest) error {
	if err := k.applyQuota(ctx, m); err != nil {
		return err
	}
	if err := k.applyService(ctx, m); err != nil {
		return err
	}

	desired, err := buildDeployment(m)
	if err != nil {
		return err
	}
	api := k.client.AppsV1().Deployments(m.Namespace)

	existing, err := api.Get(ctx, m.Name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		_, err = api.Create(ctx, desired, metav1.CreateOptions{})
		return classify("create deployment", err)
	}
	if err != nil {
		return classify("get deployment", err)
	}
	if existing.Annotations[AnnotationRevision] == desired.Annotations[AnnotationRevision] {
		k.logger.Debug("workload revision unchanged", "namespace", m.Namespace, "revision", m.Revision())
		return nil
	}

	// Keep the pod template annotations that SignalReload owns.
	if token, ok := existing.Spec.Template.Annotations[AnnotationReloadToken]; ok {
		desired.Spec.Template.Annotations[AnnotationReloadToken] = token
	}
	existing.Labels = desired.Labels
	existing.Annotations = desired.Annotations
	existing.Spec = desired.Spec
	_, err = api.Update(ctx, existing, metav1.UpdateOptions{})
	return classify("update deployment", err)
}

func (k *KubeAdapter) applyQuota(ctx context.Context, m Manifest) error {
	storage, err := resource.ParseQuantity(m.Quota.Storage)
	if err != nil {
		return apperr.Validationf("storage quantity %q: %v", m.Quota.Storage, err)
	}
	// Room for one surge pod during rolling updates.
	pods := resource.NewQuantity(int64(m.Replicas)+1, resource.DecimalSI)
	desired := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: quotaName, Namespace: m.Namespace, Labels: withManaged(m.Labels)},
		Spec: corev1.ResourceQuotaSpec{Hard: corev1.ResourceList{
			corev1.ResourcePods:            *pods,
			corev1.ResourceRequestsStorage: storage,
		}},
	}

	api := k.client.CoreV1().ResourceQuotas(m.Namespace)
	existing, err := api.Get(ctx, quotaName, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		_, err = api.Create(ctx, desired, metav1.CreateOptions{})
		return classify("create resource quota", err)
	}
	if err != nil {
		return classify("get resource quota", err)
	}
	if quotaEqual(existing.Spec.Hard, desired.Spec.Hard) {
		return nil
	}
	existing.Spec.Hard = desired.Spec.Hard
	_, err = api.Update(ctx, existing, metav1.UpdateOptions{})
	return classify("update resource quota", err)
}

func (k *KubeAdapter) applyService(ctx context.Context, m Manifest) error {
	api := k.client.CoreV1().Services(m.Namespace)
	_, err := api.Get(ctx, m.Name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !k8serrors.IsNotFound(err) {
		return classify("get service", err)
	}
	_, err = api.Create(ctx, &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: m.Name, Namespace: m.Namespace, Labels: withManaged(m.Labels)},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": m.Name},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       m.Port,
				TargetPort: intstr.FromInt32(m.Port),
			}},
		},
	}, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		return nil
	}
	return classify("create service", err)
}

func (k *KubeAdapter) GetWorkloadStatus(ctx context.Context, namespace, name string) (models.WorkloadStatus, error) {
	d, err := k.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return models.WorkloadNotFound, nil
	}
	if err != nil {
		return models.WorkloadUnknown, classify("get deployment", err)
	}
	return deploymentStatus(d), nil
}

// deploymentStatus maps rollout progress onto the adapter's status set.
func deploymentStatus(d *appsv1.Deployment) models.WorkloadStatus {
	if d.DeletionTimestamp != nil {
		return models.WorkloadUnknown
	}
	for _, c := range d.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Status == corev1.ConditionFalse &&
			c.Reason == "ProgressDeadlineExceeded" {
			return models.WorkloadDegraded
		}
	}
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	if d.Status.ObservedGeneration < d.Generation {
		return models.WorkloadPending
	}
	if d.Status.UpdatedReplicas < desired {
		return models.WorkloadPending
	}
	if d.Status.ReadyReplicas >= desired && d.Status.AvailableReplicas >= desired {
		return models.WorkloadReady
	}
	for _, c := range d.Status.Conditions {
		if c.Type == appsv1.DeploymentAvailable && c.Status == corev1.ConditionFalse {
			return models.WorkloadDegraded
		}
	}
	return models.WorkloadPending
}

func (k *KubeAdapter) ScaleWorkload(ctx context.Context, namespace, name string, replicas int32) error {
	api := k.client.AppsV1().Deployments(namespace)
	d, err := api.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return classify("get deployment", err)
	}
	if d.Spec.Replicas != nil && *d.Spec.Replicas == replicas {
		return nil
	}
	d.Spec.Replicas = &replicas
	_, err = api.Update(ctx, d, metav1.UpdateOptions{})
	return classify("scale deployment", err)
}

func (k *KubeAdapter) SignalReload(ctx context.Context, namespace, name, token string) error {
	api := k.client.AppsV1().Deployments(namespace)
	d, err := api.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return classify("get deployment", err)
	}
	if d.Spec.Template.Annotations[AnnotationReloadToken] == token {
		return nil
	}
	if d.Spec.Template.Annotations == nil {
		d.Spec.Template.Annotations = map[string]string{}
	}
	d.Spec.Template.Annotations[AnnotationReloadToken] = token
	_, err = api.Update(ctx, d, metav1.UpdateOptions{})
	return classify("signal reload", err)
}

// NamespaceExists reports true for a namespace that is still terminating.
func (k *KubeAdapter) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	_, err := k.client.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, classify("get namespace", err)
	}
	return true, nil
}

func (k *KubeAdapter) DeleteNamespace(ctx context.Context, namespace string) error {
	policy := metav1.DeletePropagationForeground
	err := k.client.CoreV1().Namespaces().Delete(ctx, namespace, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if k8serrors.IsNotFound(err) {
		return nil
	}
	return classify("delete namespace", err)
}

func buildDeployment(m Manifest) (*appsv1.Deployment, error) {
	cpu, err := resource.ParseQuantity(m.Quota.CPU)
	if err != nil {
		return nil, apperr.Validationf("cpu quantity %q: %v", m.Quota.CPU, err)
	}
	mem, err := resource.ParseQuantity(m.Quota.Memory)
	if err != nil {
		return nil, apperr.Validationf("memory quantity %q: %v", m.Quota.Memory, err)
	}
	maxSurge := intstr.Parse(m.MaxSurge)
	maxUnavailable := intstr.Parse(m.MaxUnavailable)
	replicas := m.Replicas

	podLabels := map[string]string{"app": m.Name}
	for key, v := range m.Labels {
		podLabels[key] = v
	}

	keys := make([]string, 0, len(m.Env))
	for key := range m.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, key := range keys {
		env = append(env, corev1.EnvVar{Name: key, Value: m.Env[key]})
	}

	resources := corev1.ResourceList{corev1.ResourceCPU: cpu, corev1.ResourceMemory: mem}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        m.Name,
			Namespace:   m.Namespace,
			Labels:      withManaged(m.Labels),
			Annotations: map[string]string{AnnotationRevision: m.Revision()},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": m.Name}},
			Strategy: appsv1.DeploymentStrategy{
				Type: appsv1.RollingUpdateDeploymentStrategyType,
				RollingUpdate: &appsv1.RollingUpdateDeployment{
					MaxSurge:       &maxSurge,
					MaxUnavailable: &maxUnavailable,
				},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels, Annotations: map[string]string{}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:      "app",
						Image:     m.Image,
						Env:       env,
						Ports:     []corev1.ContainerPort{{Name: "http", ContainerPort: m.Port}},
						Resources: corev1.ResourceRequirements{Requests: resources, Limits: resources},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{HTTPGet: &corev1.HTTPGetAction{
								Path: "/internal/health",
								Port: intstr.FromInt32(m.Port),
							}},
							PeriodSeconds: 10,
						},
					}},
				},
			},
		},
	}, nil
}

// classify wraps err with ErrTransient when a retry could succeed and with
// ErrValidation when the API server rejected the object.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case k8serrors.IsInvalid(err), k8serrors.IsBadRequest(err):
		return fmt.Errorf("%w: %s: %v", apperr.ErrValidation, op, err)
	case k8serrors.IsServerTimeout(err), k8serrors.IsTimeout(err), k8serrors.IsTooManyRequests(err),
		k8serrors.IsServiceUnavailable(err), k8serrors.IsInternalError(err), k8serrors.IsConflict(err),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func withManaged(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for key, v := range labels {
		out[key] = v
	}
	out[LabelManaged] = managedBy
	return out
}

func labelsContain(have, want map[string]string) bool {
	for key, v := range want {
		if have[key] != v {
			return false
		}
	}
	return true
}

func quotaEqual(a, b corev1.ResourceList) bool {
	if len(a) != len(b) {
		return false
	}
	for name, qa := range a {
		qb, ok := b[name]
		if !ok || qa.Cmp(qb) != 0 {
			return false
		}
	}
	return true
}
