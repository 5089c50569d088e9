// Package tier maps subscription tiers to resource quotas, manifest template
// parameters and health thresholds.
package tier

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// SLA holds the per-tier thresholds a health poll is evaluated against.
type SLA struct {
	Availability float64       `yaml:"availability"   json:"availability"`
	P95Latency   time.Duration `yaml:"p95_latency"    json:"p95_latency"`
	ErrorRate    float64       `yaml:"error_rate"     json:"error_rate"`
}

// Descriptor is everything the orchestrator and health monitor need to know
// about a tier.
type Descriptor struct {
	Name             string               `yaml:"name"              json:"name"`
	Quota            models.ResourceQuota `yaml:"quota"             json:"quota"`
	Image            string               `yaml:"image"             json:"image"`
	MaxSurge         string               `yaml:"max_surge"         json:"max_surge"`
	MaxUnavailable   string               `yaml:"max_unavailable"   json:"max_unavailable"`
	HealthInterval   time.Duration        `yaml:"health_interval"   json:"health_interval"`
	FailureThreshold int                  `yaml:"failure_threshold" json:"failure_threshold"`
	EscalateAfter    time.Duration        `yaml:"escalate_after"    json:"escalate_after"`
	SLA              SLA                  `yaml:"sla"               json:"sla"`
	Features         []string             `yaml:"features"          json:"features"`
}

// Resolver is an immutable tier catalog.
type Resolver struct {
	tiers map[string]Descriptor
}

const defaultImage = "registry.internal/tenant-app:stable"

var builtin = []Descriptor{
	{
		Name:             "small",
		Quota:            models.ResourceQuota{CPU: "500m", Memory: "1Gi", Storage: "10Gi", Replicas: 1},
		Image:            defaultImage,
		MaxSurge:         "1",
		MaxUnavailable:   "0",
		HealthInterval:   60 * time.Second,
		FailureThreshold: 3,
		EscalateAfter:    15 * time.Minute,
		SLA:              SLA{Availability: 99.0, P95Latency: 1500 * time.Millisecond, ErrorRate: 0.05},
		Features:         []string{"core"},
	},
	{
		Name:             "medium",
		Quota:            models.ResourceQuota{CPU: "1", Memory: "2Gi", Storage: "50Gi", Replicas: 2},
		Image:            defaultImage,
		MaxSurge:         "1",
		MaxUnavailable:   "0",
		HealthInterval:   30 * time.Second,
		FailureThreshold: 3,
		EscalateAfter:    10 * time.Minute,
		SLA:              SLA{Availability: 99.5, P95Latency: time.Second, ErrorRate: 0.02},
		Features:         []string{"core", "reports"},
	},
	{
		Name:             "large",
		Quota:            models.ResourceQuota{CPU: "2", Memory: "4Gi", Storage: "200Gi", Replicas: 3},
		Image:            defaultImage,
		MaxSurge:         "25%",
		MaxUnavailable:   "0",
		HealthInterval:   15 * time.Second,
		FailureThreshold: 3,
		EscalateAfter:    5 * time.Minute,
		SLA:              SLA{Availability: 99.9, P95Latency: 750 * time.Millisecond, ErrorRate: 0.01},
		Features:         []string{"core", "reports", "sso"},
	},
	{
		Name:             "enterprise",
		Quota:            models.ResourceQuota{CPU: "4", Memory: "8Gi", Storage: "1Ti", Replicas: 5},
		Image:            defaultImage,
		MaxSurge:         "25%",
		MaxUnavailable:   "1",
		HealthInterval:   10 * time.Second,
		FailureThreshold: 2,
		EscalateAfter:    3 * time.Minute,
		SLA:              SLA{Availability: 99.95, P95Latency: 500 * time.Millisecond, ErrorRate: 0.005},
		Features:         []string{"core", "reports", "sso", "dedicated-support"},
	},
}

// Default returns the built-in catalog.
func Default() *Resolver {
	r, err := NewResolver(builtin)
	if err != nil {
		panic(err)
	}
	return r
}

// NewResolver validates the descriptors and builds a catalog.
func NewResolver(tiers []Descriptor) (*Resolver, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier catalog is empty")
	}
	r := &Resolver{tiers: make(map[string]Descriptor, len(tiers))}
	for _, d := range tiers {
		if err := validate(d); err != nil {
			return nil, fmt.Errorf("tier %q: %w", d.Name, err)
		}
		if _, dup := r.tiers[d.Name]; dup {
			return nil, fmt.Errorf("tier %q defined twice", d.Name)
		}
		r.tiers[d.Name] = d
	}
	return r, nil
}

// LoadFile reads a YAML catalog of the form `tiers: [...]`.
func LoadFile(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier catalog: %w", err)
	}
	var doc struct {
		Tiers []Descriptor `yaml:"tiers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tier catalog: %w", err)
	}
	return NewResolver(doc.Tiers)
}

// Resolve returns the descriptor for name. Unknown tiers are a validation error.
func (r *Resolver) Resolve(name string) (Descriptor, error) {
	d, ok := r.tiers[name]
	if !ok {
		return Descriptor{}, apperr.Validationf("unknown tier %q", name)
	}
	return d, nil
}

// Names returns the catalog's tier names in sorted order.
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.tiers))
	for n := range r.tiers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func validate(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Image == "" {
		return fmt.Errorf("image is required")
	}
	if d.Quota.Replicas < 1 {
		return fmt.Errorf("replicas must be at least 1, got %d", d.Quota.Replicas)
	}
	for field, q := range map[string]string{"cpu": d.Quota.CPU, "memory": d.Quota.Memory, "storage": d.Quota.Storage} {
		if _, err := resource.ParseQuantity(q); err != nil {
			return fmt.Errorf("quota %s %q: %w", field, q, err)
		}
	}
	for field, v := range map[string]string{"max_surge": d.MaxSurge, "max_unavailable": d.MaxUnavailable} {
		iv := intstr.Parse(v)
		if _, err := intstr.GetScaledValueFromIntOrPercent(&iv, int(d.Quota.Replicas), true); err != nil {
			return fmt.Errorf("%s %q: %w", field, v, err)
		}
	}
	if d.MaxSurge == "0" && d.MaxUnavailable == "0" {
		return fmt.Errorf("max_surge and max_unavailable cannot both be zero")
	}
	if d.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive")
	}
	if d.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if d.EscalateAfter <= d.HealthInterval*time.Duration(d.FailureThreshold) {
		return fmt.Errorf("escalate_after must exceed health_interval * failure_threshold")
	}
	if d.SLA.Availability <= 0 || d.SLA.Availability > 100 {
		return fmt.Errorf("sla availability must be in (0, 100]")
	}
	if d.SLA.ErrorRate < 0 || d.SLA.ErrorRate > 1 {
		return fmt.Errorf("sla error_rate must be in [0, 1]")
	}
	if d.SLA.P95Latency <= 0 {
		return fmt.Errorf("sla p95_latency must be positive")
	}
	return nil
}
