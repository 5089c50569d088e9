package tier_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiranshivaraju/tenantplane/internal/apperr"
	"github.com/kiranshivaraju/tenantplane/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_ResolvesBuiltinTiers(t *testing.T) {
	r := tier.Default()
	assert.Equal(t, []string{"enterprise", "large", "medium", "small"}, r.Names())

	small, err := r.Resolve("small")
	require.NoError(t, err)
	assert.Equal(t, int32(1), small.Quota.Replicas)
	assert.Equal(t, "500m", small.Quota.CPU)

	large, err := r.Resolve("large")
	require.NoError(t, err)
	assert.Greater(t, large.Quota.Replicas, small.Quota.Replicas)
	assert.Less(t, large.HealthInterval, small.HealthInterval)
}

func TestResolve_UnknownTier(t *testing.T) {
	_, err := tier.Default().Resolve("platinum")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNewResolver_RejectsInvalid(t *testing.T) {
	valid := func() tier.Descriptor {
		d, _ := tier.Default().Resolve("small")
		return d
	}

	tests := []struct {
		name   string
		mutate func(d *tier.Descriptor)
	}{
		{"zero replicas", func(d *tier.Descriptor) { d.Quota.Replicas = 0 }},
		{"bad cpu", func(d *tier.Descriptor) { d.Quota.CPU = "lots" }},
		{"bad surge", func(d *tier.Descriptor) { d.MaxSurge = "many" }},
		{"no rollout budget", func(d *tier.Descriptor) { d.MaxSurge = "0"; d.MaxUnavailable = "0" }},
		{"escalation too early", func(d *tier.Descriptor) { d.EscalateAfter = d.HealthInterval }},
		{"availability out of range", func(d *tier.Descriptor) { d.SLA.Availability = 120 }},
		{"missing image", func(d *tier.Descriptor) { d.Image = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(&d)
			_, err := tier.NewResolver([]tier.Descriptor{d})
			assert.Error(t, err)
		})
	}
}

func TestNewResolver_RejectsDuplicates(t *testing.T) {
	d, err := tier.Default().Resolve("small")
	require.NoError(t, err)
	_, err = tier.NewResolver([]tier.Descriptor{d, d})
	assert.ErrorContains(t, err, "defined twice")
}

func TestLoadFile(t *testing.T) {
	catalog := `
tiers:
  - name: starter
    image: registry.example.com/app:1.2.0
    quota:
      cpu: 250m
      memory: 512Mi
      storage: 5Gi
      replicas: 1
    max_surge: "1"
    max_unavailable: "0"
    health_interval: 2m
    failure_threshold: 5
    escalate_after: 30m
    sla:
      availability: 98.5
      p95_latency: 2s
      error_rate: 0.1
    features: [core]
`
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))

	r, err := tier.LoadFile(path)
	require.NoError(t, err)

	d, err := r.Resolve("starter")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d.HealthInterval)
	assert.Equal(t, 2*time.Second, d.SLA.P95Latency)
	assert.Equal(t, "512Mi", d.Quota.Memory)
	assert.Equal(t, 5, d.FailureThreshold)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := tier.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
