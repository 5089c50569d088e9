package cache

import (
	"time"

	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// StatusTTL decides how long an operation snapshot stays cached. An
// unfinished snapshot lives for its kind's expected duration and a finished
// one for Finished.
type StatusTTL struct {
	InFlight        map[string]time.Duration
	DefaultInFlight time.Duration
	Finished        time.Duration
}

// DefaultStatusTTL sizes in-flight windows after the slowest step of each
// kind.
func DefaultStatusTTL() StatusTTL {
	return StatusTTL{
		InFlight: map[string]time.Duration{
			models.OpOnboard:        time.Hour,
			models.OpProvision:      time.Hour,
			models.OpRetry:          time.Hour,
			models.OpTerminate:      time.Hour,
			models.OpScale:          30 * time.Minute,
			models.OpRedeploy:       30 * time.Minute,
			models.OpRecoveryRun:    30 * time.Minute,
			models.OpConfigUpdate:   10 * time.Minute,
			models.OpConfigReload:   10 * time.Minute,
			models.OpConfigResync:   10 * time.Minute,
			models.OpSecretRotate:   10 * time.Minute,
			models.OpSecretFlush:    10 * time.Minute,
			models.OpRecoveryDetect: 5 * time.Minute,
		},
		DefaultInFlight: 15 * time.Minute,
		Finished:        24 * time.Hour,
	}
}

// For returns the TTL of a snapshot of a kind operation in status.
func (p StatusTTL) For(kind, status string) time.Duration {
	switch status {
	case models.OperationCompleted, models.OperationFailed:
		return p.Finished
	}
	if ttl, ok := p.InFlight[kind]; ok {
		return ttl
	}
	return p.DefaultInFlight
}
