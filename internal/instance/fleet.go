package instance

import (
	"context"
	"fmt"
	"sync"
)

// Fleet is an in-process set of tenant instances keyed by endpoint. It backs
// CLUSTER_DRIVER=memory and tests.
type Fleet struct {
	mu        sync.Mutex
	instances map[string]*fake
}

type fake struct {
	health     Health
	config     Config
	secrets    map[string]string
	pending    int
	failures   map[string][]error
	manualAck  bool
	applyCalls int
}

func NewFleet() *Fleet {
	return &Fleet{instances: make(map[string]*fake)}
}

var _ Client = (*Fleet)(nil)

// Start brings an instance up at endpoint. Starting an already running
// instance keeps its state.
func (f *Fleet) Start(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[endpoint]; ok {
		return
	}
	f.instances[endpoint] = &fake{
		health:   Health{Live: true, LatencyP95Ms: 40},
		config:   Config{Values: map[string]string{}},
		failures: map[string][]error{},
	}
}

func (f *Fleet) Stop(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, endpoint)
}

// SetTelemetry overrides what Health reports, keeping version fields.
func (f *Fleet) SetTelemetry(endpoint string, live bool, p95Ms, errorRate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.instances[endpoint]; ok {
		in.health.Live = live
		in.health.LatencyP95Ms = p95Ms
		in.health.ErrorRate = errorRate
	}
}

// ManualAdoption makes pushed secrets wait for Adopt instead of being
// adopted on receipt.
func (f *Fleet) ManualAdoption(endpoint string, manual bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.instances[endpoint]; ok {
		in.manualAck = manual
	}
}

// Adopt makes the instance report its last pushed secrets version.
func (f *Fleet) Adopt(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.instances[endpoint]; ok && in.pending > 0 {
		in.health.SecretsVersion = in.pending
		in.pending = 0
	}
}

// FailNext queues errors for the next calls of op (health, get_config,
// apply_config, push_secrets) on endpoint.
func (f *Fleet) FailNext(endpoint, op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.instances[endpoint]; ok {
		in.failures[op] = append(in.failures[op], errs...)
	}
}

// SetConfigValue mutates the instance config out of band, as an operator
// editing the instance directly would.
func (f *Fleet) SetConfigValue(endpoint, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.instances[endpoint]; ok {
		in.config.Values[key] = value
	}
}

func (f *Fleet) Secrets(endpoint string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.instances[endpoint]
	if !ok {
		return nil
	}
	return copyValues(in.secrets)
}

func (f *Fleet) ApplyCalls(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.instances[endpoint]; ok {
		return in.applyCalls
	}
	return 0
}

func (f *Fleet) get(endpoint, op string) (*fake, error) {
	in, ok := f.instances[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: no instance at %s", ErrInstanceUnreachable, endpoint)
	}
	if errs := in.failures[op]; len(errs) > 0 {
		in.failures[op] = errs[1:]
		return nil, errs[0]
	}
	return in, nil
}

func (f *Fleet) Health(_ context.Context, endpoint string) (*Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, err := f.get(endpoint, "health")
	if err != nil {
		return nil, err
	}
	h := in.health
	h.ConfigVersion = in.config.Version
	return &h, nil
}

func (f *Fleet) GetConfig(_ context.Context, endpoint string) (*Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, err := f.get(endpoint, "get_config")
	if err != nil {
		return nil, err
	}
	return &Config{Values: copyValues(in.config.Values), Version: in.config.Version}, nil
}

func (f *Fleet) ApplyConfig(_ context.Context, endpoint string, req ApplyConfigRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, err := f.get(endpoint, "apply_config")
	if err != nil {
		return err
	}
	in.applyCalls++
	in.config.Values = copyValues(req.Values)
	in.config.Version++
	return nil
}

func (f *Fleet) PushSecrets(_ context.Context, endpoint string, req SecretsPush) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, err := f.get(endpoint, "push_secrets")
	if err != nil {
		return err
	}
	in.secrets = copyValues(req.Data)
	if in.manualAck {
		in.pending = req.Version
		return nil
	}
	in.health.SecretsVersion = req.Version
	return nil
}

func copyValues(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
