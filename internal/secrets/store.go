package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrSecretNotFound   = errors.New("secret not found")
	ErrVersionDestroyed = errors.New("secret version destroyed")
)

// Store is the versioned secret backend. Writes never overwrite an existing
// version, so at least the current and the previous version stay readable
// until explicitly destroyed.
type Store interface {
	EnsureNamespace(ctx context.Context, path string, maxVersions int) error
	Put(ctx context.Context, path string, data map[string]string) (int, error)
	// Get reads version, or the latest when version is 0.
	Get(ctx context.Context, path string, version int) (map[string]string, int, error)
	DestroyVersions(ctx context.Context, path string, versions ...int) error
	DeleteNamespace(ctx context.Context, path string) error
}

type memSecret struct {
	versions  map[int]map[string]string
	destroyed map[int]bool
	latest    int
}

// MemoryStore is an in-process Store for SECRETS_DRIVER=memory and tests.
type MemoryStore struct {
	mu       sync.Mutex
	paths    map[string]*memSecret
	failures map[string][]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{paths: make(map[string]*memSecret), failures: make(map[string][]error)}
}

var _ Store = (*MemoryStore)(nil)

// FailNext queues errors for the next calls of op (ensure, put, get, destroy, delete).
func (m *MemoryStore) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Versions lists the live (not destroyed) versions at path.
func (m *MemoryStore) Versions(path string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.paths[path]
	if !ok {
		return nil
	}
	var out []int
	for v := range s.versions {
		if !s.destroyed[v] {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

func (m *MemoryStore) injected(op string) error {
	errs := m.failures[op]
	if len(errs) == 0 {
		return nil
	}
	m.failures[op] = errs[1:]
	return errs[0]
}

func (m *MemoryStore) EnsureNamespace(_ context.Context, path string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("ensure"); err != nil {
		return err
	}
	if _, ok := m.paths[path]; !ok {
		m.paths[path] = &memSecret{versions: map[int]map[string]string{}, destroyed: map[int]bool{}}
	}
	return nil
}

func (m *MemoryStore) Put(_ context.Context, path string, data map[string]string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("put"); err != nil {
		return 0, err
	}
	s, ok := m.paths[path]
	if !ok {
		return 0, fmt.Errorf("%w: namespace %s", ErrSecretNotFound, path)
	}
	s.latest++
	cp := make(map[string]string, len(data))
	for k, v := range data {
		cp[k] = v
	}
	s.versions[s.latest] = cp
	return s.latest, nil
}

func (m *MemoryStore) Get(_ context.Context, path string, version int) (map[string]string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("get"); err != nil {
		return nil, 0, err
	}
	s, ok := m.paths[path]
	if !ok || s.latest == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}
	if version == 0 {
		version = s.latest
	}
	if s.destroyed[version] {
		return nil, version, fmt.Errorf("%w: %s version %d", ErrVersionDestroyed, path, version)
	}
	data, ok := s.versions[version]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s version %d", ErrSecretNotFound, path, version)
	}
	cp := make(map[string]string, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return cp, version, nil
}

func (m *MemoryStore) DestroyVersions(_ context.Context, path string, versions ...int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("destroy"); err != nil {
		return err
	}
	s, ok := m.paths[path]
	if !ok {
		return nil
	}
	for _, v := range versions {
		s.destroyed[v] = true
	}
	return nil
}

func (m *MemoryStore) DeleteNamespace(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("delete"); err != nil {
		return err
	}
	delete(m.paths, path)
	return nil
}
