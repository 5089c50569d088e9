package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultConfig configures a VaultStore. Zero fields keep the Vault client
// defaults, which also honour the standard VAULT_* environment variables.
type VaultConfig struct {
	Address    string
	Token      string
	Mount      string
	Timeout    time.Duration
	MaxRetries int
}

// VaultStore implements Store on a KV version 2 secrets engine.
type VaultStore struct {
	client *api.Client
	mount  string
}

func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	apiCfg := api.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, apiCfg.Error
	}
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Timeout > 0 {
		apiCfg.Timeout = cfg.Timeout
	}
	if cfg.MaxRetries > 0 {
		apiCfg.MaxRetries = cfg.MaxRetries
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	return &VaultStore{client: client, mount: mount}, nil
}

var _ Store = (*VaultStore)(nil)

func (v *VaultStore) dataPath(path string) string {
	return v.mount + "/data/" + strings.Trim(path, "/")
}

func (v *VaultStore) metadataPath(path string) string {
	return v.mount + "/metadata/" + strings.Trim(path, "/")
}

func (v *VaultStore) destroyPath(path string) string {
	return v.mount + "/destroy/" + strings.Trim(path, "/")
}

func (v *VaultStore) EnsureNamespace(ctx context.Context, path string, maxVersions int) error {
	_, err := v.client.Logical().WriteWithContext(ctx, v.metadataPath(path), map[string]any{
		"max_versions": maxVersions,
		"custom_metadata": map[string]string{
			"managed_by": "tenantplane",
		},
	})
	if err != nil {
		return fmt.Errorf("vault ensure namespace %s: %w", path, err)
	}
	return nil
}

func (v *VaultStore) Put(ctx context.Context, path string, data map[string]string) (int, error) {
	payload := make(map[string]any, len(data))
	for k, val := range data {
		payload[k] = val
	}
	sec, err := v.client.Logical().WriteWithContext(ctx, v.dataPath(path), map[string]any{"data": payload})
	if err != nil {
		return 0, fmt.Errorf("vault put %s: %w", path, err)
	}
	if sec == nil {
		return 0, fmt.Errorf("vault put %s: empty response", path)
	}
	version, err := parseVersion(sec.Data["version"])
	if err != nil {
		return 0, fmt.Errorf("vault put %s: %w", path, err)
	}
	return version, nil
}

func (v *VaultStore) Get(ctx context.Context, path string, version int) (map[string]string, int, error) {
	var params url.Values
	if version > 0 {
		params = url.Values{"version": {strconv.Itoa(version)}}
	}
	sec, err := v.client.Logical().ReadWithDataWithContext(ctx, v.dataPath(path), params)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
		}
		return nil, 0, fmt.Errorf("vault get %s: %w", path, err)
	}
	if sec == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}

	metadata, _ := sec.Data["metadata"].(map[string]any)
	got, err := parseVersion(metadata["version"])
	if err != nil {
		return nil, 0, fmt.Errorf("vault get %s: %w", path, err)
	}
	if destroyed, _ := metadata["destroyed"].(bool); destroyed {
		return nil, got, fmt.Errorf("%w: %s version %d", ErrVersionDestroyed, path, got)
	}

	raw, ok := sec.Data["data"].(map[string]any)
	if !ok {
		return nil, got, fmt.Errorf("%w: %s version %d", ErrVersionDestroyed, path, got)
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out, got, nil
}

func (v *VaultStore) DestroyVersions(ctx context.Context, path string, versions ...int) error {
	if len(versions) == 0 {
		return nil
	}
	_, err := v.client.Logical().WriteWithContext(ctx, v.destroyPath(path), map[string]any{"versions": versions})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("vault destroy %s %v: %w", path, versions, err)
	}
	return nil
}

// DeleteNamespace removes the metadata and every version at path.
func (v *VaultStore) DeleteNamespace(ctx context.Context, path string) error {
	_, err := v.client.Logical().DeleteWithContext(ctx, v.metadataPath(path))
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("vault delete %s: %w", path, err)
	}
	return nil
}

func parseVersion(raw any) (int, error) {
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, err
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("version %q is not an integer: %w", v, err)
		}
		return n, nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("version is %T, not a number", raw)
	}
}

func isNotFound(err error) bool {
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "no secret found")
}
