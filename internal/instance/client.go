// Package instance talks to a running tenant instance over its internal
// management API.
package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for tenant instance failures.
var (
	ErrInstanceUnreachable = errors.New("tenant instance unreachable")
	ErrInstanceTimeout     = errors.New("tenant instance timeout")
	ErrInstanceRejected    = errors.New("tenant instance rejected request")
)

// Client is the interface for reaching a tenant instance at its endpoint.
type Client interface {
	Health(ctx context.Context, endpoint string) (*Health, error)
	GetConfig(ctx context.Context, endpoint string) (*Config, error)
	// ApplyConfig replaces the instance configuration. A non-empty
	// Components list asks for a hot reload of only those components.
	ApplyConfig(ctx context.Context, endpoint string, req ApplyConfigRequest) error
	PushSecrets(ctx context.Context, endpoint string, req SecretsPush) error
}

// Health is the telemetry an instance reports on each poll.
type Health struct {
	Live           bool    `json:"live"`
	LatencyP95Ms   float64 `json:"latency_p95_ms"`
	ErrorRate      float64 `json:"error_rate"`
	SecretsVersion int     `json:"secrets_version"`
	ConfigVersion  int64   `json:"config_version"`
}

// Config is the instance's effective configuration.
type Config struct {
	Values  map[string]string `json:"values"`
	Version int64             `json:"version"`
}

type ApplyConfigRequest struct {
	Values     map[string]string `json:"values"`
	Components []string          `json:"components,omitempty"`
	Sequence   int64             `json:"sequence"`
}

type SecretsPush struct {
	Version int               `json:"version"`
	Data    map[string]string `json:"data"`
}

// HTTPClient implements Client using the instance's /internal API.
type HTTPClient struct {
	token  string
	client *http.Client
}

// NewHTTPClient creates a client that authenticates with a shared bearer token.
func NewHTTPClient(token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Health(ctx context.Context, endpoint string) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, endpoint+"/internal/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *HTTPClient) GetConfig(ctx context.Context, endpoint string) (*Config, error) {
	var cfg Config
	if err := c.do(ctx, http.MethodGet, endpoint+"/internal/config", nil, &cfg); err != nil {
		return nil, err
	}
	if cfg.Values == nil {
		cfg.Values = map[string]string{}
	}
	return &cfg, nil
}

func (c *HTTPClient) ApplyConfig(ctx context.Context, endpoint string, req ApplyConfigRequest) error {
	return c.do(ctx, http.MethodPut, endpoint+"/internal/config", req, nil)
}

func (c *HTTPClient) PushSecrets(ctx context.Context, endpoint string, req SecretsPush) error {
	return c.do(ctx, http.MethodPut, endpoint+"/internal/secrets", req, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq, body != nil)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrInstanceUnreachable, resp.StatusCode)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrInstanceRejected, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding instance response: %w", err)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request, hasBody bool) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrInstanceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrInstanceTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrInstanceUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
