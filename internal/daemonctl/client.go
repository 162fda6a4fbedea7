package daemonctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"capsule/internal/api"
	"capsule/internal/config"
)

// ErrDaemonNotRunning indicates the daemon API is unreachable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Client talks to a running daemon over its HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient targets cfg.Paths.APIBind. A wildcard bind address is dialed on
// loopback.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL: "http://" + dialAddress(cfg.Paths.APIBind),
		token:   strings.TrimSpace(cfg.Paths.APIToken),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func dialAddress(bind string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(bind))
	if err != nil {
		return bind
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// Status returns the daemon's runtime status.
func (c *Client) Status(ctx context.Context) (api.DaemonStatus, error) {
	var out api.DaemonStatus
	err := c.get(ctx, "/api/status", &out)
	return out, err
}

// Health returns record counts and database diagnostics. A degraded daemon
// answers 503 with a body, so the decoded response is returned alongside.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.get(ctx, "/api/health", &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if isUnavailable(err) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusServiceUnavailable && dst != nil {
		if err := json.Unmarshal(body, dst); err == nil {
			return fmt.Errorf("%s: daemon degraded", path)
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s (%d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func isUnavailable(err error) bool {
	var opErr *net.OpError
	return errors.Is(err, syscall.ECONNREFUSED) || (errors.As(err, &opErr) && opErr.Op == "dial")
}
