package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/lifeguard-sh/lifeguard/internal/resource"
	"github.com/rs/zerolog"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPAPI treats a remote HTTP service as a resource. Connect and
// CheckHealth both probe the service's health endpoint.
type HTTPAPI struct {
	healthURL string
	client    *retryablehttp.Client
}

// NewHTTPAPI constructs an HTTP API backend. healthPath defaults to
// /healthz; timeout defaults to 10s.
func NewHTTPAPI(baseURL, healthPath string, timeout time.Duration, logger zerolog.Logger) (*HTTPAPI, error) {
	if healthPath == "" {
		healthPath = "/healthz"
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	healthURL, err := url.JoinPath(baseURL, healthPath)
	if err != nil {
		return nil, fmt.Errorf("build health url: %w", err)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	client.ErrorHandler = func(resp *http.Response, err error, _ int) (*http.Response, error) {
		return resp, err
	}

	return &HTTPAPI{healthURL: healthURL, client: client}, nil
}

// Initialize is a no-op; the URL was validated at construction.
func (h *HTTPAPI) Initialize(_ context.Context) error {
	return nil
}

// Connect probes the health endpoint once to prove reachability.
func (h *HTTPAPI) Connect(ctx context.Context) error {
	_, err := h.CheckHealth(ctx)
	return err
}

// Disconnect drops idle keep-alive connections.
func (h *HTTPAPI) Disconnect(_ context.Context) error {
	h.client.HTTPClient.CloseIdleConnections()
	return nil
}

// Cleanup is the same as Disconnect; there is no persistent state.
func (h *HTTPAPI) Cleanup(ctx context.Context) error {
	return h.Disconnect(ctx)
}

// CheckHealth issues a GET against the health endpoint. Any 2xx status
// is healthy; everything else is a failed probe.
func (h *HTTPAPI) CheckHealth(ctx context.Context) (resource.Report, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.healthURL, nil)
	if err != nil {
		return resource.Report{}, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return resource.Report{}, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resource.Report{}, fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	return resource.Report{Health: resource.HealthHealthy, Detail: resp.Status}, nil
}
