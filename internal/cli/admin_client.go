package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/worldland/worldland-orchestrator/internal/allocator"
	"github.com/worldland/worldland-orchestrator/internal/api"
	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/orchestrator"
	"github.com/worldland/worldland-orchestrator/internal/registry"
)

// APIError is a non-2xx reply from the admin API.
type APIError struct {
	StatusCode int
	Code       string
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// AdminClient wraps the orchestrator admin API
type AdminClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAdminClient creates a new admin API client
func NewAdminClient(baseURL string) *AdminClient {
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Cluster API ---

func (c *AdminClient) Snapshot(ctx context.Context) (*orchestrator.Snapshot, error) {
	var snap orchestrator.Snapshot
	if err := c.do(ctx, http.MethodGet, "/cluster", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetExternalHost moves every endpoint to host and returns how many changed.
func (c *AdminClient) SetExternalHost(ctx context.Context, host string) (int, error) {
	var resp api.NetworkResponse
	if err := c.do(ctx, http.MethodPut, "/network", orchestrator.NetworkConfig{ExternalHost: host}, &resp); err != nil {
		return 0, err
	}
	return resp.Updated, nil
}

// --- Service API ---

func (c *AdminClient) Services(ctx context.Context, prefix string) ([]domain.ServiceEndpoint, error) {
	path := "/services"
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	var eps []domain.ServiceEndpoint
	if err := c.do(ctx, http.MethodGet, path, nil, &eps); err != nil {
		return nil, err
	}
	return eps, nil
}

func (c *AdminClient) RegisterService(ctx context.Context, req registry.Request) (*registry.Response, error) {
	var resp registry.Response
	if err := c.do(ctx, http.MethodPost, "/services", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *AdminClient) UnregisterService(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/services/"+url.PathEscape(name), nil, nil)
}

// --- Allocation API ---

func (c *AdminClient) Allocate(ctx context.Context, w allocator.Workload) (*allocator.Allocation, error) {
	var a allocator.Allocation
	if err := c.do(ctx, http.MethodPost, "/allocations", w, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *AdminClient) Deallocate(ctx context.Context, agentID string) (*allocator.Allocation, error) {
	var a allocator.Allocation
	if err := c.do(ctx, http.MethodDelete, "/allocations/"+url.PathEscape(agentID), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// --- HTTP helpers ---

func (c *AdminClient) do(ctx context.Context, method, path string, payload, result interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Code, apiErr.Reason, apiErr.Message = e.Code, e.Reason, e.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
