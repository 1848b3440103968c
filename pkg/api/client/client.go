package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the deployer API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:5050"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// TriggerRequest asks the deployer to push a stored package.
type TriggerRequest struct {
	PackageName string `json:"package_name"`
	EndpointURL string `json:"endpoint_url"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

// TriggerResponse is returned when a deployment has been queued.
type TriggerResponse struct {
	DeploymentID string `json:"deployment_id"`
	Package      string `json:"package"`
	Status       string `json:"status"`
}

// Deployment is a deployment status record.
type Deployment struct {
	Datetime     string   `json:"datetime"`
	DeployID     string   `json:"deploy_id"`
	DeployStatus string   `json:"deploy_status"`
	Destination  string   `json:"destination"`
	History      []string `json:"history"`
	Package      string   `json:"package"`
}

// Finished reports whether the deployment reached a terminal status.
func (d Deployment) Finished() bool {
	return d.DeployStatus == "SUCCESS" || d.DeployStatus == "FAILED"
}

// Package is a deployable archive in the blob store.
type Package struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
}

// Health is the /healthz payload.
type Health struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
	Timestamp  string         `json:"timestamp"`
}

type envelope[T any] struct {
	Status int `json:"status"`
	Data   T   `json:"data"`
}

// Trigger queues a deployment.
func (c *Client) Trigger(ctx context.Context, req TriggerRequest) (TriggerResponse, error) {
	var resp TriggerResponse
	err := c.do(ctx, http.MethodPost, "/deployments", req, &resp)
	return resp, err
}

// Status fetches the record for a deployment id.
func (c *Client) Status(ctx context.Context, id string) (Deployment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Deployment{}, errors.New("deployment id required")
	}
	var resp envelope[Deployment]
	err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(id), nil, &resp)
	return resp.Data, err
}

// Deployments lists every deployment, most recent first.
func (c *Client) Deployments(ctx context.Context) ([]Deployment, error) {
	var resp envelope[[]Deployment]
	err := c.do(ctx, http.MethodGet, "/deployments", nil, &resp)
	return resp.Data, err
}

// Packages lists deployable archives.
func (c *Client) Packages(ctx context.Context) ([]Package, error) {
	var resp envelope[[]Package]
	err := c.do(ctx, http.MethodGet, "/packages", nil, &resp)
	return resp.Data, err
}

// Health queries the service health endpoint. A degraded service is
// returned together with an APIError.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp)
	return resp, err
}

// Wait polls Status every interval until the deployment finishes or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration, onChange func(Deployment)) (Deployment, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := ""
	for {
		dep, err := c.Status(ctx, id)
		if err != nil {
			return dep, err
		}
		if dep.DeployStatus != last {
			last = dep.DeployStatus
			if onChange != nil {
				onChange(dep)
			}
		}
		if dep.Finished() {
			return dep, nil
		}
		select {
		case <-ctx.Done():
			return dep, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if v != nil && len(data) > 0 {
			_ = json.Unmarshal(data, v)
		}
		return APIError{Status: resp.StatusCode, Message: extractError(data)}
	}
	if v == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Error  string `json:"error"`
		Errors string `json:"errors"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	if payload.Error != "" {
		return strings.TrimSpace(payload.Error)
	}
	return strings.TrimSpace(payload.Errors)
}
