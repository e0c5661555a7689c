package client

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
)

// Client provides typed access to the branchbox API for interactive tools.
type Client struct {
	baseURL    string
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

// New constructs a Client pointing at the provided API base URL.
//
// The default HTTP client carries no global timeout because Provision
// blocks until the environment is live; bound calls with the context.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:7070"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{},
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

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// ProvisionResult captures the payload returned for a new environment.
type ProvisionResult struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Commit    string    `json:"commit"`
}

// Provision requests a preview environment for the branch and blocks
// until it is reachable or the attempt fails.
func (c *Client) Provision(ctx context.Context, branch, service string, ttlMinutes int) (ProvisionResult, error) {
	body := map[string]any{
		"branch":  branch,
		"service": service,
	}
	if ttlMinutes > 0 {
		body["ttl_minutes"] = ttlMinutes
	}
	var result ProvisionResult
	if err := c.do(ctx, http.MethodPost, "/provision", body, &result); err != nil {
		return ProvisionResult{}, err
	}
	return result, nil
}

// DestroyResult reports the outcome of a destroy request.
type DestroyResult struct {
	OK       bool     `json:"ok"`
	Warnings []string `json:"warnings"`
}

// Destroy tears down the environment with the given identifier.
func (c *Client) Destroy(ctx context.Context, id string) (DestroyResult, error) {
	body := map[string]string{"id": id}
	var result DestroyResult
	if err := c.do(ctx, http.MethodPost, "/destroy", body, &result); err != nil {
		return DestroyResult{}, err
	}
	return result, nil
}

// Environment describes a provisioned preview environment.
type Environment struct {
	ID               string    `json:"id"`
	Branch           string    `json:"branch"`
	Commit           string    `json:"commit"`
	Service          string    `json:"service"`
	URL              string    `json:"url"`
	Port             int       `json:"port"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	MinutesRemaining int       `json:"minutes_remaining"`
}

// ListEnvironments returns all known environments.
func (c *Client) ListEnvironments(ctx context.Context) ([]Environment, error) {
	var resp struct {
		Environments []Environment `json:"environments"`
	}
	if err := c.do(ctx, http.MethodGet, "/environments", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Environments, nil
}

// GarbageCollect destroys every expired environment and returns their identifiers.
func (c *Client) GarbageCollect(ctx context.Context) ([]string, error) {
	var resp struct {
		DestroyedIDs []string `json:"destroyed_ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/gc", nil, &resp); err != nil {
		return nil, err
	}
	return resp.DestroyedIDs, nil
}

// ComponentHealth reports the state of a single dependency.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Health summarises the server health report.
type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Health fetches the server health report. A degraded server answers
// with a 503 whose body still carries the component detail, so the
// response is decoded regardless of status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return Health{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		msg := extractError(resp.Body)
		return Health{}, APIError{Status: resp.StatusCode, Message: msg}
	}
	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return Health{}, fmt.Errorf("decode response: %w", err)
	}
	return health, nil
}
