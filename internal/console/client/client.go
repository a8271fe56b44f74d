// Package client is the HTTP client the console uses to poll the sentinel
// API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"sentinel/internal/schema"
)

// Client talks to a sentinel API server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Health is the body of GET /health.
type Health struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks"`
}

// apiError mirrors the server's error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// Health fetches the server health. A 503 still decodes: the body names
// the failing checks.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stats fetches the dashboard summary.
func (c *Client) Stats(ctx context.Context) (*schema.SystemStats, error) {
	var st schema.SystemStats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &st, http.StatusOK); err != nil {
		return nil, err
	}
	return &st, nil
}

// Threats lists the newest threats, optionally filtered by status.
func (c *Client) Threats(ctx context.Context, limit int, status schema.ThreatStatus) ([]schema.Threat, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", string(status))
	}
	var threats []schema.Threat
	if err := c.do(ctx, http.MethodGet, "/v1/threats?"+q.Encode(), nil, &threats, http.StatusOK); err != nil {
		return nil, err
	}
	return threats, nil
}

// Actions lists the newest response actions.
func (c *Client) Actions(ctx context.Context, limit int) ([]schema.Action, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var actions []schema.Action
	if err := c.do(ctx, http.MethodGet, "/v1/actions?"+q.Encode(), nil, &actions, http.StatusOK); err != nil {
		return nil, err
	}
	return actions, nil
}

// SetThreatStatus moves a threat to status on behalf of the operator.
func (c *Client) SetThreatStatus(ctx context.Context, id string, status schema.ThreatStatus, override bool) (*schema.Threat, error) {
	body := map[string]any{"status": status, "override": override}
	var t schema.Threat
	if err := c.do(ctx, http.MethodPatch, "/v1/threats/"+url.PathEscape(id), body, &t, http.StatusOK); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, okCodes ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range okCodes {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		var e apiError
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Message != "" {
			return fmt.Errorf("%s: %s (HTTP %d)", e.Code, e.Message, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status: HTTP %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
