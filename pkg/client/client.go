// Package client is an HTTP client for the sensorhub device API.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultAPIKeyHeader carries the device key on ingest requests.
const DefaultAPIKeyHeader = "X-API-KEY"

// Config holds the configuration for the Client.
type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string        // Optional, defaults to DefaultAPIKeyHeader
	Timeout      time.Duration // Optional, defaults to 10s
	RetryCount   int           // Optional, retries on transport errors and 5xx
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server answered %d", e.StatusCode)
	}
	return fmt.Sprintf("server answered %d: %s", e.StatusCode, e.Message)
}

type statusBody struct {
	Status string `json:"status"`
}

// Client posts readings on behalf of devices.
type Client struct {
	http *resty.Client
}

// New creates a new Client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client config cannot be nil")
	}

	if cfg.BaseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}

	header := cfg.APIKeyHeader
	if header == "" {
		header = DefaultAPIKeyHeader
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	if cfg.APIKey != "" {
		rc.SetHeader(header, cfg.APIKey)
	}

	return &Client{http: rc}, nil
}

// Ingest posts one reading. payload is encoded as JSON.
func (c *Client) Ingest(ctx context.Context, payload any) error {
	var ok statusBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&ok).
		SetError(&APIError{}).
		Post("/api/ingest")
	if err != nil {
		return fmt.Errorf("failed to post reading: %w", err)
	}

	if err := apiError(resp); err != nil {
		return err
	}

	if ok.Status != "saved" {
		return fmt.Errorf("unexpected ingest status %q", ok.Status)
	}
	return nil
}

// Health checks the health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&APIError{}).
		Get("/api/health")
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	return apiError(resp)
}

func apiError(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}

	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr == nil {
		apiErr = &APIError{}
	}
	apiErr.StatusCode = resp.StatusCode()
	return apiErr
}
