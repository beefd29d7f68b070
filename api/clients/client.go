// Package clients provides a Go client for the payment service HTTP API.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/subpay/tee-subscription-backend/api"
)

// Client talks to a running payment service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSubscription creates a subscription in Pending status.
func (c *Client) CreateSubscription(ctx context.Context, req api.CreateSubscriptionRequest) (*api.CreateSubscriptionResponse, error) {
	var resp api.CreateSubscriptionResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/subscriptions", req, &resp, nil)
	return &resp, err
}

// GetSubscription fetches one subscription.
func (c *Client) GetSubscription(ctx context.Context, id string) (*api.Subscription, error) {
	var resp api.Subscription
	err := c.do(ctx, http.MethodGet, "/api/v1/subscriptions/"+id, nil, &resp, nil)
	return &resp, err
}

// ListSubscriptions lists the payer's subscriptions.
func (c *Client) ListSubscriptions(ctx context.Context, account string) ([]api.Subscription, error) {
	var resp api.SubscriptionListResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/subscriptions?account="+account, nil, &resp, nil)
	return resp.Subscriptions, err
}

// RegisterKey issues and registers a scoped key for the subscription and
// returns the unsigned wallet authorization.
func (c *Client) RegisterKey(ctx context.Context, id string, req api.RegisterKeyRequest) (*api.RegisterKeyResponse, error) {
	var resp api.RegisterKeyResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/subscriptions/"+id+"/key", req, &resp, nil)
	return &resp, err
}

// StoreKey transfers an externally issued keypair into enclave custody.
// Only meaningful over an attested transport; the header marks the intent.
func (c *Client) StoreKey(ctx context.Context, id string, req api.StoreKeyRequest) error {
	headers := map[string]string{api.AttestedChannelHeader: "1"}
	return c.do(ctx, http.MethodPut, "/api/v1/subscriptions/"+id+"/key", req, nil, headers)
}

// Pause suspends charging for the subscription.
func (c *Client) Pause(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/subscriptions/"+id+"/pause", nil, nil, nil)
}

// Resume reactivates a paused subscription.
func (c *Client) Resume(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/subscriptions/"+id+"/resume", nil, nil, nil)
}

// Cancel terminates the subscription and destroys its key material.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/subscriptions/"+id+"/cancel", nil, nil, nil)
}

// Receipts returns the subscription's charge audit log.
func (c *Client) Receipts(ctx context.Context, id string) ([]api.Receipt, error) {
	var resp api.ReceiptListResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/subscriptions/"+id+"/receipts", nil, &resp, nil)
	return resp.Receipts, err
}

// Merchants returns the merchant directory.
func (c *Client) Merchants(ctx context.Context) ([]api.Merchant, error) {
	var resp api.MerchantListResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/merchants", nil, &resp, nil)
	return resp.Merchants, err
}

// StartMonitor starts the payment monitor.
func (c *Client) StartMonitor(ctx context.Context, intervalMs int64) (*api.MonitorStatusResponse, error) {
	var resp api.MonitorStatusResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/monitor/start", api.MonitorStartRequest{IntervalMs: intervalMs}, &resp, nil)
	return &resp, err
}

// StopMonitor stops the payment monitor.
func (c *Client) StopMonitor(ctx context.Context) (*api.MonitorStatusResponse, error) {
	var resp api.MonitorStatusResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/monitor/stop", nil, &resp, nil)
	return &resp, err
}

// MonitorStatus reports the monitor state.
func (c *Client) MonitorStatus(ctx context.Context) (*api.MonitorStatusResponse, error) {
	var resp api.MonitorStatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/monitor/status", nil, &resp, nil)
	return &resp, err
}

// VerifyWorker reads the worker's on-chain verification status.
func (c *Client) VerifyWorker(ctx context.Context) (*api.WorkerVerifyResponse, error) {
	var resp api.WorkerVerifyResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/worker/verify", nil, &resp, nil)
	return &resp, err
}

// RegisterWorker submits the worker registration.
func (c *Client) RegisterWorker(ctx context.Context) (*api.WorkerRegisterResponse, error) {
	var resp api.WorkerRegisterResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/worker/register", nil, &resp, nil)
	return &resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
