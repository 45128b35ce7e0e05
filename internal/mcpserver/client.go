package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the paycore API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Operator key sent as X-API-Key; may be empty in development
}

// PaycoreClient is a pure HTTP client for the paycore API.
type PaycoreClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewPaycoreClient creates a new client for the paycore API.
func NewPaycoreClient(cfg Config) *PaycoreClient {
	return &PaycoreClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *PaycoreClient) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// StartPaymentRequest mirrors the body of POST /v1/workflows.
type StartPaymentRequest struct {
	Template      string         `json:"template"`
	OrderID       string         `json:"orderId"`
	PayerID       string         `json:"payerId"`
	PaymentMethod string         `json:"paymentMethod"`
	Amount        string         `json:"amount"`
	Currency      string         `json:"currency"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// StartPayment starts a workflow run.
func (c *PaycoreClient) StartPayment(ctx context.Context, req StartPaymentRequest) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/workflows", req)
}

// GetRun returns the current state of a run.
func (c *PaycoreClient) GetRun(ctx context.Context, runID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/workflows/"+url.PathEscape(runID), nil)
}

// CancelRun cancels a non-terminal run.
func (c *PaycoreClient) CancelRun(ctx context.Context, runID, reason string) (json.RawMessage, error) {
	path := "/v1/workflows/" + url.PathEscape(runID) + "/cancel"
	return c.doRequest(ctx, http.MethodPost, path, map[string]string{"reason": reason})
}

// ListTemplates returns the registered workflow templates.
func (c *PaycoreClient) ListTemplates(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/workflows/templates", nil)
}

// CheckRisk scores a transaction without starting a run.
func (c *PaycoreClient) CheckRisk(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/risk/check", req)
}

// UpdateBlacklist adds or removes a blacklist key.
func (c *PaycoreClient) UpdateBlacklist(ctx context.Context, key string, add bool) (json.RawMessage, error) {
	method := http.MethodPost
	if !add {
		method = http.MethodDelete
	}
	return c.doRequest(ctx, method, "/v1/risk/blacklist", map[string]string{"key": key})
}
