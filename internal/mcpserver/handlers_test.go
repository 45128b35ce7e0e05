package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewPaycoreClient(Config{APIURL: ts.URL, APIKey: "op_test_key"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

const sampleRun = `{"run":{
	"id":"run_abc","template":"standard_payment","status":"failed",
	"amount":"500","currency":"BDT","paymentMethod":"bkash",
	"error":"settlement: merchant account frozen",
	"steps":[
		{"stepId":"validation","status":"completed","retryCount":0},
		{"stepId":"authorization","status":"completed","retryCount":0,"compensatedAt":"2026-01-01T00:00:00Z"},
		{"stepId":"capture","status":"completed","retryCount":2},
		{"stepId":"settlement","status":"failed","retryCount":0,"error":"merchant account frozen"}
	]}}`

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_APIKeyHeader(t *testing.T) {
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewPaycoreClient(Config{APIURL: ts.URL, APIKey: "op_secret"})
	_, err := client.ListTemplates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "op_secret", gotKey)
}

func TestClient_DoRequest_NoKeyInDevelopment(t *testing.T) {
	var hadKey bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadKey = r.Header["X-Api-Key"]
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewPaycoreClient(Config{APIURL: ts.URL})
	_, err := client.ListTemplates(context.Background())
	require.NoError(t, err)
	assert.False(t, hadKey)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "already_terminal",
			"message": "workflow: run already terminal",
		})
	}))
	defer ts.Close()

	client := NewPaycoreClient(Config{APIURL: ts.URL})
	_, err := client.CancelRun(context.Background(), "run_1", "dup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "already terminal")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewPaycoreClient(Config{APIURL: ts.URL})
	_, err := client.GetRun(context.Background(), "run_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewPaycoreClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetRun(context.Background(), "run_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewPaycoreClient(Config{APIURL: ts.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.GetRun(ctx, "run_1")
	require.Error(t, err)
}

func TestClient_PathEscaping(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewPaycoreClient(Config{APIURL: ts.URL})
	_, err := client.GetRun(context.Background(), "run/../x")
	require.NoError(t, err)
	assert.Equal(t, "/v1/workflows/run%2F..%2Fx", gotPath)
}

func TestClient_UpdateBlacklist_Methods(t *testing.T) {
	var methods []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		assert.Equal(t, "/v1/risk/blacklist", r.URL.Path)
		assert.Equal(t, "ip:203.0.113.7", decodeBody(t, r)["key"])
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewPaycoreClient(Config{APIURL: ts.URL})
	_, err := client.UpdateBlacklist(context.Background(), "ip:203.0.113.7", true)
	require.NoError(t, err)
	_, err = client.UpdateBlacklist(context.Background(), "ip:203.0.113.7", false)
	require.NoError(t, err)
	assert.Equal(t, []string{http.MethodPost, http.MethodDelete}, methods)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleStartPayment(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/workflows", r.URL.Path)
		body = decodeBody(t, r)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"runId":"run_abc","correlationId":"corr_1","status":"pending"}`))
	}))
	defer cleanup()

	result, err := h.HandleStartPayment(context.Background(), makeRequest(map[string]any{
		"order_id":       "order_9",
		"payer_id":       "payer_9",
		"payment_method": "bkash",
		"amount":         "1250.00",
		"currency":       "BDT",
		"ip_address":     "198.51.100.7",
		"device_id":      "dev_1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "run_abc")
	assert.Contains(t, text, "corr_1")

	assert.Equal(t, "standard_payment", body["template"])
	assert.Equal(t, "1250.00", body["amount"])
	risk := body["metadata"].(map[string]any)["risk"].(map[string]any)
	assert.Equal(t, "198.51.100.7", risk["ipAddress"])
	assert.Equal(t, "dev_1", risk["device"].(map[string]any)["deviceId"])
}

func TestHandleStartPayment_NoRiskContext(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body = decodeBody(t, r)
		_, _ = w.Write([]byte(`{"runId":"run_x"}`))
	}))
	defer cleanup()

	result, err := h.HandleStartPayment(context.Background(), makeRequest(map[string]any{
		"template":       "express_payment",
		"order_id":       "o",
		"payer_id":       "p",
		"payment_method": "nagad",
		"amount":         "50",
		"currency":       "BDT",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "express_payment", body["template"])
	assert.NotContains(t, body, "metadata")
}

func TestHandleStartPayment_MissingField(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleStartPayment(context.Background(), makeRequest(map[string]any{
		"order_id":       "o",
		"payer_id":       "p",
		"payment_method": "bkash",
		"currency":       "BDT",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount is required")
}

func TestHandleStartPayment_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown_template","message":"workflow: unknown template"}`))
	}))
	defer cleanup()

	result, err := h.HandleStartPayment(context.Background(), makeRequest(map[string]any{
		"template": "wire", "order_id": "o", "payer_id": "p",
		"payment_method": "bkash", "amount": "50", "currency": "BDT",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unknown template")
}

func TestHandleGetRunStatus(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workflows/run_abc", r.URL.Path)
		_, _ = w.Write([]byte(sampleRun))
	}))
	defer cleanup()

	result, err := h.HandleGetRunStatus(context.Background(), makeRequest(map[string]any{"run_id": "run_abc"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Run run_abc (standard_payment)")
	assert.Contains(t, text, "Status: failed")
	assert.Contains(t, text, "2. authorization: completed [compensated]")
	assert.Contains(t, text, "3. capture: completed (retries: 2)")
	assert.Contains(t, text, "4. settlement: failed - merchant account frozen")
}

func TestHandleGetRunStatus_MissingID(t *testing.T) {
	h := NewHandlers(NewPaycoreClient(Config{APIURL: "http://unused"}))
	result, err := h.HandleGetRunStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "run_id is required")
}

func TestHandleCancelRun(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workflows/run_abc/cancel", r.URL.Path)
		body = decodeBody(t, r)
		_, _ = w.Write([]byte(`{"run":{"id":"run_abc","status":"cancelled","cancelReason":"customer request"}}`))
	}))
	defer cleanup()

	result, err := h.HandleCancelRun(context.Background(), makeRequest(map[string]any{
		"run_id": "run_abc",
		"reason": "customer request",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "customer request", body["reason"])

	text := resultText(t, result)
	assert.Contains(t, text, "Run cancelled.")
	assert.Contains(t, text, "Cancel reason: customer request")
}

func TestHandleCheckRisk(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/risk/check", r.URL.Path)
		body = decodeBody(t, r)
		_, _ = w.Write([]byte(`{"score":{"score":82.5,"level":"critical","confidence":0.85,
			"recommendation":"decline","reasons":["velocity: 12 transactions in window","geographic: high-risk country"]}}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckRisk(context.Background(), makeRequest(map[string]any{
		"payer_id": "payer_1",
		"amount":   "499.99",
		"currency": "USD",
		"country":  "ir",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "IR", body["geo"].(map[string]any)["country"])
	assert.Equal(t, "499.99", body["amount"])

	text := resultText(t, result)
	assert.Contains(t, text, "Score: 82.5 / 100")
	assert.Contains(t, text, "Recommendation: decline")
	assert.Contains(t, text, "Confidence: 85%")
	assert.Contains(t, text, "- geographic: high-risk country")
}

func TestHandleCheckRisk_MissingFields(t *testing.T) {
	h := NewHandlers(NewPaycoreClient(Config{APIURL: "http://unused"}))
	result, err := h.HandleCheckRisk(context.Background(), makeRequest(map[string]any{"payer_id": "p"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListTemplates(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"templates":[
			{"name":"express_payment","steps":[{"id":"validation"},{"id":"processing"},{"id":"notification"}]},
			{"name":"standard_payment","description":"Full flow","steps":[{"id":"validation"},{"id":"fraud_check"}]}
		],"count":2}`))
	}))
	defer cleanup()

	result, err := h.HandleListTemplates(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "2 template(s)")
	assert.Contains(t, text, "validation -> processing -> notification")
	assert.Contains(t, text, "standard_payment - Full flow")
}

func TestHandleListTemplates_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"templates":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleListTemplates(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No templates registered.", resultText(t, result))
}

func TestHandleUpdateBlacklist(t *testing.T) {
	var method string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		_, _ = w.Write([]byte(`{"key":"user:mallory","blacklisted":true}`))
	}))
	defer cleanup()

	result, err := h.HandleUpdateBlacklist(context.Background(), makeRequest(map[string]any{"key": "user:mallory"}))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	assert.Contains(t, resultText(t, result), "now blacklisted")

	result, err = h.HandleUpdateBlacklist(context.Background(), makeRequest(map[string]any{
		"key":    "user:mallory",
		"action": "remove",
	}))
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, method)
	assert.Contains(t, resultText(t, result), "removed")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
}
