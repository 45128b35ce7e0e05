package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PaycoreClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PaycoreClient) *Handlers {
	return &Handlers{client: client}
}

// HandleStartPayment starts a payment workflow run.
func (h *Handlers) HandleStartPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := StartPaymentRequest{
		Template:      req.GetString("template", "standard_payment"),
		OrderID:       req.GetString("order_id", ""),
		PayerID:       req.GetString("payer_id", ""),
		PaymentMethod: req.GetString("payment_method", ""),
		Amount:        req.GetString("amount", ""),
		Currency:      req.GetString("currency", ""),
	}
	required := []struct{ field, value string }{
		{"order_id", body.OrderID},
		{"payer_id", body.PayerID},
		{"payment_method", body.PaymentMethod},
		{"amount", body.Amount},
		{"currency", body.Currency},
	}
	for _, r := range required {
		if r.value == "" {
			return mcp.NewToolResultError(r.field + " is required"), nil
		}
	}

	riskCtx := map[string]any{}
	if ip := req.GetString("ip_address", ""); ip != "" {
		riskCtx["ipAddress"] = ip
	}
	if device := req.GetString("device_id", ""); device != "" {
		riskCtx["device"] = map[string]any{"deviceId": device}
	}
	if len(riskCtx) > 0 {
		body.Metadata = map[string]any{"risk": riskCtx}
	}

	raw, err := h.client.StartPayment(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start payment: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Payment started.\n")
	fmt.Fprintf(&sb, "  Run ID: %s\n", getString(resp, "runId"))
	fmt.Fprintf(&sb, "  Correlation ID: %s\n", getString(resp, "correlationId"))
	fmt.Fprintf(&sb, "  Template: %s\n", body.Template)
	fmt.Fprintf(&sb, "  Amount: %s %s via %s\n", body.Amount, body.Currency, body.PaymentMethod)
	sb.WriteString("\nUse get_run_status with this run_id to follow progress.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetRunStatus reports a run and its steps.
func (h *Handlers) HandleGetRunStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	raw, err := h.client.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}

	text, err := formatRun(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse run: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCancelRun cancels a run.
func (h *Handlers) HandleCancelRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via MCP")

	raw, err := h.client.CancelRun(ctx, runID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel run: %v", err)), nil
	}

	text, err := formatRun(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse run: %v", err)), nil
	}
	return mcp.NewToolResultText("Run cancelled.\n\n" + text), nil
}

// HandleCheckRisk scores a transaction.
func (h *Handlers) HandleCheckRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payer := req.GetString("payer_id", "")
	amount := req.GetString("amount", "")
	currency := req.GetString("currency", "")
	if payer == "" || amount == "" || currency == "" {
		return mcp.NewToolResultError("payer_id, amount and currency are required"), nil
	}

	body := map[string]any{
		"payerId":  payer,
		"amount":   amount,
		"currency": currency,
	}
	if v := req.GetString("payment_method", ""); v != "" {
		body["paymentMethod"] = v
	}
	if v := req.GetString("ip_address", ""); v != "" {
		body["ipAddress"] = v
	}
	if v := req.GetString("device_id", ""); v != "" {
		body["device"] = map[string]any{"deviceId": v}
	}
	if v := req.GetString("country", ""); v != "" {
		body["geo"] = map[string]any{"country": strings.ToUpper(v)}
	}

	raw, err := h.client.CheckRisk(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check risk: %v", err)), nil
	}

	text, err := formatRiskScore(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk score: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListTemplates lists workflow templates.
func (h *Handlers) HandleListTemplates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListTemplates(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list templates: %v", err)), nil
	}

	text, err := formatTemplates(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse templates: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleUpdateBlacklist adds or removes a blacklist entry.
func (h *Handlers) HandleUpdateBlacklist(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("key", "")
	if key == "" {
		return mcp.NewToolResultError("key is required"), nil
	}
	add := req.GetString("action", "add") != "remove"

	if _, err := h.client.UpdateBlacklist(ctx, key, add); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update blacklist: %v", err)), nil
	}

	if add {
		return mcp.NewToolResultText(fmt.Sprintf("%s is now blacklisted.", key)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s removed from the blacklist.", key)), nil
}

// --- Formatting helpers ---

func formatRun(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Run might be at top level or nested under "run"
	run := resp
	if r, ok := resp["run"].(map[string]any); ok {
		run = r
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s (%s)\n", getString(run, "id"), getString(run, "template"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(run, "status"))
	fmt.Fprintf(&sb, "  Amount: %s %s via %s\n",
		getString(run, "amount"), getString(run, "currency"), getString(run, "paymentMethod"))
	if v := getString(run, "error"); v != "" {
		fmt.Fprintf(&sb, "  Error: %s\n", v)
	}
	if v := getString(run, "cancelReason"); v != "" {
		fmt.Fprintf(&sb, "  Cancel reason: %s\n", v)
	}

	steps, _ := run["steps"].([]any)
	if len(steps) > 0 {
		sb.WriteString("\nSteps:\n")
	}
	for i, s := range steps {
		step, ok := s.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "  %d. %s: %s", i+1, getString(step, "stepId"), getString(step, "status"))
		if n, ok := getFloat(step, "retryCount"); ok && n > 0 {
			fmt.Fprintf(&sb, " (retries: %.0f)", n)
		}
		if _, ok := step["compensatedAt"]; ok {
			sb.WriteString(" [compensated]")
		}
		if v := getString(step, "error"); v != "" {
			fmt.Fprintf(&sb, " - %s", v)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatRiskScore(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	score := resp
	if s, ok := resp["score"].(map[string]any); ok {
		score = s
	}

	var sb strings.Builder
	sb.WriteString("Risk Assessment:\n")
	if v, ok := getFloat(score, "score"); ok {
		fmt.Fprintf(&sb, "  Score: %.1f / 100\n", v)
	}
	fmt.Fprintf(&sb, "  Level: %s\n", getString(score, "level"))
	fmt.Fprintf(&sb, "  Recommendation: %s\n", getString(score, "recommendation"))
	if v, ok := getFloat(score, "confidence"); ok {
		fmt.Fprintf(&sb, "  Confidence: %.0f%%\n", v*100)
	}
	if reasons, ok := score["reasons"].([]any); ok && len(reasons) > 0 {
		sb.WriteString("  Reasons:\n")
		for _, r := range reasons {
			fmt.Fprintf(&sb, "    - %v\n", r)
		}
	}
	return sb.String(), nil
}

func formatTemplates(raw json.RawMessage) (string, error) {
	var resp struct {
		Templates []map[string]any `json:"templates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Templates) == 0 {
		return "No templates registered.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d template(s):\n", len(resp.Templates))
	for _, t := range resp.Templates {
		fmt.Fprintf(&sb, "\n%s", getString(t, "name"))
		if d := getString(t, "description"); d != "" {
			fmt.Fprintf(&sb, " - %s", d)
		}
		sb.WriteString("\n")
		steps, _ := t["steps"].([]any)
		var ids []string
		for _, s := range steps {
			if m, ok := s.(map[string]any); ok {
				ids = append(ids, getString(m, "id"))
			}
		}
		fmt.Fprintf(&sb, "  %s\n", strings.Join(ids, " -> "))
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
