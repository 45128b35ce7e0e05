package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the paycore MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolStartPayment = mcp.NewTool("start_payment",
	mcp.WithDescription(
		"Start a payment workflow run. 'standard_payment' runs validation, fraud check, "+
			"authorization, capture, settlement and notification. 'express_payment' charges a "+
			"mobile-money wallet in one call. Returns the run ID; poll get_run_status to follow it."),
	mcp.WithString("template",
		mcp.Description("Workflow template (default 'standard_payment')"),
		mcp.Enum("standard_payment", "express_payment")),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Merchant order identifier")),
	mcp.WithString("payer_id",
		mcp.Required(),
		mcp.Description("Paying customer identifier")),
	mcp.WithString("payment_method",
		mcp.Required(),
		mcp.Description("Payment method"),
		mcp.Enum("bkash", "nagad", "rocket", "card")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Decimal amount in major units (e.g. '1250.00')")),
	mcp.WithString("currency",
		mcp.Required(),
		mcp.Description("ISO-4217 currency code (e.g. 'BDT', 'USD')")),
	mcp.WithString("ip_address",
		mcp.Description("Payer IP address, used by the fraud check")),
	mcp.WithString("device_id",
		mcp.Description("Payer device identifier, used by the fraud check")),
)

var ToolGetRunStatus = mcp.NewTool("get_run_status",
	mcp.WithDescription(
		"Get the status of a payment workflow run, including each step's state, retry count and error."),
	mcp.WithString("run_id",
		mcp.Required(),
		mcp.Description("Run ID returned by start_payment (e.g. 'run_...')")),
)

var ToolCancelRun = mcp.NewTool("cancel_run",
	mcp.WithDescription(
		"Cancel a payment workflow run that has not finished. Completed, failed or already "+
			"cancelled runs cannot be cancelled."),
	mcp.WithString("run_id",
		mcp.Required(),
		mcp.Description("Run ID to cancel")),
	mcp.WithString("reason",
		mcp.Description("Why the run is being cancelled")),
)

var ToolCheckRisk = mcp.NewTool("check_risk",
	mcp.WithDescription(
		"Score a transaction for fraud risk without starting a payment. Returns a 0-100 score, "+
			"a level, a recommendation (approve/review/decline) and the reasons behind it."),
	mcp.WithString("payer_id",
		mcp.Required(),
		mcp.Description("Paying customer identifier")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Decimal amount (e.g. '499.99')")),
	mcp.WithString("currency",
		mcp.Required(),
		mcp.Description("ISO-4217 currency code")),
	mcp.WithString("payment_method",
		mcp.Description("Payment method")),
	mcp.WithString("ip_address",
		mcp.Description("Payer IP address")),
	mcp.WithString("device_id",
		mcp.Description("Payer device identifier")),
	mcp.WithString("country",
		mcp.Description("ISO-3166 alpha-2 country the request originates from")),
)

var ToolListTemplates = mcp.NewTool("list_templates",
	mcp.WithDescription(
		"List the payment workflow templates and their ordered steps."),
)

var ToolUpdateBlacklist = mcp.NewTool("update_blacklist",
	mcp.WithDescription(
		"Add or remove a blacklist entry. Blacklisted payers, IPs or devices are declined "+
			"outright by the fraud check."),
	mcp.WithString("key",
		mcp.Required(),
		mcp.Description("Entry in the form 'user:<id>', 'ip:<addr>' or 'device:<id>'")),
	mcp.WithString("action",
		mcp.Description("'add' (default) or 'remove'"),
		mcp.Enum("add", "remove")),
)
