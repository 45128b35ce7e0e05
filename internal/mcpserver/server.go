package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all paycore tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("paycore", "1.0.0")
	client := NewPaycoreClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolStartPayment, h.HandleStartPayment)
	s.AddTool(ToolGetRunStatus, h.HandleGetRunStatus)
	s.AddTool(ToolCancelRun, h.HandleCancelRun)
	s.AddTool(ToolCheckRisk, h.HandleCheckRisk)
	s.AddTool(ToolListTemplates, h.HandleListTemplates)
	s.AddTool(ToolUpdateBlacklist, h.HandleUpdateBlacklist)

	return s
}
