package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all commission tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("commissions", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolListSessionOrders, h.HandleListSessionOrders)
	s.AddTool(ToolAcceptOrder, h.HandleAcceptOrder)
	s.AddTool(ToolDeliverOrder, h.HandleDeliverOrder)
	s.AddTool(ToolValidateOrder, h.HandleValidateOrder)
	s.AddTool(ToolDisputeOrder, h.HandleDisputeOrder)
	s.AddTool(ToolCheckWallet, h.HandleCheckWallet)
	s.AddTool(ToolListTransactions, h.HandleListTransactions)

	return s
}
