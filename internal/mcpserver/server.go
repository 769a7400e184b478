package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the gateway tools
// registered. Paid tools are only listed when a payer key is configured.
func NewMCPServer(cfg Config) (*server.MCPServer, *GatewayClient, error) {
	client, err := NewGatewayClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	s := server.NewMCPServer("paygate", "1.0.0")
	h := NewHandlers(client)

	s.AddTool(ToolQuoteImage, h.HandleQuoteImage)
	s.AddTool(ToolEstimateChat, h.HandleEstimateChat)
	if client.CanPay() {
		s.AddTool(ToolChat, h.HandleChat)
		s.AddTool(ToolGenerateImage, h.HandleGenerateImage)
	}

	return s, client, nil
}
