// Paygate MCP Server - exposes the gateway's paid AI endpoints as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/paygate/internal/mcpserver"
	"github.com/mbd888/paygate/internal/usdc"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		GatewayURL: envOrDefault("PAYGATE_URL", "http://localhost:4021"),
		PrivateKey: os.Getenv("PAYER_PRIVATE_KEY"),
	}
	if v := os.Getenv("PAYGATE_MAX_PAYMENT"); v != "" {
		limit, ok := usdc.Parse(v)
		if !ok {
			fmt.Fprintf(os.Stderr, "PAYGATE_MAX_PAYMENT must be a USDC amount, got %q\n", v)
			os.Exit(1)
		}
		cfg.MaxPayment = limit
	}

	s, client, err := mcpserver.NewMCPServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MCP server config error: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the protocol; notes go to stderr
	if client.CanPay() {
		fmt.Fprintf(os.Stderr, "paying from %s\n", client.Payer())
	} else {
		fmt.Fprintln(os.Stderr, "PAYER_PRIVATE_KEY not set; only quote_image and estimate_chat are available")
	}

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
