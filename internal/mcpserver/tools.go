package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the paygate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolQuoteImage = mcp.NewTool("quote_image",
	mcp.WithDescription(
		"Get the USDC price of generating one image at a given size. "+
			"Free; nothing is charged. Unknown sizes are priced at the default bucket."),
	mcp.WithString("size",
		mcp.Description("Image size, e.g. '256x256', '512x512', '1024x1024', '1792x1024'. Defaults to 1024x1024.")),
)

var ToolEstimateChat = mcp.NewTool("estimate_chat",
	mcp.WithDescription(
		"Estimate the maximum USDC charge for a chat completion before making it. "+
			"The gateway charges up front for max_tokens and refunds unused tokens after the call. "+
			"Free; nothing is charged."),
	mcp.WithString("model",
		mcp.Description("Model name, e.g. 'gpt-4'. Unknown models use the default per-token price.")),
	mcp.WithNumber("max_tokens",
		mcp.Description("Upper bound on tokens for the completion (default 1000)")),
)

var ToolChat = mcp.NewTool("chat",
	mcp.WithDescription(
		"Run a paid chat completion through the gateway. Pays in USDC with the configured wallet, "+
			"up to the configured per-call cap. Any overcharge is refunded on-chain after the call."),
	mcp.WithString("prompt",
		mcp.Required(),
		mcp.Description("The user message to send")),
	mcp.WithString("model",
		mcp.Description("Model name, e.g. 'gpt-4'")),
	mcp.WithString("system",
		mcp.Description("Optional system message")),
	mcp.WithNumber("max_tokens",
		mcp.Description("Upper bound on tokens for the completion (default 1000)")),
)

var ToolGenerateImage = mcp.NewTool("generate_image",
	mcp.WithDescription(
		"Generate one image from a text prompt. Pays the size bucket price in USDC; "+
			"if no image comes back the payment is refunded in full."),
	mcp.WithString("prompt",
		mcp.Required(),
		mcp.Description("What to draw")),
	mcp.WithString("size",
		mcp.Description("Image size, e.g. '1024x1024' (default)")),
)
