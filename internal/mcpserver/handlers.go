package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/paygate/internal/usdc"
	"github.com/mbd888/paygate/pkg/x402"
)

const defaultMaxTokens = 1000

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *GatewayClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *GatewayClient) *Handlers {
	return &Handlers{client: client}
}

// HandleQuoteImage prices an image size.
func (h *Handlers) HandleQuoteImage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	size := strings.TrimSpace(req.GetString("size", ""))

	raw, err := h.client.Quote(ctx, size)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get quote: %v", err)), nil
	}

	var q struct {
		Cents int64  `json:"cents"`
		Price string `json:"price"`
		Size  string `json:"size"`
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Image %s: %s USDC (%d cents)", q.Size, strings.TrimPrefix(q.Price, "$"), q.Cents)), nil
}

// HandleEstimateChat reads the price of a chat call from the gateway's
// payment challenge.
func (h *Handlers) HandleEstimateChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := chatBody(req, "estimate")

	challenge, err := h.client.Estimate(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to estimate: %v", err)), nil
	}
	opt := challenge.Accepts[0]
	amount, ok := new(big.Int).SetString(opt.MaxAmountRequired, 10)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("Gateway returned an invalid amount %q", opt.MaxAmountRequired)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Maximum charge: %s USDC\n", usdc.Format(amount))
	if m, ok := body["model"].(string); ok && m != "" {
		fmt.Fprintf(&sb, "Model: %s\n", m)
	}
	fmt.Fprintf(&sb, "Max tokens: %v\n", body["max_tokens"])
	fmt.Fprintf(&sb, "Network: %s\n", opt.Network)
	sb.WriteString("Unused tokens are refunded after the call.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleChat pays for and runs a chat completion.
func (h *Handlers) HandleChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := req.GetString("prompt", "")
	if strings.TrimSpace(prompt) == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}

	res, err := h.client.Chat(ctx, chatBody(req, prompt))
	if err != nil {
		return mcp.NewToolResultError(paidError("Chat", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(chatContent(res.Body))
	sb.WriteString("\n\n")
	writeReceipt(&sb, res)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGenerateImage pays for and generates one image.
func (h *Handlers) HandleGenerateImage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := req.GetString("prompt", "")
	if strings.TrimSpace(prompt) == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}

	res, err := h.client.GenerateImage(ctx, prompt, strings.TrimSpace(req.GetString("size", "")))
	if err != nil {
		return mcp.NewToolResultError(paidError("Image generation", err)), nil
	}

	var sb strings.Builder
	if url := imageURL(res.Body); url != "" {
		fmt.Fprintf(&sb, "Image: %s\n\n", truncate(url, 200))
	} else {
		sb.WriteString("No image was returned; the payment will be refunded.\n\n")
	}
	writeReceipt(&sb, res)
	return mcp.NewToolResultText(sb.String()), nil
}

// chatBody builds an OpenAI-style request from tool arguments.
func chatBody(req mcp.CallToolRequest, prompt string) map[string]any {
	maxTokens := req.GetInt("max_tokens", defaultMaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	var messages []map[string]string
	if system := req.GetString("system", ""); system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	body := map[string]any{
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if model := strings.TrimSpace(req.GetString("model", "")); model != "" {
		body["model"] = model
	}
	return body
}

func paidError(what string, err error) string {
	switch {
	case errors.Is(err, ErrNoPayer):
		return err.Error()
	case errors.Is(err, x402.ErrPaymentLimit):
		return fmt.Sprintf("%s not paid: the price is above PAYGATE_MAX_PAYMENT (%v)", what, err)
	default:
		return fmt.Sprintf("%s failed: %v", what, err)
	}
}

func writeReceipt(sb *strings.Builder, res *PaidResult) {
	sb.WriteString("Payment:\n")
	if s := res.Settlement; s != nil {
		fmt.Fprintf(sb, "  Transaction: %s\n", s.Transaction)
		fmt.Fprintf(sb, "  Network: %s\n", s.Network)
	} else {
		sb.WriteString("  Verified, not settled\n")
	}
	if res.RequestID != "" {
		fmt.Fprintf(sb, "  Request ID: %s\n", res.RequestID)
	}
}

// chatContent returns the assistant message, or the raw body when it has
// an unexpected shape.
func chatContent(raw json.RawMessage) string {
	var resp struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Choices) == 0 {
		return formatJSON(raw)
	}
	var text string
	if err := json.Unmarshal(resp.Choices[0].Message.Content, &text); err == nil {
		return text
	}
	return formatJSON(resp.Choices[0].Message.Content)
}

func imageURL(raw json.RawMessage) string {
	var resp struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ""
	}
	for _, d := range resp.Data {
		if d.URL != "" {
			return d.URL
		}
		if d.B64JSON != "" {
			return "data:image/png;base64," + d.B64JSON
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
