package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/paygate/internal/usdc"
	"github.com/mbd888/paygate/pkg/x402"
)

// DefaultMaxPayment caps a single paid call when PAYGATE_MAX_PAYMENT is unset.
const DefaultMaxPayment = "0.10"

// ErrNoPayer is returned by paid calls when no private key is configured.
var ErrNoPayer = errors.New("PAYER_PRIVATE_KEY is not configured; paid tools are disabled")

// Config holds the configuration for connecting to a paygate gateway.
type Config struct {
	GatewayURL string   // Base URL, e.g. "http://localhost:4021"
	PrivateKey string   // Payer key, hex; empty disables paid tools
	MaxPayment *big.Int // Cap per call in atomic units; nil uses DefaultMaxPayment
	Timeout    time.Duration
}

// GatewayClient calls a gateway, paying 402 challenges when it can.
type GatewayClient struct {
	base   string
	plain  x402.Doer
	paying x402.Doer
	payer  string
}

// NewGatewayClient creates a client. Without a private key only the free
// and estimate calls work.
func NewGatewayClient(cfg Config) (*GatewayClient, error) {
	if _, err := url.ParseRequestURI(cfg.GatewayURL); err != nil {
		return nil, fmt.Errorf("invalid gateway URL %q: %w", cfg.GatewayURL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 150 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	c := &GatewayClient{
		base:  strings.TrimRight(cfg.GatewayURL, "/"),
		plain: x402.NewClient(nil, x402.WithHTTPClient(httpClient)),
	}
	if cfg.PrivateKey != "" {
		payer, err := x402.NewEVMPayer(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		limit := cfg.MaxPayment
		if limit == nil {
			limit = usdc.MustParse(DefaultMaxPayment)
		}
		c.paying = x402.NewClient(payer, x402.WithHTTPClient(httpClient), x402.WithMaxAmount(limit))
		c.payer = payer.Address()
	}
	return c, nil
}

// CanPay reports whether paid tools are available.
func (c *GatewayClient) CanPay() bool { return c.paying != nil }

// Payer returns the paying address, or "" without a key.
func (c *GatewayClient) Payer() string { return c.payer }

// apiError represents an error response from the gateway.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// headerPaygateRequestID names the gateway's own ID for a settled call,
// the one its operator API and refund ledger are keyed on.
const headerPaygateRequestID = "X-Paygate-Request-ID"

// PaidResult is a successful paid call.
type PaidResult struct {
	Body       json.RawMessage
	Settlement *x402.SettleResponse
	RequestID  string
}

func (c *GatewayClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("gateway error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("gateway error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Quote prices an image size. Quotes are free.
func (c *GatewayClient) Quote(ctx context.Context, size string) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/quote", map[string]string{"size": size})
	if err != nil {
		return nil, err
	}
	resp, err := c.plain.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return readBody(resp)
}

// Estimate asks the gateway what a chat call would cost by sending it
// unpaid and reading the 402 challenge. Nothing is charged.
func (c *GatewayClient) Estimate(ctx context.Context, body map[string]any) (*x402.Challenge, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	resp, err := c.plain.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		_, err := readBody(resp)
		if err == nil {
			err = fmt.Errorf("gateway did not ask for payment (status %d)", resp.StatusCode)
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return x402.ParseChallenge(resp)
}

// Chat pays for and runs a chat completion.
func (c *GatewayClient) Chat(ctx context.Context, body map[string]any) (*PaidResult, error) {
	return c.paid(ctx, "/v1/chat/completions", body)
}

// GenerateImage pays for and runs one image generation.
func (c *GatewayClient) GenerateImage(ctx context.Context, prompt, size string) (*PaidResult, error) {
	body := map[string]any{"prompt": prompt}
	if size != "" {
		body["size"] = size
	}
	return c.paid(ctx, "/generate-image", body)
}

func (c *GatewayClient) paid(ctx context.Context, path string, body any) (*PaidResult, error) {
	if c.paying == nil {
		return nil, ErrNoPayer
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.paying.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paid request failed: %w", err)
	}
	settlement, settleErr := x402.Settlement(resp)
	requestID := resp.Header.Get(headerPaygateRequestID)
	if requestID == "" {
		requestID = resp.Header.Get("X-Request-ID")
	}
	raw, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if settleErr != nil {
		return nil, fmt.Errorf("decode settlement: %w", settleErr)
	}
	return &PaidResult{Body: raw, Settlement: settlement, RequestID: requestID}, nil
}
