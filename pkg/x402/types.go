// Package x402 implements the x402 HTTP payment protocol types, header
// codecs and a paying HTTP client. The gateway and its callers share it.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Version is the protocol version spoken by this package.
const Version = 1

// SchemeExact is the only payment scheme supported: a signed EIP-3009
// transferWithAuthorization for an exact amount.
const SchemeExact = "exact"

// Header names used on the wire.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

var (
	ErrMalformedHeader = errors.New("x402: malformed payment header")
	ErrNotChallenge    = errors.New("x402: response is not a payment challenge")
)

// PaymentRequirements describes one acceptable way to pay for a resource.
// Amounts are decimal strings in the asset's atomic units.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	OutputSchema      *OutputSchema  `json:"outputSchema,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// OutputSchema documents the protected endpoint for discovery clients.
type OutputSchema struct {
	Input  InputSpec       `json:"input"`
	Output json.RawMessage `json:"output,omitempty"`
}

// InputSpec describes how the protected endpoint is called.
type InputSpec struct {
	Type         string          `json:"type"`
	Method       string          `json:"method"`
	Discoverable bool            `json:"discoverable"`
	BodyType     string          `json:"bodyType,omitempty"`
	BodyFields   json.RawMessage `json:"bodyFields,omitempty"`
}

// PaymentPayload is the decoded X-PAYMENT header. Payload is kept raw so
// it can be relayed to the facilitator exactly as the client signed it.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// ExactEVMPayload is the scheme-specific part of an "exact" EVM payment.
type ExactEVMPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization mirrors the EIP-3009 TransferWithAuthorization message.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// EVM decodes the scheme payload.
func (p *PaymentPayload) EVM() (*ExactEVMPayload, error) {
	var out ExactEVMPayload
	if err := json.Unmarshal(p.Payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if out.Signature == "" || out.Authorization.From == "" || out.Authorization.Value == "" {
		return nil, fmt.Errorf("%w: incomplete exact payload", ErrMalformedHeader)
	}
	return &out, nil
}

// VerifyResponse is the facilitator's /verify answer.
type VerifyResponse struct {
	IsValid       bool    `json:"isValid"`
	InvalidReason *string `json:"invalidReason,omitempty"`
	Payer         *string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's /settle answer, also echoed to the
// client in the X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason *string `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     string  `json:"network"`
	Payer       *string `json:"payer,omitempty"`
}

// SupportedKind is one scheme/network pair a facilitator can handle.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse is the facilitator's /supported answer.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Challenge is the 402 response body. Accepts carries the machine-readable
// requirements; the flat fields summarize them for humans and simple clients.
type Challenge struct {
	X402Version      int                   `json:"x402Version"`
	Error            string                `json:"error"`
	Accepts          []PaymentRequirements `json:"accepts"`
	Price            string                `json:"price"`
	Network          string                `json:"network"`
	RecipientAddress string                `json:"recipientAddress"`
	Description      string                `json:"description"`
	InputSchema      json.RawMessage       `json:"inputSchema,omitempty"`
	OutputSchema     json.RawMessage       `json:"outputSchema,omitempty"`
}

// EncodePayment serializes a payload for the X-PAYMENT header.
func EncodePayment(p *PaymentPayload) (string, error) {
	return encode(p)
}

// DecodePayment parses an X-PAYMENT header value.
func DecodePayment(header string) (*PaymentPayload, error) {
	var p PaymentPayload
	if err := decode(header, &p); err != nil {
		return nil, err
	}
	if p.Scheme == "" || p.Network == "" || len(p.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing scheme, network or payload", ErrMalformedHeader)
	}
	return &p, nil
}

// EncodeSettleResponse serializes a settlement for the X-PAYMENT-RESPONSE header.
func EncodeSettleResponse(s *SettleResponse) (string, error) {
	return encode(s)
}

// DecodeSettleResponse parses an X-PAYMENT-RESPONSE header value.
func DecodeSettleResponse(header string) (*SettleResponse, error) {
	var s SettleResponse
	if err := decode(header, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseChallenge reads a 402 response body. The body is consumed.
func ParseChallenge(resp *http.Response) (*Challenge, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("%w: got %d", ErrNotChallenge, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	if len(c.Accepts) == 0 {
		return nil, fmt.Errorf("%w: no accepted payment options", ErrNotChallenge)
	}
	return &c, nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decode(header string, v any) error {
	if header == "" {
		return fmt.Errorf("%w: empty", ErrMalformedHeader)
	}
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		// Some clients send URL-safe base64.
		data, err = base64.URLEncoding.DecodeString(header)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return nil
}
