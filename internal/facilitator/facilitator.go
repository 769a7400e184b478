// Package facilitator talks to an x402 facilitator service over HTTP.
//
// Verify and Settle each make at most one outbound call. Failures never
// surface as a half-valid result: every non-ok outcome has Verified false
// and a Code that tells the caller whether the payment was bad or the
// facilitator was unreachable.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/paygate/internal/circuitbreaker"
	"github.com/mbd888/paygate/internal/traces"
	"github.com/mbd888/paygate/pkg/x402"
)

// DefaultURL is the public x402.org facilitator.
const DefaultURL = "https://x402.org/facilitator"

const maxResponseBytes = 1 << 20

// Code classifies the outcome of a facilitator call.
type Code string

const (
	CodeOK                 Code = "ok"
	CodeInvalidPayment     Code = "invalid_payment"
	CodeInsufficientAmount Code = "insufficient_amount"
	CodeNetwork            Code = "network_error"
	CodeTimeout            Code = "timeout"
	CodeBadStatus          Code = "bad_status"
	CodeSchemaInvalid      Code = "schema_invalid"
	CodeCircuitOpen        Code = "circuit_open"
)

// IsNetwork reports whether the code describes a facilitator or transport
// failure rather than a verdict on the payment itself.
func (c Code) IsNetwork() bool {
	switch c {
	case CodeOK, CodeInvalidPayment, CodeInsufficientAmount:
		return false
	default:
		return true
	}
}

// Error is returned by Settle and Supported, and carried in Result.Err.
type Error struct {
	Op     string
	Code   Code
	Status int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := "facilitator " + e.Op + ": " + string(e.Code)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the Code from err, CodeOK for nil and CodeNetwork for
// errors that did not come from this package.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeNetwork
}

// Result is the verdict of one Verify call.
type Result struct {
	Verified      bool
	Payer         string
	TxHash        string
	SettledAmount *big.Int
	Network       string
	Code          Code
	Reason        string
	Err           error
}

func failed(err *Error) Result {
	return Result{Code: err.Code, Reason: err.Reason, Err: err}
}

func asError(op string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Op: op, Code: CodeNetwork, Err: err}
}

// Settlement is a successful settle call.
type Settlement struct {
	TxHash   string
	Payer    string
	Network  string
	Amount   *big.Int
	Response *x402.SettleResponse
}

// Verifier checks a payment before the protected work runs.
type Verifier interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, req x402.PaymentRequirements) Result
}

// Settler executes a verified payment.
type Settler interface {
	Settle(ctx context.Context, payload *x402.PaymentPayload, req x402.PaymentRequirements) (*Settlement, error)
}

// Config configures a Client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
	Breaker    *circuitbreaker.Breaker
}

// Client is an HTTP facilitator client.
type Client struct {
	url     string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	key     string
}

// New creates a client. A nil breaker disables fast-fail.
func New(cfg Config) *Client {
	url := strings.TrimRight(cfg.URL, "/")
	if url == "" {
		url = DefaultURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		url:     url,
		apiKey:  cfg.APIKey,
		http:    hc,
		breaker: cfg.Breaker,
		key:     circuitbreaker.HostKey(url),
	}
}

// URL returns the facilitator base URL.
func (c *Client) URL() string { return c.url }

type exchange struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// Verify asks the facilitator whether payload satisfies req. A payload that
// is locally malformed, pays someone other than req.PayTo, targets another
// network or authorizes less than req.MaxAmountRequired is rejected without
// a network call.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, req x402.PaymentRequirements) (res Result) {
	ctx, span := traces.StartSpan(ctx, "facilitator.verify", traces.Network(req.Network), traces.Amount(req.MaxAmountRequired))
	start := time.Now()
	defer func() {
		span.SetAttributes(traces.Code(string(res.Code)))
		traces.End(span, res.Err)
		observe("verify", res.Code, time.Since(start))
	}()

	auth, ferr := authorizedAmount("verify", payload, req)
	if ferr != nil {
		return failed(ferr)
	}

	var vr x402.VerifyResponse
	if err := c.call(ctx, "verify", http.MethodPost, "/verify", exchange{
		X402Version:         x402.Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	}, verifySchema, &vr); err != nil {
		return failed(asError("verify", err))
	}

	payer := auth.from
	if vr.Payer != nil && *vr.Payer != "" {
		payer = *vr.Payer
	}
	if !vr.IsValid {
		reason := deref(vr.InvalidReason)
		code := CodeInvalidPayment
		if insufficientReason(reason) {
			code = CodeInsufficientAmount
		}
		r := failed(&Error{Op: "verify", Code: code, Reason: reason})
		r.Payer = payer
		return r
	}

	return Result{
		Verified:      true,
		Payer:         payer,
		SettledAmount: auth.value,
		Network:       payload.Network,
		Code:          CodeOK,
	}
}

// Settle executes a verified payment on chain through the facilitator.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, req x402.PaymentRequirements) (s *Settlement, err error) {
	ctx, span := traces.StartSpan(ctx, "facilitator.settle", traces.Network(req.Network), traces.Amount(req.MaxAmountRequired))
	start := time.Now()
	defer func() {
		if s != nil {
			span.SetAttributes(traces.TxHash(s.TxHash))
		}
		traces.End(span, err)
		observe("settle", CodeOf(err), time.Since(start))
	}()

	auth, ferr := authorizedAmount("settle", payload, req)
	if ferr != nil {
		return nil, ferr
	}

	var sr x402.SettleResponse
	if err := c.call(ctx, "settle", http.MethodPost, "/settle", exchange{
		X402Version:         x402.Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	}, settleSchema, &sr); err != nil {
		return nil, err
	}
	if !sr.Success {
		return nil, &Error{Op: "settle", Code: CodeInvalidPayment, Reason: deref(sr.ErrorReason)}
	}

	payer := auth.from
	if sr.Payer != nil && *sr.Payer != "" {
		payer = *sr.Payer
	}
	network := sr.Network
	if network == "" {
		network = payload.Network
	}
	return &Settlement{
		TxHash:   sr.Transaction,
		Payer:    payer,
		Network:  network,
		Amount:   auth.value,
		Response: &sr,
	}, nil
}

// Supported lists the scheme and network pairs the facilitator handles.
func (c *Client) Supported(ctx context.Context) ([]x402.SupportedKind, error) {
	start := time.Now()
	var out x402.SupportedResponse
	err := c.call(ctx, "supported", http.MethodGet, "/supported", nil, supportedSchema, &out)
	observe("supported", CodeOf(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return out.Kinds, nil
}

// Supports reports whether the facilitator lists scheme on network.
func (c *Client) Supports(ctx context.Context, scheme, network string) (bool, error) {
	kinds, err := c.Supported(ctx)
	if err != nil {
		return false, err
	}
	for _, k := range kinds {
		if k.Scheme == scheme && k.Network == network {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) call(ctx context.Context, op, method, path string, in any, schema *jsonSchema, out any) error {
	run := func() error { return c.do(ctx, op, method, path, in, schema, out) }
	if c.breaker == nil {
		return run()
	}
	err := c.breaker.Execute(c.key, run, tripsBreaker)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &Error{Op: op, Code: CodeCircuitOpen, Err: err}
	}
	return err
}

func tripsBreaker(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return true
	}
	switch fe.Code {
	case CodeNetwork, CodeTimeout:
		return true
	case CodeBadStatus:
		return fe.Status >= 500
	}
	return false
}

func (c *Client) do(ctx context.Context, op, method, path string, in any, schema *jsonSchema, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Code: CodeInvalidPayment, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, body)
	if err != nil {
		return &Error{Op: op, Code: CodeNetwork, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Code: transportCode(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Op: op, Code: transportCode(err), Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 500 {
		return &Error{Op: op, Code: CodeBadStatus, Status: resp.StatusCode, Reason: snippet(data)}
	}

	// Facilitators answer a rejected payment with 400 and a well-formed
	// verdict. Anything else outside 2xx is a protocol failure.
	if verr := schema.validate(data); verr != nil {
		if resp.StatusCode >= 300 {
			return &Error{Op: op, Code: CodeBadStatus, Status: resp.StatusCode, Reason: snippet(data)}
		}
		return &Error{Op: op, Code: CodeSchemaInvalid, Status: resp.StatusCode, Err: verr}
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusBadRequest {
		return &Error{Op: op, Code: CodeBadStatus, Status: resp.StatusCode, Reason: snippet(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, Code: CodeSchemaInvalid, Status: resp.StatusCode, Err: err}
	}
	return nil
}

func transportCode(err error) Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CodeTimeout
	}
	return CodeNetwork
}

type authorization struct {
	from  string
	value *big.Int
}

func authorizedAmount(op string, payload *x402.PaymentPayload, req x402.PaymentRequirements) (*authorization, *Error) {
	if payload == nil {
		return nil, &Error{Op: op, Code: CodeInvalidPayment, Reason: "missing payload"}
	}
	evm, err := payload.EVM()
	if err != nil {
		return nil, &Error{Op: op, Code: CodeInvalidPayment, Err: err}
	}
	if !strings.EqualFold(payload.Network, req.Network) {
		return nil, &Error{Op: op, Code: CodeInvalidPayment, Reason: fmt.Sprintf("payment is for network %q, required %q", payload.Network, req.Network)}
	}
	if !strings.EqualFold(strings.TrimSpace(evm.Authorization.To), strings.TrimSpace(req.PayTo)) {
		return nil, &Error{Op: op, Code: CodeInvalidPayment, Reason: fmt.Sprintf("authorization pays %s, required %s", evm.Authorization.To, req.PayTo)}
	}
	value, ok := new(big.Int).SetString(evm.Authorization.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, &Error{Op: op, Code: CodeInvalidPayment, Reason: "unparseable authorization value"}
	}
	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return nil, &Error{Op: op, Code: CodeInvalidPayment, Reason: "unparseable required amount"}
	}
	if value.Cmp(required) < 0 {
		return nil, &Error{
			Op:     op,
			Code:   CodeInsufficientAmount,
			Reason: fmt.Sprintf("authorized %s, required %s", value, required),
		}
	}
	return &authorization{from: evm.Authorization.From, value: value}, nil
}

// insufficientReason matches the x402 reasons for an amount that does not
// cover the requirement.
func insufficientReason(reason string) bool {
	switch reason {
	case "insufficient_funds", "invalid_exact_evm_payload_authorization_value":
		return true
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
