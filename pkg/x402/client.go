package x402

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

// Doer is the capability a caller uses to reach a paid endpoint. It is
// chosen once, when the caller knows whether it can pay, and passed by
// reference instead of living in a package-level cache.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

var (
	ErrPaymentLimit    = errors.New("x402: payment exceeds limit")
	ErrNoPaymentOption = errors.New("x402: no payment option this payer supports")
	ErrPaymentRefused  = errors.New("x402: server refused payment")
)

// PlainClient sends requests without paying. A 402 is returned to the caller.
type PlainClient struct {
	HTTP *http.Client
}

// Do sends req unchanged.
func (c *PlainClient) Do(req *http.Request) (*http.Response, error) {
	return c.HTTP.Do(req)
}

// PayingClient answers a single 402 challenge per request by paying it
// and replaying the request with an X-PAYMENT header.
type PayingClient struct {
	http  *http.Client
	payer Payer

	// MaxAmount caps a single payment in atomic units. Nil means no cap.
	MaxAmount *big.Int

	// OnPayment is called after a payload is signed, before it is sent.
	OnPayment func(req PaymentRequirements, payload *PaymentPayload)
}

// ClientOption configures NewClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	http      *http.Client
	maxAmount *big.Int
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.http = c }
}

// WithMaxAmount caps each payment, in atomic units.
func WithMaxAmount(amount *big.Int) ClientOption {
	return func(o *clientOptions) { o.maxAmount = amount }
}

// NewClient returns a PayingClient when payer is non-nil and a
// PlainClient otherwise.
func NewClient(payer Payer, opts ...ClientOption) Doer {
	o := clientOptions{http: &http.Client{Timeout: 120 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}
	if payer == nil {
		return &PlainClient{HTTP: o.http}
	}
	return &PayingClient{http: o.http, payer: payer, MaxAmount: o.maxAmount}
}

// Do performs req, paying at most once if the server answers 402.
func (c *PayingClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := ParseChallenge(resp)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	option, err := c.choose(challenge.Accepts)
	if err != nil {
		return nil, err
	}

	payload, err := c.payer.Pay(req.Context(), option)
	if err != nil {
		return nil, fmt.Errorf("pay: %w", err)
	}
	if c.OnPayment != nil {
		c.OnPayment(option, payload)
	}
	header, err := EncodePayment(payload)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if body != nil {
		retry.Body = io.NopCloser(bytes.NewReader(body))
		retry.ContentLength = int64(len(body))
	}
	retry.Header.Set(HeaderPayment, header)

	resp, err = c.http.Do(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		_ = resp.Body.Close()
		return nil, ErrPaymentRefused
	}
	return resp, nil
}

func (c *PayingClient) choose(accepts []PaymentRequirements) (PaymentRequirements, error) {
	for _, req := range accepts {
		if req.Scheme != SchemeExact {
			continue
		}
		if _, err := LookupNetwork(req.Network); err != nil {
			continue
		}
		amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
		if !ok {
			continue
		}
		if c.MaxAmount != nil && amount.Cmp(c.MaxAmount) > 0 {
			return PaymentRequirements{}, fmt.Errorf("%w: %s > %s", ErrPaymentLimit, amount, c.MaxAmount)
		}
		return req, nil
	}
	return PaymentRequirements{}, ErrNoPaymentOption
}

// Settlement reads the X-PAYMENT-RESPONSE header of a paid response.
// It returns nil, nil when the response carries none.
func Settlement(resp *http.Response) (*SettleResponse, error) {
	h := resp.Header.Get(HeaderPaymentResponse)
	if h == "" {
		return nil, nil
	}
	return DecodeSettleResponse(h)
}
