// Package upstream forwards admitted requests to the OpenAI-compatible
// generation API and reads what came back.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/paygate/internal/circuitbreaker"
	"github.com/mbd888/paygate/internal/traces"
)

// DefaultMaxResponseBytes caps a buffered upstream body.
const DefaultMaxResponseBytes = 10 << 20

var (
	ErrUnreachable = errors.New("upstream: unreachable")
	ErrCircuitOpen = errors.New("upstream: circuit open")
	ErrTooLarge    = errors.New("upstream: response exceeds size limit")
)

// forwardHeaders is the allow-list copied from the client request. Payment,
// auth, cookie and hop-by-hop headers never reach the upstream.
var forwardHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"User-Agent",
	"X-Request-Id",
}

// Config configures a Proxy.
type Config struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	MaxResponseBytes int64
	HTTPClient       *http.Client
	Breaker          *circuitbreaker.Breaker
}

// Request is one call to forward.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Response is the upstream answer, body buffered verbatim.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Latency     time.Duration
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Forwarder is what the gateway needs from a Proxy.
type Forwarder interface {
	Forward(ctx context.Context, req Request) (*Response, error)
}

// Proxy sends requests to one upstream base URL.
type Proxy struct {
	base    string
	apiKey  string
	client  *http.Client
	maxBody int64
	breaker *circuitbreaker.Breaker
	key     string
}

// New creates a proxy for cfg.BaseURL.
func New(cfg Config) (*Proxy, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream: invalid base URL %q", cfg.BaseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Proxy{
		base:    base,
		apiKey:  cfg.APIKey,
		client:  client,
		maxBody: maxBody,
		breaker: cfg.Breaker,
		key:     circuitbreaker.HostKey(base),
	}, nil
}

// Forward sends req upstream. A non-2xx answer is returned as a Response,
// not an error; errors mean no usable answer arrived.
func (p *Proxy) Forward(ctx context.Context, req Request) (resp *Response, err error) {
	ctx, span := traces.StartSpan(ctx, "upstream.forward", traces.Route(req.Path))
	defer func() {
		if resp != nil {
			span.SetAttributes(traces.Status(resp.Status))
		}
		traces.End(span, err)
		observe(req.Path, resp, err)
	}()

	if p.breaker != nil && !p.breaker.Allow(p.key) {
		return nil, ErrCircuitOpen
	}

	resp, err = p.do(ctx, req)
	if p.breaker != nil {
		if err != nil || (resp != nil && resp.Status >= 502 && resp.Status <= 504) {
			p.breaker.Failure(p.key)
		} else {
			p.breaker.Success(p.key)
		}
	}
	return resp, err
}

func (p *Proxy) do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	target := p.base + req.Path
	if req.Query != "" {
		target += "?" + req.Query
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	for _, h := range forwardHeaders {
		if v := req.Header.Get(h); v != "" {
			httpReq.Header.Set(h, v)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, p.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}
	if int64(len(data)) > p.maxBody {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, p.maxBody)
	}

	return &Response{
		Status:      httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        data,
		Latency:     time.Since(start),
	}, nil
}
