// Package paywall implements the x402 payment gate: quote the request,
// answer 402 with payment requirements, or verify the X-PAYMENT proof with
// the facilitator before letting the request through.
package paywall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/facilitator"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/pricing"
	"github.com/mbd888/paygate/internal/respond"
	"github.com/mbd888/paygate/internal/traces"
	"github.com/mbd888/paygate/internal/validation"
	"github.com/mbd888/paygate/pkg/x402"
)

// State is the gate's position for one request.
type State string

const (
	StateQuoting    State = "quoting"
	StateChallenged State = "challenged"
	StateVerifying  State = "verifying"
	StateAdmitted   State = "admitted"
	StateRejected   State = "rejected"
)

// Rejection codes written in the {error, message} body.
const (
	CodeRouteMisconfigured     = "route_misconfigured"
	CodeInvalidRequest         = "invalid_request"
	CodeRequestTooLarge        = "request_too_large"
	CodeInvalidPaymentProof    = "invalid_payment_proof"
	CodePaymentInvalid         = "payment_invalid"
	CodeFacilitatorUnavailable = "facilitator_unavailable"
	CodeClientGone             = "client_gone"
)

const (
	stateKey     = "paywall_state"
	admissionKey = "paywall_admission"
)

// Pricer quotes a request from its raw body. It must not fail: a body it
// cannot read is priced at the route's minimum.
type Pricer func(body []byte) pricing.Quote

// Route describes one protected endpoint.
type Route struct {
	// Name labels logs and metrics ("chat", "image").
	Name        string
	Description string
	MimeType    string
	Pricer      Pricer

	// Free routes skip payment entirely. A route that is not free but
	// quotes zero is rejected as misconfigured.
	Free bool

	// InputSchema is a JSON Schema for the request body, advertised in the
	// challenge and enforced when ValidateInput is set.
	InputSchema   json.RawMessage
	OutputSchema  json.RawMessage
	ValidateInput bool
	Discoverable  bool
}

// Admission is what a paid request carries past the gate.
type Admission struct {
	Route        string
	Quote        pricing.Quote
	Payload      *x402.PaymentPayload
	Requirements x402.PaymentRequirements
	Result       facilitator.Result
	Free         bool
}

// Rejection describes why a request was stopped.
type Rejection struct {
	Route  string
	State  State
	Status int
	Code   string
	Err    error
}

// Config configures the gate.
type Config struct {
	PayTo    string
	Network  x402.Network
	Verifier facilitator.Verifier

	// VerifyTimeout bounds a facilitator verify call. The call is detached
	// from the client's cancellation so a slow client cannot abort it
	// halfway.
	VerifyTimeout     time.Duration
	MaxTimeoutSeconds int

	Logger     *slog.Logger
	OnAdmitted func(c *gin.Context, a *Admission)
	OnRejected func(c *gin.Context, r *Rejection)
}

// Paywall builds per-route gate middleware.
type Paywall struct {
	cfg Config
}

// New validates cfg and returns a Paywall.
func New(cfg Config) (*Paywall, error) {
	if !common.IsHexAddress(cfg.PayTo) {
		return nil, fmt.Errorf("paywall: invalid payTo address %q", cfg.PayTo)
	}
	if cfg.Network.Name == "" || cfg.Network.Asset == "" {
		return nil, errors.New("paywall: network is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("paywall: verifier is required")
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 60
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.PayTo = common.HexToAddress(cfg.PayTo).Hex()
	return &Paywall{cfg: cfg}, nil
}

// PayTo returns the checksummed recipient address.
func (p *Paywall) PayTo() string { return p.cfg.PayTo }

// Gate returns middleware protecting route.
func (p *Paywall) Gate(route Route) gin.HandlerFunc {
	var validator *bodyValidator
	var routeErr error
	if route.Pricer == nil && !route.Free {
		routeErr = errors.New("route has no pricer")
	}
	if routeErr == nil && route.ValidateInput && len(route.InputSchema) > 0 {
		validator, routeErr = newBodyValidator(route.InputSchema)
	}
	if routeErr != nil {
		p.cfg.Logger.Error("paywall route misconfigured", "route", route.Name, "error", routeErr)
	}

	return func(c *gin.Context) {
		setState(c, route.Name, StateQuoting)

		if routeErr != nil {
			p.reject(c, route, http.StatusInternalServerError, CodeRouteMisconfigured,
				"This endpoint is not configured correctly", routeErr)
			return
		}

		body, err := readBody(c)
		if err != nil {
			if validation.IsTooLarge(err) {
				p.reject(c, route, http.StatusRequestEntityTooLarge, CodeRequestTooLarge, "Request body exceeds the size limit", err)
				return
			}
			p.reject(c, route, http.StatusBadRequest, CodeInvalidRequest, "Could not read request body", err)
			return
		}

		var quote pricing.Quote
		if route.Pricer != nil {
			quote = route.Pricer(body)
		}

		if route.Free {
			p.admit(c, route, &Admission{Route: route.Name, Quote: quote, Free: true})
			return
		}
		if quote.IsZero() {
			p.reject(c, route, http.StatusInternalServerError, CodeRouteMisconfigured,
				"This endpoint is not configured correctly", errors.New("zero price on paid route"))
			return
		}

		if validator != nil {
			if problems := validator.validate(body); len(problems) > 0 {
				p.rejectWith(c, route, http.StatusBadRequest, CodeInvalidRequest, gin.H{
					"error":   CodeInvalidRequest,
					"message": "Request body does not match the input schema",
					"details": problems,
				}, errors.New(strings.Join(problems, "; ")))
				return
			}
		}

		requirements := p.requirements(c, route, quote)

		header := c.GetHeader(x402.HeaderPayment)
		if header == "" {
			setState(c, route.Name, StateChallenged)
			p.challenge(c, route, quote, requirements)
			return
		}

		payload, err := x402.DecodePayment(header)
		if err != nil {
			p.reject(c, route, http.StatusBadRequest, CodeInvalidPaymentProof,
				"Could not decode X-PAYMENT header", err)
			return
		}
		if payload.Scheme != requirements.Scheme || payload.Network != requirements.Network {
			p.reject(c, route, http.StatusPaymentRequired, CodePaymentInvalid, "Payment verification failed",
				fmt.Errorf("payment for %s/%s, want %s/%s", payload.Scheme, payload.Network, requirements.Scheme, requirements.Network))
			return
		}

		setState(c, route.Name, StateVerifying)
		result := p.verify(c, route, payload, requirements)

		if c.Request.Context().Err() != nil {
			// The client is gone; nothing is written and nothing is forwarded.
			p.logger(c).Info("client disconnected during verification, discarding result",
				"route", route.Name, "code", result.Code)
			p.recordRejection(c, &Rejection{Route: route.Name, State: StateRejected, Code: CodeClientGone, Err: c.Request.Context().Err()})
			c.Abort()
			return
		}

		if !result.Verified {
			if result.Code.IsNetwork() {
				p.reject(c, route, http.StatusBadGateway, CodeFacilitatorUnavailable,
					"Payment could not be verified right now, try again", result.Err)
				return
			}
			p.reject(c, route, http.StatusPaymentRequired, CodePaymentInvalid, "Payment verification failed", result.Err)
			return
		}

		p.admit(c, route, &Admission{
			Route:        route.Name,
			Quote:        quote,
			Payload:      payload,
			Requirements: requirements,
			Result:       result,
		})
	}
}

func (p *Paywall) verify(c *gin.Context, route Route, payload *x402.PaymentPayload, req x402.PaymentRequirements) facilitator.Result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), p.cfg.VerifyTimeout)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "paywall.verify", traces.Route(route.Name), traces.Amount(req.MaxAmountRequired))
	defer span.End()

	start := time.Now()
	result := p.cfg.Verifier.Verify(ctx, payload, req)
	verifyDuration.WithLabelValues(route.Name, string(result.Code)).Observe(time.Since(start).Seconds())
	return result
}

func (p *Paywall) admit(c *gin.Context, route Route, a *Admission) {
	setState(c, route.Name, StateAdmitted)
	c.Set(admissionKey, a)
	if !a.Free {
		p.logger(c).Info("payment verified",
			"route", route.Name, "state", StateAdmitted, "payer", a.Result.Payer,
			"amount", a.Quote.Price())
	}
	if p.cfg.OnAdmitted != nil {
		p.cfg.OnAdmitted(c, a)
	}
	c.Next()
}

func (p *Paywall) reject(c *gin.Context, route Route, status int, code, message string, err error) {
	p.rejectWith(c, route, status, code, gin.H{"error": code, "message": message}, err)
}

func (p *Paywall) rejectWith(c *gin.Context, route Route, status int, code string, body any, err error) {
	r := &Rejection{Route: route.Name, State: StateRejected, Status: status, Code: code, Err: err}
	p.recordRejection(c, r)

	logger := p.logger(c)
	attrs := []any{"route", route.Name, "state", StateRejected, "status", status, "code", code}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if status >= 500 {
		logger.Error("payment gate rejected request", attrs...)
	} else {
		logger.Warn("payment gate rejected request", attrs...)
	}
	respond.JSON(c, status, body)
}

func (p *Paywall) recordRejection(c *gin.Context, r *Rejection) {
	setState(c, r.Route, StateRejected)
	rejectionsTotal.WithLabelValues(r.Route, r.Code).Inc()
	if p.cfg.OnRejected != nil {
		p.cfg.OnRejected(c, r)
	}
}

func (p *Paywall) challenge(c *gin.Context, route Route, quote pricing.Quote, req x402.PaymentRequirements) {
	price := quote.Price()
	c.Header("X-Payment-Required", "true")
	c.Header("X-Payment-Amount", price)
	c.Header("X-Payment-Recipient", p.cfg.PayTo)
	c.Header("X-Payment-Network", p.cfg.Network.Name)

	respond.JSON(c, http.StatusPaymentRequired, x402.Challenge{
		X402Version:      x402.Version,
		Error:            "X-PAYMENT header is required",
		Accepts:          []x402.PaymentRequirements{req},
		Price:            price,
		Network:          p.cfg.Network.Name,
		RecipientAddress: p.cfg.PayTo,
		Description:      route.Description,
		InputSchema:      route.InputSchema,
		OutputSchema:     route.OutputSchema,
	})
}

func (p *Paywall) requirements(c *gin.Context, route Route, quote pricing.Quote) x402.PaymentRequirements {
	mime := route.MimeType
	if mime == "" {
		mime = "application/json"
	}
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           p.cfg.Network.Name,
		MaxAmountRequired: quote.TotalCost.String(),
		Resource:          resourceURL(c),
		Description:       route.Description,
		MimeType:          mime,
		PayTo:             p.cfg.PayTo,
		MaxTimeoutSeconds: p.cfg.MaxTimeoutSeconds,
		Asset:             p.cfg.Network.Asset,
		OutputSchema: &x402.OutputSchema{
			Input: x402.InputSpec{
				Type:         "http",
				Method:       c.Request.Method,
				Discoverable: route.Discoverable,
				BodyType:     bodyType(c.Request.Method),
				BodyFields:   route.InputSchema,
			},
			Output: route.OutputSchema,
		},
		Extra: p.cfg.Network.DomainExtra(),
	}
}

func (p *Paywall) logger(c *gin.Context) *slog.Logger {
	return logging.Ctx(c.Request.Context(), p.cfg.Logger)
}

func bodyType(method string) string {
	if method == http.MethodGet || method == http.MethodHead {
		return ""
	}
	return "json"
}

func resourceURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto == "https" || proto == "http" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.Path
}

// readBody reads the request body once and puts it back for the handler.
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	_ = c.Request.Body.Close()
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func setState(c *gin.Context, route string, s State) {
	c.Set(stateKey, s)
	if s != StateQuoting {
		transitionsTotal.WithLabelValues(route, string(s)).Inc()
	}
}

// StateOf returns the gate state recorded for the request.
func StateOf(c *gin.Context) State {
	if v, ok := c.Get(stateKey); ok {
		if s, ok := v.(State); ok {
			return s
		}
	}
	return ""
}

// FromContext returns the admission recorded by the gate.
func FromContext(c *gin.Context) (*Admission, bool) {
	v, ok := c.Get(admissionKey)
	if !ok {
		return nil, false
	}
	a, ok := v.(*Admission)
	return a, ok
}
