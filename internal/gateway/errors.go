package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/facilitator"
	"github.com/mbd888/paygate/internal/respond"
	"github.com/mbd888/paygate/internal/upstream"
)

// Error classes. Every failure leaving the pipeline wraps one of them.
var (
	ErrConfiguration   = errors.New("gateway: configuration error")
	ErrPaymentRequired = errors.New("gateway: payment required")
	ErrPaymentInvalid  = errors.New("gateway: payment invalid")
	ErrUpstreamFailure = errors.New("gateway: upstream failure")
	ErrNetwork         = errors.New("gateway: network error")
	ErrRefundFailure   = errors.New("gateway: refund failure")
	ErrBadRequest      = errors.New("gateway: bad request")
	ErrNotFound        = errors.New("gateway: not found")
	ErrUnauthorized    = errors.New("gateway: unauthorized")
)

// Response codes in the {error, message} body.
const (
	CodeConfiguration          = "configuration_error"
	CodePaymentRequired        = "payment_required"
	CodeSettlementFailed       = "settlement_failed"
	CodeFacilitatorUnavailable = "facilitator_unavailable"
	CodeUpstreamUnavailable    = "upstream_unavailable"
	CodeUpstreamTooLarge       = "upstream_response_too_large"
	CodeInvalidRequest         = "invalid_request"
	CodeNotFound               = "not_found"
	CodeUnauthorized           = "unauthorized"
	CodeInternal               = "internal_error"
)

// Error is a pipeline failure with the class it belongs to.
type Error struct {
	Class error
	Code  string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

func newError(class error, code, msg string, err error) *Error {
	return &Error{Class: class, Code: code, Msg: msg, Err: err}
}

// statusFor maps an error to the HTTP status and code the client sees.
func statusFor(err error) (int, string) {
	var ge *Error
	code := CodeInternal
	if errors.As(err, &ge) && ge.Code != "" {
		code = ge.Code
	}

	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, code
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, code
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, code
	case errors.Is(err, ErrPaymentRequired), errors.Is(err, ErrPaymentInvalid):
		return http.StatusPaymentRequired, code
	case errors.Is(err, upstream.ErrCircuitOpen):
		return http.StatusServiceUnavailable, code
	case errors.Is(err, ErrUpstreamFailure), errors.Is(err, ErrNetwork):
		return http.StatusBadGateway, code
	default:
		return http.StatusInternalServerError, code
	}
}

// settleError classifies a failed settlement.
func settleError(err error) *Error {
	if facilitator.CodeOf(err).IsNetwork() {
		return newError(ErrNetwork, CodeFacilitatorUnavailable, "facilitator could not settle the payment", err)
	}
	return newError(ErrPaymentInvalid, CodeSettlementFailed, "payment could not be settled", err)
}

// forwardError classifies a failed upstream call.
func forwardError(err error) *Error {
	if errors.Is(err, upstream.ErrTooLarge) {
		return newError(ErrUpstreamFailure, CodeUpstreamTooLarge, "upstream response too large", err)
	}
	return newError(ErrUpstreamFailure, CodeUpstreamUnavailable, "upstream unavailable", err)
}

// writeError is the single conversion point from error to response body.
func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := http.StatusText(status)
	var ge *Error
	if errors.As(err, &ge) && ge.Msg != "" {
		msg = ge.Msg
	}
	respond.Error(c, status, code, msg)
}
