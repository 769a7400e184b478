// Package gateway runs the paid request pipeline: forward the admitted
// request upstream, settle the payment once the upstream succeeded, answer
// the client, then reconcile the charge and refund any overpayment.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/facilitator"
	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/paywall"
	"github.com/mbd888/paygate/internal/pricing"
	"github.com/mbd888/paygate/internal/reconciliation"
	"github.com/mbd888/paygate/internal/refund"
	"github.com/mbd888/paygate/internal/respond"
	"github.com/mbd888/paygate/internal/retry"
	"github.com/mbd888/paygate/internal/upstream"
	"github.com/mbd888/paygate/internal/usdc"
	"github.com/mbd888/paygate/pkg/x402"
)

// HeaderRequestID carries the ID the gateway gives each settled request.
// Transactions and refunds are keyed on it; the client's X-Request-ID is
// kept only for correlation.
const HeaderRequestID = "X-Paygate-Request-ID"

// Request outcomes, the "outcome" label of requests_total.
const (
	outcomeSettled        = "settled"
	outcomeVerified       = "verified_only"
	outcomeFree           = "free"
	outcomeUpstreamError  = "upstream_error"
	outcomeUpstreamFailed = "upstream_failed"
	outcomeSettleFailed   = "settle_failed"
	outcomeClientGone     = "client_gone"
)

// Config wires a Gateway.
type Config struct {
	Settler  facilitator.Settler
	Upstream upstream.Forwarder
	Refunds  refund.Refunder
	Store    Store
	Chat     *pricing.ChatTable
	Images   *pricing.ImageTable

	ImageModel string

	// SettleAttempts bounds facilitator settle calls per request; only
	// transport failures are retried.
	SettleAttempts int
	SettleDelay    time.Duration

	// SettlePayments false runs in verify-only mode: admitted requests are
	// served without settlement, reconciliation or refunds.
	SettlePayments bool

	RefundTolerance *big.Int
	Logger          *slog.Logger
}

// Gateway executes admitted requests.
type Gateway struct {
	settler    facilitator.Settler
	upstream   upstream.Forwarder
	refunds    refund.Refunder
	store      Store
	chat       *pricing.ChatTable
	images     *pricing.ImageTable
	imageModel string
	settle     retry.Policy
	settleOn   bool
	tolerance  *big.Int
	logger     *slog.Logger
	now        func() time.Time
}

// New validates cfg and creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Upstream == nil {
		return nil, newError(ErrConfiguration, CodeConfiguration, "upstream is required", nil)
	}
	if cfg.SettlePayments && cfg.Settler == nil {
		return nil, newError(ErrConfiguration, CodeConfiguration, "settler is required when payments are settled", nil)
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Refunds == nil {
		cfg.Refunds = refund.New(refund.Config{})
	}
	if cfg.Chat == nil {
		cfg.Chat = pricing.DefaultChatTable()
	}
	if cfg.Images == nil {
		cfg.Images = pricing.DefaultImageTable()
	}
	if cfg.SettleAttempts <= 0 {
		cfg.SettleAttempts = 2
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 250 * time.Millisecond
	}
	if cfg.RefundTolerance == nil {
		cfg.RefundTolerance = reconciliation.DefaultTolerance
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Gateway{
		settler:    cfg.Settler,
		upstream:   cfg.Upstream,
		refunds:    cfg.Refunds,
		store:      cfg.Store,
		chat:       cfg.Chat,
		images:     cfg.Images,
		imageModel: cfg.ImageModel,
		settle: retry.Policy{
			Attempts:  cfg.SettleAttempts,
			BaseDelay: cfg.SettleDelay,
			MaxDelay:  2 * time.Second,
		},
		settleOn:  cfg.SettlePayments,
		tolerance: new(big.Int).Set(cfg.RefundTolerance),
		logger:    cfg.Logger,
		now:       time.Now,
	}, nil
}

// Store returns the transaction store.
func (g *Gateway) Store() Store { return g.store }

// measurement is what one upstream answer actually delivered.
type measurement struct {
	units int64
	usage upstream.Usage
	// skip is set when the answer cannot be reconciled.
	skip string
}

// endpoint binds a public route to its upstream call.
type endpoint struct {
	route  string
	method string
	path   string

	// build turns the client body into the upstream body; nil forwards it
	// verbatim.
	build func(body []byte) ([]byte, error)

	// measure reads the delivered units from a 2xx upstream body.
	measure func(body []byte) measurement
}

// serve runs the pipeline for a request the paywall admitted.
func (g *Gateway) serve(c *gin.Context, ep endpoint) {
	start := g.now()
	defer func() {
		pipelineDuration.WithLabelValues(ep.route).Observe(g.now().Sub(start).Seconds())
	}()

	ctx := c.Request.Context()
	log := logging.Ctx(ctx, g.logger).With("route", ep.route)

	adm, ok := paywall.FromContext(c)
	if !ok {
		writeError(c, newError(ErrConfiguration, CodeConfiguration, "endpoint is not behind the payment gate", nil))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, newError(ErrBadRequest, CodeInvalidRequest, "could not read request body", err))
		return
	}
	upBody := body
	if ep.build != nil {
		if upBody, err = ep.build(body); err != nil {
			writeError(c, newError(ErrBadRequest, CodeInvalidRequest, err.Error(), err))
			return
		}
	}

	resp, err := g.upstream.Forward(ctx, upstream.Request{
		Method: ep.method,
		Path:   ep.path,
		Query:  c.Request.URL.RawQuery,
		Header: c.Request.Header,
		Body:   upBody,
	})
	if err != nil {
		if ctx.Err() != nil {
			g.clientGone(c, log, ep.route, "forwarding")
			return
		}
		requestsTotal.WithLabelValues(ep.route, outcomeUpstreamFailed).Inc()
		log.Error("upstream call failed, payment not settled", "error", err)
		writeError(c, forwardError(err))
		return
	}
	if !resp.OK() {
		requestsTotal.WithLabelValues(ep.route, outcomeUpstreamError).Inc()
		log.Warn("upstream returned an error, payment not settled", "status", resp.Status)
		respond.Data(c, resp.Status, resp.ContentType, resp.Body)
		return
	}

	if adm.Free {
		requestsTotal.WithLabelValues(ep.route, outcomeFree).Inc()
		respond.Data(c, resp.Status, resp.ContentType, resp.Body)
		return
	}
	if ctx.Err() != nil {
		g.clientGone(c, log, ep.route, "settlement")
		return
	}
	if !g.settleOn {
		requestsTotal.WithLabelValues(ep.route, outcomeVerified).Inc()
		log.Info("payment verified, settlement disabled", "payer", adm.Result.Payer, "amount", adm.Quote.Price())
		respond.Data(c, resp.Status, resp.ContentType, resp.Body)
		return
	}

	settlement, err := g.settlePayment(ctx, log, ep.route, adm)
	if err != nil {
		requestsTotal.WithLabelValues(ep.route, outcomeSettleFailed).Inc()
		log.Error("settlement failed", "payer", adm.Result.Payer, "code", facilitator.CodeOf(err), "error", err)
		writeError(c, settleError(err))
		return
	}
	amount := settlement.Amount
	if amount == nil {
		amount = new(big.Int).Set(adm.Quote.TotalCost)
	}
	requestsTotal.WithLabelValues(ep.route, outcomeSettled).Inc()
	if f, _ := usdc.ToDecimal(amount).Float64(); f > 0 {
		settledUSDC.WithLabelValues(ep.route).Add(f)
	}
	paidID := idgen.RequestID()
	c.Header(HeaderRequestID, paidID)
	log = log.With("paygate_request_id", paidID, "payer", settlement.Payer, "tx_hash", settlement.TxHash)
	log.Info("payment settled", "amount", usdc.Format(amount))

	if settlement.Response != nil {
		if header, err := x402.EncodeSettleResponse(settlement.Response); err == nil {
			c.Header(x402.HeaderPaymentResponse, header)
		} else {
			log.Warn("could not encode settlement header", "error", err)
		}
	}
	if respond.Data(c, resp.Status, resp.ContentType, resp.Body) {
		c.Writer.Flush()
	}

	// The client has its answer; what follows only affects the ledger and
	// must finish even if the connection drops.
	after := context.WithoutCancel(ctx)
	tx := g.newTransaction(after, paidID, ep, adm, settlement, amount, resp)
	g.reconcile(after, log, ep, adm, tx, amount, resp.Body)
	if err := g.store.Save(after, tx); err != nil {
		storeErrors.Inc()
		log.Error("transaction not recorded", "transaction_id", tx.ID, "error", err)
	}
}

func (g *Gateway) clientGone(c *gin.Context, log *slog.Logger, route, stage string) {
	requestsTotal.WithLabelValues(route, outcomeClientGone).Inc()
	log.Info("client disconnected, payment not settled", "stage", stage)
	c.Abort()
}

// settlePayment settles under the retry policy. Facilitator verdicts are
// final; only network-class failures get another attempt.
func (g *Gateway) settlePayment(ctx context.Context, log *slog.Logger, route string, adm *paywall.Admission) (*facilitator.Settlement, error) {
	ctx = context.WithoutCancel(ctx)
	policy := g.settle
	policy.OnRetry = func(attempt int, err error) {
		log.Warn("settle attempt failed, retrying", "attempt", attempt, "code", facilitator.CodeOf(err), "error", err)
	}

	var settlement *facilitator.Settlement
	err := policy.Do(ctx, func(int) error {
		s, err := g.settler.Settle(ctx, adm.Payload, adm.Requirements)
		code := facilitator.CodeOf(err)
		settleAttempts.WithLabelValues(route, string(code)).Inc()
		if err != nil {
			if !code.IsNetwork() {
				return retry.Permanent(err)
			}
			return err
		}
		settlement = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

func (g *Gateway) newTransaction(ctx context.Context, requestID string, ep endpoint, adm *paywall.Admission, s *facilitator.Settlement, amount *big.Int, resp *upstream.Response) *Transaction {
	q := adm.Quote
	network := s.Network
	if network == "" {
		network = adm.Requirements.Network
	}
	return &Transaction{
		ID:              idgen.WithPrefix(idgen.TransactionPrefix),
		RequestID:       requestID,
		ClientRequestID: logging.RequestID(ctx),
		Route:           ep.route,
		Payer:           s.Payer,
		Network:         network,
		Model:           q.Model,
		MaxUnits:        q.MaxUnits,
		UnitPrice:       bigOrZero(q.UnitPrice),
		FixedFee:        bigOrZero(q.FixedFee),
		Amount:          new(big.Int).Set(amount),
		TxHash:          s.TxHash,
		UpstreamStatus:  resp.Status,
		CreatedAt:       g.now().UTC(),
	}
}

// reconcile prices what was delivered and refunds the difference when the
// caller overpaid by more than the tolerance. It fills in tx.
func (g *Gateway) reconcile(ctx context.Context, log *slog.Logger, ep endpoint, adm *paywall.Admission, tx *Transaction, paid *big.Int, body []byte) {
	m := ep.measure(body)
	tx.Usage = m.usage
	if m.skip != "" {
		reconciliation.Skip(ep.route, m.skip)
		log.Warn("response not reconciled", "reason", m.skip)
		return
	}

	cmp := reconciliation.Reconcile(adm.Quote, m.units)
	reconciliation.Record(ep.route, cmp, g.tolerance)
	units := m.units
	tx.ActualUnits = &units
	tx.Delta = new(big.Int).Set(cmp.Delta)

	log = log.With("delta", cmp.DeltaString())
	if !cmp.Overcharged(g.tolerance) {
		log.Debug("charge reconciled", "estimated_units", cmp.EstimatedUnits, "actual_units", cmp.ActualUnits)
		return
	}

	due := cmp.RefundDue()
	if due.Cmp(paid) > 0 {
		due.Set(paid)
	}
	log.Info("caller overcharged, refund due", "refund", usdc.Format(due))

	rec, err := g.refunds.Refund(ctx, tx.RequestID, due, tx.Payer)
	if rec != nil {
		tx.RefundID = rec.ID
	}
	switch {
	case err == nil:
		log.Info("overcharge refunded", "refund_id", rec.ID)
	case errors.Is(err, refund.ErrDisabled):
		// Logged by the dispatcher.
	case errors.Is(err, refund.ErrAlreadyRefunded):
		log.Info("refund already issued for request")
	default:
		log.Error("refund failed", "refund_id", tx.RefundID,
			"error", newError(ErrRefundFailure, "", "refund could not be sent", err))
	}
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
