// Package refund returns overpaid amounts to payers.
//
// Each request is refunded at most once: the dispatcher claims the request
// ID before touching the chain, makes a single transfer attempt and appends
// the outcome to the ledger. Nothing here changes a response that has
// already been sent.
package refund

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/traces"
	"github.com/mbd888/paygate/internal/usdc"
	"github.com/mbd888/paygate/internal/wallet"
)

// DefaultTimeout bounds one refund transfer including confirmation.
const DefaultTimeout = 60 * time.Second

var (
	ErrAlreadyRefunded = errors.New("refund: already refunded")
	ErrDisabled        = errors.New("refund: refunds are disabled")
	ErrInvalidRefund   = errors.New("refund: invalid refund")
)

// Error is a refund that was attempted and failed.
type Error struct {
	RequestID string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("refund: %s for request %s: %v", e.Op, e.RequestID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Record is the ledger entry for one refund attempt. It is written once.
type Record struct {
	ID        string
	RequestID string
	Amount    *big.Int
	Recipient string
	Network   string
	TxHash    string
	Success   bool
	Error     string
	CreatedAt time.Time
}

func (r *Record) clone() *Record {
	cp := *r
	if r.Amount != nil {
		cp.Amount = new(big.Int).Set(r.Amount)
	}
	return &cp
}

// MarshalJSON renders the amount as a USDC decimal string.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        string    `json:"id"`
		RequestID string    `json:"requestId"`
		Amount    string    `json:"amount"`
		Recipient string    `json:"recipient"`
		Network   string    `json:"network"`
		TxHash    string    `json:"txHash,omitempty"`
		Success   bool      `json:"success"`
		Error     string    `json:"error,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
	}{
		ID:        r.ID,
		RequestID: r.RequestID,
		Amount:    usdc.Format(r.Amount),
		Recipient: r.Recipient,
		Network:   r.Network,
		TxHash:    r.TxHash,
		Success:   r.Success,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
	})
}

// Refunder is what the gateway needs from a Dispatcher.
type Refunder interface {
	Enabled() bool
	Refund(ctx context.Context, requestID string, amount *big.Int, recipient string) (*Record, error)
}

// Config configures a Dispatcher. A nil Sender disables refunds.
type Config struct {
	Store   Store
	Sender  wallet.Transactor
	Network string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dispatcher sends refunds and keeps the ledger.
type Dispatcher struct {
	store   Store
	sender  wallet.Transactor
	network string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

var _ Refunder = (*Dispatcher)(nil)

// New creates a dispatcher. The store defaults to an in-memory ledger.
func New(cfg Config) *Dispatcher {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		sender:  cfg.Sender,
		network: cfg.Network,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Enabled reports whether a refund wallet is configured.
func (d *Dispatcher) Enabled() bool { return d.sender != nil }

// Store returns the ledger.
func (d *Dispatcher) Store() Store { return d.store }

// Refund pays amount back to recipient for requestID. A second call for
// the same request returns ErrAlreadyRefunded with the existing record, if
// it has been written yet. A failed transfer is recorded and returned as
// *Error together with the record.
func (d *Dispatcher) Refund(ctx context.Context, requestID string, amount *big.Int, recipient string) (rec *Record, err error) {
	log := logging.Ctx(ctx, d.logger).With("paygate_request_id", requestID, "recipient", recipient, "amount", usdc.Format(amount))

	if requestID == "" || amount == nil || amount.Sign() <= 0 || !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("%w: request=%q amount=%s recipient=%q", ErrInvalidRefund, requestID, usdc.Format(amount), recipient)
	}

	if !d.Enabled() {
		observe(outcomeDisabled, amount)
		log.Warn("refund due but refunds are disabled")
		return nil, ErrDisabled
	}

	claimed, err := d.store.Claim(ctx, requestID)
	if err != nil {
		return nil, &Error{RequestID: requestID, Op: "claim", Err: err}
	}
	if !claimed {
		observe(outcomeDuplicate, amount)
		existing, getErr := d.store.Get(ctx, requestID)
		if getErr != nil {
			existing = nil
		}
		return existing, ErrAlreadyRefunded
	}

	// The transfer must not be cut short by the client going away.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	sendCtx, span := traces.StartSpan(sendCtx, "refund.send",
		traces.RequestID(requestID), traces.Payer(recipient), traces.Amount(amount.String()), traces.Network(d.network))
	defer func() { traces.End(span, err) }()

	start := d.now()
	res, sendErr := d.sender.Send(sendCtx, common.HexToAddress(recipient), amount)
	sendDuration.Observe(d.now().Sub(start).Seconds())

	rec = &Record{
		ID:        idgen.WithPrefix(idgen.RefundPrefix),
		RequestID: requestID,
		Amount:    new(big.Int).Set(amount),
		Recipient: common.HexToAddress(recipient).Hex(),
		Network:   d.network,
		Success:   sendErr == nil,
		CreatedAt: d.now().UTC(),
	}
	if res != nil {
		rec.TxHash = res.TxHash
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
		var te *wallet.TransferError
		if errors.As(sendErr, &te) && te.TxHash != "" {
			rec.TxHash = te.TxHash
		}
	}
	if rec.TxHash != "" {
		span.SetAttributes(traces.TxHash(rec.TxHash))
	}

	if appendErr := d.store.Append(context.WithoutCancel(ctx), rec); appendErr != nil {
		log.Error("refund outcome not recorded", "refund_id", rec.ID, "tx_hash", rec.TxHash, "error", appendErr)
	}

	if sendErr != nil {
		observe(outcomeFailed, amount)
		log.Error("refund failed", "refund_id", rec.ID, "tx_hash", rec.TxHash, "error", sendErr)
		return rec, &Error{RequestID: requestID, Op: "send", Err: sendErr}
	}

	observe(outcomeSent, amount)
	log.Info("refund sent", "refund_id", rec.ID, "tx_hash", rec.TxHash)
	return rec, nil
}
