// Package admin provides the operator read API over settled transactions
// and the refund ledger.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/paygate/internal/gateway"
	"github.com/mbd888/paygate/internal/refund"
	"github.com/mbd888/paygate/internal/usdc"
)

// TransactionReader is the read side of the transaction store.
type TransactionReader interface {
	Get(ctx context.Context, requestID string) (*gateway.Transaction, error)
	List(ctx context.Context, f gateway.ListFilter) ([]*gateway.Transaction, error)
}

// RefundReader is the read side of the refund ledger.
type RefundReader interface {
	Get(ctx context.Context, requestID string) (*refund.Record, error)
	List(ctx context.Context, f refund.Filter) ([]*refund.Record, error)
}

// LedgerSummarizer publishes a fresh refund ledger summary.
type LedgerSummarizer interface {
	RunOnce(ctx context.Context) (refund.Summary, error)
}

// LedgerSummary is the JSON view of refund.Summary.
type LedgerSummary struct {
	Succeeded      int64     `json:"succeeded"`
	Failed         int64     `json:"failed"`
	RefundedAmount string    `json:"refundedAmount"`
	FailedAmount   string    `json:"failedAmount"`
	Duration       int64     `json:"durationMs"`
	Timestamp      time.Time `json:"timestamp"`
}

func newLedgerSummary(s refund.Summary, took time.Duration, at time.Time) LedgerSummary {
	return LedgerSummary{
		Succeeded:      s.Succeeded,
		Failed:         s.Failed,
		RefundedAmount: usdc.Format(s.RefundedAmount),
		FailedAmount:   usdc.Format(s.FailedAmount),
		Duration:       took.Milliseconds(),
		Timestamp:      at.UTC(),
	}
}
