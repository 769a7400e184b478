package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/paygate/internal/refund"
	"github.com/mbd888/paygate/internal/usdc"
)

// DefaultInterval is how often the refund ledger is summarized.
const DefaultInterval = 5 * time.Minute

// Ledger is the read side of the refund store.
type Ledger interface {
	Summary(ctx context.Context) (refund.Summary, error)
	List(ctx context.Context, f refund.Filter) ([]*refund.Record, error)
}

// Timer periodically publishes the refund ledger totals and reports failed
// refunds that need an operator.
type Timer struct {
	ledger   Ledger
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	lastSeen atomic.Int64
}

// NewTimer creates a ledger summary timer.
func NewTimer(ledger Ledger, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		ledger:   ledger,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs one summary immediately, then one per interval. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safeRun(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.RunOnce(ctx); err != nil {
		summaryErrors.Inc()
		t.logger.Warn("refund ledger summary failed", "error", err)
	}
}

// RunOnce summarizes the ledger into gauges. Failed refunds are logged
// when their count has grown since the last run.
func (t *Timer) RunOnce(ctx context.Context) (refund.Summary, error) {
	start := time.Now()
	defer func() { summaryDuration.Observe(time.Since(start).Seconds()) }()

	s, err := t.ledger.Summary(ctx)
	if err != nil {
		return refund.Summary{}, err
	}

	ledgerRefunds.WithLabelValues("succeeded").Set(float64(s.Succeeded))
	ledgerRefunds.WithLabelValues("failed").Set(float64(s.Failed))
	refunded, _ := usdc.ToDecimal(s.RefundedAmount).Float64()
	failed, _ := usdc.ToDecimal(s.FailedAmount).Float64()
	ledgerRefundedUSDC.WithLabelValues("succeeded").Set(refunded)
	ledgerRefundedUSDC.WithLabelValues("failed").Set(failed)

	prev := t.lastSeen.Swap(s.Failed)
	if s.Failed > prev {
		pending, err := t.ledger.List(ctx, refund.Filter{FailedOnly: true, Limit: int(s.Failed - prev)})
		if err != nil {
			return s, err
		}
		for _, rec := range pending {
			t.logger.Warn("refund failed, needs manual payout",
				"refund_id", rec.ID,
				"request_id", rec.RequestID,
				"recipient", rec.Recipient,
				"amount", usdc.Format(rec.Amount),
				"error", rec.Error,
			)
		}
	}
	return s, nil
}
