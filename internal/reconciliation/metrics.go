package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	comparisonsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "comparisons_total",
		Help:      "Reconciled requests by route and outcome.",
	}, []string{"route", "outcome"})

	skippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "skipped_total",
		Help:      "Requests that could not be reconciled, by reason.",
	}, []string{"route", "reason"})

	deltaUSDC = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "delta_usdc",
		Help:      "Actual minus estimated cost in USDC.",
		Buckets:   []float64{-0.5, -0.1, -0.05, -0.01, -0.001, -0.0001, 0, 0.0001, 0.001, 0.01},
	}, []string{"route"})

	ledgerRefunds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "ledger_refunds",
		Help:      "Refund records in the ledger by status, as of the last summary.",
	}, []string{"status"})

	ledgerRefundedUSDC = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "ledger_refunded_usdc",
		Help:      "Refund amounts in the ledger by status, in USDC.",
	}, []string{"status"})

	summaryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "summary_duration_seconds",
		Help:      "Duration of ledger summary runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	summaryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "summary_errors_total",
		Help:      "Total ledger summary errors.",
	})
)

func init() {
	prometheus.MustRegister(
		comparisonsTotal,
		skippedTotal,
		deltaUSDC,
		ledgerRefunds,
		ledgerRefundedUSDC,
		summaryDuration,
		summaryErrors,
	)
}
