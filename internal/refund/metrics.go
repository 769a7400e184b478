package refund

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/paygate/internal/usdc"
)

const (
	outcomeSent      = "sent"
	outcomeFailed    = "failed"
	outcomeDisabled  = "disabled"
	outcomeDuplicate = "duplicate"
)

var (
	refundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "refund",
		Name:      "refunds_total",
		Help:      "Refund dispatches by outcome.",
	}, []string{"outcome"})

	refundedUSDC = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "refund",
		Name:      "amount_usdc_total",
		Help:      "USDC amount of refund dispatches by outcome.",
	}, []string{"outcome"})

	sendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "refund",
		Name:      "send_duration_seconds",
		Help:      "Time to send and confirm a refund transfer.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(refundsTotal, refundedUSDC, sendDuration)
}

func observe(outcome string, amount *big.Int) {
	refundsTotal.WithLabelValues(outcome).Inc()
	f, _ := usdc.ToDecimal(amount).Float64()
	refundedUSDC.WithLabelValues(outcome).Add(f)
}
