package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Admitted requests by route and outcome.",
	}, []string{"route", "outcome"}) // "settled", "free", "upstream_error", "upstream_failed", "settle_failed"

	settleAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "settle_attempts_total",
		Help:      "Facilitator settle attempts by route and result code.",
	}, []string{"route", "code"})

	settledUSDC = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "settled_usdc_total",
		Help:      "USDC settled by route.",
	}, []string{"route"})

	pipelineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "pipeline_duration_seconds",
		Help:      "Time from admission to response written, by route.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"route"})

	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "store_errors_total",
		Help:      "Transactions that could not be persisted.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, settleAttempts, settledUSDC, pipelineDuration, storeErrors)
}
