package paywall

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "paywall",
		Name:      "state_transitions_total",
		Help:      "Requests entering each gate state, by route.",
	}, []string{"route", "state"})

	rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "paywall",
		Name:      "rejections_total",
		Help:      "Requests stopped at the gate, by route and error code.",
	}, []string{"route", "code"})

	verifyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "paywall",
		Name:      "verify_duration_seconds",
		Help:      "Time spent waiting on the facilitator verdict.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, rejectionsTotal, verifyDuration)
}
