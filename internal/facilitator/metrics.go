package facilitator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "facilitator",
		Name:      "calls_total",
		Help:      "Facilitator calls by operation and outcome code.",
	}, []string{"op", "code"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "facilitator",
		Name:      "call_duration_seconds",
		Help:      "Facilitator call latency by operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration)
}

func observe(op string, code Code, d time.Duration) {
	callsTotal.WithLabelValues(op, string(code)).Inc()
	callDuration.WithLabelValues(op).Observe(d.Seconds())
}
