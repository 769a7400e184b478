package upstream

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Upstream calls by path and result (status class or error).",
	}, []string{"path", "result"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Upstream latency for calls that returned a response.",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

func observe(path string, resp *Response, err error) {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		requestsTotal.WithLabelValues(path, "circuit_open").Inc()
	case errors.Is(err, ErrTooLarge):
		requestsTotal.WithLabelValues(path, "too_large").Inc()
	case err != nil:
		requestsTotal.WithLabelValues(path, "unreachable").Inc()
	case resp != nil:
		requestsTotal.WithLabelValues(path, strconv.Itoa(resp.Status/100)+"xx").Inc()
		requestDuration.WithLabelValues(path).Observe(resp.Latency.Seconds())
	}
}
