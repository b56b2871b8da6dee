package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	listenerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlquery_metrics_listener_requests_total",
			Help: "Requests served by the metrics listener by route and status.",
		},
		[]string{"route", "status"},
	)

	listenerRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlquery_metrics_listener_request_duration_seconds",
			Help:    "Metrics listener latency by route.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(listenerRequestsTotal, listenerRequestDurationSeconds)
}
