// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	storeOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketbff",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Blob store operations by backend, operation and result.",
	}, []string{"backend", "op", "result"})

	storeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "marketbff",
		Subsystem: "store",
		Name:      "operation_seconds",
		Help:      "Blob store operation latency.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"backend", "op"})

	conflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketbff",
		Subsystem: "records",
		Name:      "conflict_retries_total",
		Help:      "Read-modify-write cycles restarted after a conflicting write.",
	}, []string{"collection"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketbff",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern and status code class.",
	}, []string{"route", "code"})
)

// ObserveStoreOp records one blob store call.
func ObserveStoreOp(backend, op, result string, d time.Duration) {
	storeOps.WithLabelValues(backend, op, result).Inc()
	storeLatency.WithLabelValues(backend, op).Observe(d.Seconds())
}

// ConflictRetry records a retried read-modify-write cycle.
func ConflictRetry(collection string) {
	conflictRetries.WithLabelValues(collection).Inc()
}

// ObserveRequest records a served HTTP request.
func ObserveRequest(route string, status int) {
	code := "5xx"
	switch {
	case status < 300:
		code = "2xx"
	case status < 400:
		code = "3xx"
	case status < 500:
		code = "4xx"
	}
	httpRequests.WithLabelValues(route, code).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
