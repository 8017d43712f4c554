// Package metrics exposes the broker's scheduling state as Prometheus
// collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	instance *BrokerMetrics
)

// BrokerMetrics holds the broker's collectors. All brokers in a process
// share one instance.
type BrokerMetrics struct {
	QueuedRequests  prometheus.Gauge
	ActiveRequests  prometheus.Gauge
	Workers         prometheus.Gauge
	CompletedTotal  prometheus.Counter
	AbortedTotal    prometheus.Counter
	RequestDuration prometheus.Histogram
}

// Init registers the collectors with the default registry on first call
// and returns the shared instance.
func Init() *BrokerMetrics {
	once.Do(func() {
		instance = &BrokerMetrics{
			QueuedRequests: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "qosbroker",
				Name:      "queued_requests",
				Help:      "Requests waiting in the broker queue",
			}),
			ActiveRequests: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "qosbroker",
				Name:      "active_requests",
				Help:      "Requests currently executing",
			}),
			Workers: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "qosbroker",
				Name:      "workers",
				Help:      "Size of the worker pool",
			}),
			CompletedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "qosbroker",
				Name:      "requests_completed_total",
				Help:      "Requests that finished successfully",
			}),
			AbortedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "qosbroker",
				Name:      "requests_aborted_total",
				Help:      "Requests that failed or were denied",
			}),
			RequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: "qosbroker",
				Name:      "request_duration_seconds",
				Help:      "Time from request creation to terminal state",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
			}),
		}
	})
	return instance
}

// Handler serves the default registry, for mounting under /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
