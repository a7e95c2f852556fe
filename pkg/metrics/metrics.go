// Package metrics holds the Prometheus metrics of the proxy.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ggproxy"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Metrics struct {
	registry *prometheus.Registry

	// Requests by cache outcome (hit, stale, uri-miss, bypass)
	Requests *prometheus.CounterVec
	// Upstream fetches by result
	UpstreamFetches  *prometheus.CounterVec
	UpstreamDuration prometheus.Histogram
	// Background refreshes by result
	Refreshes       *prometheus.CounterVec
	IntegrityErrors prometheus.Counter
}

// New creates the metrics on a private registry.
// entries reports the number of stored entries when scraped, it may be nil.
func New(entries func() int) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.Requests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests by cache outcome",
		},
		[]string{"outcome"},
	)

	m.UpstreamFetches = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_fetches_total",
			Help:      "Total number of requests sent to the upstream",
		},
		[]string{"result"},
	)

	m.UpstreamDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Duration of upstream fetches in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	m.Refreshes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Total number of background refreshes",
		},
		[]string{"result"},
	)

	m.IntegrityErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_errors_total",
			Help:      "Total number of responses whose Content-Length did not match the body",
		},
	)

	if entries != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Number of stored cache entries",
			},
			func() float64 { return float64(entries()) },
		)
	}

	return m
}

// ObserveFetch records the result and duration of one upstream fetch.
func (m *Metrics) ObserveFetch(start time.Time, err error) {
	m.UpstreamDuration.Observe(time.Since(start).Seconds())
	m.UpstreamFetches.WithLabelValues(result(err)).Inc()
}

// ObserveRefresh records the final result of a background refresh.
func (m *Metrics) ObserveRefresh(err error) {
	m.Refreshes.WithLabelValues(result(err)).Inc()
}

// Handler serves the metrics of the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
