// Package metrics provides Prometheus metrics for the Web viewer plugin:
// HTTP traffic, cache hits and misses, prefetch activity.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors of the plugin.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Cache metrics, labelled by bundle
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheStoredBytes *prometheus.CounterVec

	// Prefetch metrics
	PrefetchedTotal   *prometheus.CounterVec
	PrefetchDiscarded *prometheus.CounterVec

	// Decoding metrics
	DecodeDuration *prometheus.HistogramVec
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webviewer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "webviewer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webviewer",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache accesses served from storage",
		},
		[]string{"bundle"},
	)

	m.CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webviewer",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache accesses that had to run the factory",
		},
		[]string{"bundle"},
	)

	m.CacheStoredBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webviewer",
			Subsystem: "cache",
			Name:      "stored_bytes_total",
			Help:      "Bytes written into the cache",
		},
		[]string{"bundle"},
	)

	m.PrefetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webviewer",
			Subsystem: "prefetch",
			Name:      "produced_total",
			Help:      "Entries produced by the background prefetchers",
		},
		[]string{"bundle"},
	)

	m.PrefetchDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webviewer",
			Subsystem: "prefetch",
			Name:      "discarded_total",
			Help:      "Prefetched entries discarded because of an invalidation race",
		},
		[]string{"bundle"},
	)

	m.DecodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "webviewer",
			Subsystem: "decode",
			Name:      "duration_seconds",
			Help:      "Time spent producing one decoded-image payload",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"compression"},
	)

	return m
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordCacheAccess records a hit or a miss for one bundle.
func (m *Metrics) RecordCacheAccess(bundle string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(bundle).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(bundle).Inc()
	}
}
