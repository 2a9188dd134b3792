package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricRecord is the observation every resilience primitive reports after
// a completed call (spec.md §4.2): "{endpoint, duration_ms, success,
// error_kind?, cache_hit?, retries}".
type MetricRecord struct {
	Endpoint  string
	Duration  float64 // milliseconds
	Success   bool
	ErrorKind string
	CacheHit  bool
	Retries   int
}

// Metrics exposes the gateway's call metrics as Prometheus collectors and
// as a single Record entry point the Pipeline calls after every attempt.
type Metrics struct {
	callDuration *prometheus.HistogramVec
	callTotal    *prometheus.CounterVec
	cacheHits    *prometheus.CounterVec
	retries      *prometheus.CounterVec
}

// NewMetrics registers the gateway's collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgw_call_duration_ms",
			Help:    "Duration of calls through the resilience pipeline, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}, []string{"endpoint", "success"}),
		callTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgw_call_total",
			Help: "Total calls through the resilience pipeline.",
		}, []string{"endpoint", "success", "error_kind"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgw_cache_result_total",
			Help: "Cache lookups by hit/miss outcome.",
		}, []string{"endpoint", "hit"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgw_retry_attempts_total",
			Help: "Retry attempts consumed per endpoint.",
		}, []string{"endpoint"}),
	}
	reg.MustRegister(m.callDuration, m.callTotal, m.cacheHits, m.retries)
	return m
}

// Record reports one completed call's outcome across all collectors.
func (m *Metrics) Record(rec MetricRecord) {
	success := "false"
	if rec.Success {
		success = "true"
	}
	m.callDuration.WithLabelValues(rec.Endpoint, success).Observe(rec.Duration)
	m.callTotal.WithLabelValues(rec.Endpoint, success, rec.ErrorKind).Inc()

	hit := "false"
	if rec.CacheHit {
		hit = "true"
	}
	m.cacheHits.WithLabelValues(rec.Endpoint, hit).Inc()

	if rec.Retries > 0 {
		m.retries.WithLabelValues(rec.Endpoint).Add(float64(rec.Retries))
	}
}
