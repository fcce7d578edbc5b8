// Package metrics exposes Prometheus counters and histograms for the
// filesystem operations handled by internal/fs, and an HTTP handler to
// serve them. gcsfuse reaches Prometheus indirectly through an OpenCensus
// exporter; we use github.com/prometheus/client_golang directly since
// there is no equivalent tracing pipeline to plug into here.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered for a single mount.
type Metrics struct {
	registry *prometheus.Registry

	opsTotal    *prometheus.CounterVec
	opErrors    *prometheus.CounterVec
	opDuration  *prometheus.HistogramVec
	bytesRead   prometheus.Counter
	bytesWriten prometheus.Counter
}

// New constructs and registers the collector set.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obfusfs",
			Name:      "fs_ops_total",
			Help:      "Number of filesystem operations handled, by op name.",
		}, []string{"op"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obfusfs",
			Name:      "fs_op_errors_total",
			Help:      "Number of filesystem operations that returned an error, by op name.",
		}, []string{"op"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "obfusfs",
			Name:      "fs_op_duration_seconds",
			Help:      "Latency of filesystem operations, by op name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obfusfs",
			Name:      "bytes_read_total",
			Help:      "Bytes read from backing files.",
		}),
		bytesWriten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obfusfs",
			Name:      "bytes_written_total",
			Help:      "Bytes written to backing files.",
		}),
	}

	registry.MustRegister(m.opsTotal, m.opErrors, m.opDuration, m.bytesRead, m.bytesWriten)
	return m
}

// RecordOp records one call to op, its outcome, and how long it took.
func (m *Metrics) RecordOp(op string, err error, seconds float64) {
	if m == nil {
		return
	}
	m.opsTotal.WithLabelValues(op).Inc()
	m.opDuration.WithLabelValues(op).Observe(seconds)
	if err != nil {
		m.opErrors.WithLabelValues(op).Inc()
	}
}

// AddBytesRead adds n to the cumulative bytes-read counter.
func (m *Metrics) AddBytesRead(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

// AddBytesWritten adds n to the cumulative bytes-written counter.
func (m *Metrics) AddBytesWritten(n int) {
	if m == nil {
		return
	}
	m.bytesWriten.Add(float64(n))
}

// Handler returns the HTTP handler that serves the registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OpsTotalCollector exposes the per-op call counter for tests that need to
// assert on recorded series without reaching into unexported fields.
func (m *Metrics) OpsTotalCollector() prometheus.Collector { return m.opsTotal }

// OpErrorsCollector exposes the per-op error counter for tests that need to
// assert on recorded series without reaching into unexported fields.
func (m *Metrics) OpErrorsCollector() prometheus.Collector { return m.opErrors }
