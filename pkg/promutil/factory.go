package promutil

import "github.com/prometheus/client_golang/prometheus"

// Factory produces native prometheus metrics that are registered
// automatically, similar to promauto. Components receive a Factory
// instead of a Registerer so that tests can use a private registry.
type Factory interface {
	// NewCounter works like the function of the same name in the prometheus
	// package, but it automatically registers the Counter with the Factory's
	// Registerer. Panic if it can't register successfully.
	NewCounter(opts prometheus.CounterOpts) prometheus.Counter

	// NewCounterVec works like the function of the same name in the
	// prometheus package, but it automatically registers the CounterVec.
	NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec

	// NewGauge works like the function of the same name in the prometheus
	// package, but it automatically registers the Gauge.
	NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge

	// NewHistogram works like the function of the same name in the prometheus
	// package but it automatically registers the Histogram.
	NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram

	// NewHistogramVec works like the function of the same name in the
	// prometheus package but it automatically registers the HistogramVec.
	NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec
}
