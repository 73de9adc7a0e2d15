package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	samples    *prometheus.CounterVec
	invalid    prometheus.Counter
	duplicates prometheus.Counter
	alerts     *prometheus.CounterVec
	sinkErrors *prometheus.CounterVec
	windows    prometheus.Gauge
	latency    prometheus.Histogram
}

// NewMetrics registers the collectors on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pasture_samples_ingested_total",
			Help: "Samples accepted by the rolling aggregator.",
		}, []string{"metric"}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pasture_samples_invalid_total",
			Help: "Samples rejected before reaching the aggregator.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pasture_samples_duplicate_total",
			Help: "Broker redeliveries dropped by the deduplicator.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pasture_alerts_total",
			Help: "Alerts raised, by policy and alert type.",
		}, []string{"policy", "alert_type"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pasture_sink_errors_total",
			Help: "Failed sink writes, by sink.",
		}, []string{"sink"}),
		windows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pasture_windows_tracked",
			Help: "Distinct (field, metric) windows held in memory.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pasture_ingest_latency_seconds",
			Help:    "Time from decode to the last sink write for one sample.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	reg.MustRegister(m.samples, m.invalid, m.duplicates, m.alerts, m.sinkErrors, m.windows, m.latency)
	return m
}

func (m *Metrics) ingested(metric string) {
	if m != nil {
		m.samples.WithLabelValues(metric).Inc()
	}
}

func (m *Metrics) rejected() {
	if m != nil {
		m.invalid.Inc()
	}
}

// Duplicate counts a redelivery skipped by the feed.
func (m *Metrics) Duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) alert(policy, alertType string) {
	if m != nil {
		m.alerts.WithLabelValues(policy, alertType).Inc()
	}
}

func (m *Metrics) sinkError(name string) {
	if m != nil {
		m.sinkErrors.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) trackWindows(n int) {
	if m != nil {
		m.windows.Set(float64(n))
	}
}

func (m *Metrics) observe(seconds float64) {
	if m != nil {
		m.latency.Observe(seconds)
	}
}
