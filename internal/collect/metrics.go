package collect

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricRunsTotal        = "dkpack_collect_runs_total"
	MetricProviderFailures = "dkpack_collect_provider_failures_total"
	MetricRunDuration      = "dkpack_collect_run_duration_seconds"
)

// Metrics holds Prometheus collectors for evidence runs.
type Metrics struct {
	runsTotal        *prometheus.CounterVec
	providerFailures *prometheus.CounterVec
	runDuration      prometheus.Histogram
}

// NewMetrics creates unregistered collectors; call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRunsTotal,
			Help: "Total number of evidence runs by final status",
		}, []string{"status"}),
		providerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricProviderFailures,
			Help: "Total number of provider collection errors by provider and error type",
		}, []string{"provider", "error_type"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRunDuration,
			Help:    "Histogram of evidence run duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors for custom registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.runsTotal, m.providerFailures, m.runDuration}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, seconds float64) {
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(seconds)
}

// IncProviderFailure records a provider error.
func (m *Metrics) IncProviderFailure(provider, errorType string) {
	m.providerFailures.WithLabelValues(provider, errorType).Inc()
}
