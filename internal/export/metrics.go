package export

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricExportsTotal       = "dkpack_exports_total"
	MetricExportDuration     = "dkpack_export_duration_seconds"
	MetricVerificationsTotal = "dkpack_export_verifications_total"
)

// Metrics holds Prometheus collectors for export and verification.
type Metrics struct {
	exportsTotal       *prometheus.CounterVec
	exportDuration     prometheus.Histogram
	verificationsTotal *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		exportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricExportsTotal,
			Help: "Total number of export pack builds by outcome",
		}, []string{"outcome"}),
		exportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricExportDuration,
			Help:    "Histogram of export pack build duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		verificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricVerificationsTotal,
			Help: "Total number of export verifications by result",
		}, []string{"result"}),
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
	return []prometheus.Collector{m.exportsTotal, m.exportDuration, m.verificationsTotal}
}

func (m *Metrics) observeExport(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.exportsTotal.WithLabelValues(outcome).Inc()
	m.exportDuration.Observe(seconds)
}

func (m *Metrics) observeVerify(result string) {
	if m == nil {
		return
	}
	m.verificationsTotal.WithLabelValues(result).Inc()
}
