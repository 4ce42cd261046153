package fixture

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records registry activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	acquisitions   *prometheus.CounterVec
	starts         *prometheus.CounterVec
	failures       *prometheus.CounterVec
	startupSeconds *prometheus.HistogramVec
}

// NewMetrics registers the registry metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		acquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dbharness_acquisitions_total",
			Help: "Total number of Acquire calls by backend",
		}, []string{"backend"}),
		starts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dbharness_container_starts_total",
			Help: "Total number of database containers launched",
		}, []string{"backend"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dbharness_acquire_failures_total",
			Help: "Total number of failed acquisitions by error type",
		}, []string{"type"}),
		startupSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbharness_startup_seconds",
			Help:    "Time from launch to a successful readiness probe",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"backend"}),
	}
}

func (m *Metrics) acquired(kind Kind) {
	if m == nil {
		return
	}
	m.acquisitions.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) started(kind Kind, d time.Duration) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(string(kind)).Inc()
	m.startupSeconds.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) failed(t ErrorType) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(t)).Inc()
}
