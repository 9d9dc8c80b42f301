package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "docchat"

// Metrics groups the collectors shared by the document list and backend client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	refreshes   *prometheus.CounterVec
	deletes     *prometheus.CounterVec
	backend     *prometheus.HistogramVec
	controllers prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "doclist",
			Name:      "refresh_total",
			Help:      "Document list refreshes by result.",
		}, []string{"result"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "doclist",
			Name:      "delete_total",
			Help:      "Document deletions by result.",
		}, []string{"result"}),
		backend: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Latency of document backend requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "code"}),
		controllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "doclist",
			Name:      "controllers",
			Help:      "Live per-user document list controllers.",
		}),
	}
	reg.MustRegister(m.refreshes, m.deletes, m.backend, m.controllers)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result(err)).Inc()
}

// ObserveDelete records a delete outcome; result is "ok", "error" or "rejected".
func (m *Metrics) ObserveDelete(outcome string) {
	if m == nil {
		return
	}
	m.deletes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBackend(operation, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.backend.WithLabelValues(operation, code).Observe(elapsed.Seconds())
}

func (m *Metrics) SetControllers(n int) {
	if m == nil {
		return
	}
	m.controllers.Set(float64(n))
}
