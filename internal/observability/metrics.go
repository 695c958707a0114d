// Package observability groups the Prometheus instruments the service
// exports.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument. Each Metrics carries its own registry so
// independently constructed instances never collide.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions    prometheus.Gauge
	SessionOps        *prometheus.CounterVec
	ProvisionFailures *prometheus.CounterVec
	ReapedSessions    prometheus.Counter
	LockContention    prometheus.Counter
	ProvisionLatency  prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently marked active.",
		}),
		SessionOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_ops_total",
			Help:      "Session lifecycle operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		ProvisionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_failures_total",
			Help:      "Failed sandbox provisions by backend.",
		}, []string{"backend"}),
		ReapedSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_sessions_total",
			Help:      "Sessions stopped by the idle reaper.",
		}),
		LockContention: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Thread lock acquisitions that found the lock held.",
		}),
		ProvisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_latency_seconds",
			Help:      "Time to a healthy sandbox from the provision request.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 60, 120},
		}),
	}
}

func (m *Metrics) ObserveProvision(d time.Duration) {
	m.ProvisionLatency.Observe(d.Seconds())
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
