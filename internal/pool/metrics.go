package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pool's Prometheus collectors. Optional: a nil *Metrics
// disables instrumentation.
type Metrics struct {
	admitted      prometheus.Counter
	rejected      prometheus.Counter
	completed     prometheus.Counter
	activeWorkers prometheus.Gauge
	queueLength   prometheus.Gauge
}

// NewMetrics creates and registers the pool collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auctiond_pool_admitted_total",
			Help: "Connections admitted into the worker pool.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auctiond_pool_rejected_total",
			Help: "Connections rejected at admission time.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auctiond_pool_completed_total",
			Help: "Connection tasks completed.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auctiond_pool_active_workers",
			Help: "Workers currently running a connection task.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auctiond_pool_queue_length",
			Help: "Tasks waiting in the admission queue.",
		}),
	}
	reg.MustRegister(m.admitted, m.rejected, m.completed, m.activeWorkers, m.queueLength)
	return m
}
