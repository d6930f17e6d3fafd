// Package metrics provides Prometheus metrics collection for the kernel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the kernel. It implements
// kernel.Observer for the hot paths; the lifecycle gauges are driven by
// bus subscriptions wired in bootstrap.
type Collector struct {
	// Administrative action metrics
	ActionsTotal *prometheus.CounterVec

	// Permission check metrics
	PermissionChecks *prometheus.CounterVec

	// Lifecycle gauges
	ModulesInstalled prometheus.Gauge
	PoliciesActive   prometheus.Gauge

	// Event metrics
	EventsTotal *prometheus.CounterVec
}

// New creates a new metrics collector with all metrics registered.
func New() *Collector {
	return newCollector(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	return newCollector(promauto.With(reg))
}

func newCollector(factory promauto.Factory) *Collector {
	return &Collector{
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "protean",
				Name:      "kernel_actions_total",
				Help:      "Total administrative actions executed, by action and outcome",
			},
			[]string{"action", "status"},
		),
		PermissionChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "protean",
				Name:      "kernel_permission_checks_total",
				Help:      "Total permission matrix lookups, by result",
			},
			[]string{"result"},
		),
		ModulesInstalled: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "protean",
				Name:      "kernel_modules_installed",
				Help:      "Number of modules currently in the registry",
			},
		),
		PoliciesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "protean",
				Name:      "kernel_policies_active",
				Help:      "Number of currently active policies",
			},
		),
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "protean",
				Name:      "kernel_events_total",
				Help:      "Total kernel events published, by event name",
			},
			[]string{"event"},
		),
	}
}

// ActionExecuted implements kernel.Observer.
func (c *Collector) ActionExecuted(action string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.ActionsTotal.WithLabelValues(action, status).Inc()
}

// PermissionChecked implements kernel.Observer.
func (c *Collector) PermissionChecked(granted bool) {
	result := "denied"
	if granted {
		result = "granted"
	}
	c.PermissionChecks.WithLabelValues(result).Inc()
}
