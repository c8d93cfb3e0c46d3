// Package prometheus exposes runtime metrics on a dedicated registry so
// the inspector can serve them without touching the global default.
package prometheus

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector of the machine runtime.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveMachines prometheus.Gauge

	FiresTotal        *prometheus.CounterVec
	ThrottledTotal    prometheus.Counter
	RefusedTotal      prometheus.Counter
	EvictionsTotal    prometheus.Counter
	RehydrationsTotal prometheus.Counter
	TimeoutsTotal     prometheus.Counter
	ListenerDrops     prometheus.Counter
	SaveRetriesTotal  prometheus.Counter
	SaveErrorsTotal   prometheus.Counter

	FireDuration prometheus.Histogram
	SaveDuration prometheus.Histogram
	LoadDuration prometheus.Histogram

	dbOpen prometheus.GaugeFunc
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ActiveMachines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stator_active_machines",
			Help: "Machines currently resident in the registry.",
		}),

		FiresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stator_fires_total",
			Help: "Fired events by outcome.",
		}, []string{"outcome"}),

		ThrottledTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stator_throttled_total",
			Help: "Events rejected by the TPS limiter.",
		}),

		RefusedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stator_creation_refused_total",
			Help: "Machine admissions refused by the concurrency cap.",
		}),

		EvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stator_evictions_total",
			Help: "Machines evicted after offline or final states.",
		}),

		RehydrationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stator_rehydrations_total",
			Help: "Machines restored from the store.",
		}),

		TimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stator_timeout_firings_total",
			Help: "State deadlines delivered to machines.",
		}),

		ListenerDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "stator_listener_drops_total",
			Help: "Notifications dropped by the listener hub queue.",
		}),

		SaveRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stator_save_retries_total",
			Help: "Background save retry attempts.",
		}),

		SaveErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stator_save_errors_total",
			Help: "Saves that exhausted their retry budget.",
		}),

		FireDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stator_fire_duration_seconds",
			Help:    "Latency of event application including post-processing.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		SaveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stator_save_duration_seconds",
			Help:    "Latency of snapshot saves.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),

		LoadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stator_load_duration_seconds",
			Help:    "Latency of snapshot loads during rehydration.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}

// ObserveDBStats registers gauges over the pool's statistics.
func (m *Metrics) ObserveDBStats(stats func() sql.DBStats) {
	factory := promauto.With(m.Registry)
	m.dbOpen = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stator_db_open_connections",
		Help: "Open connections in the store pool.",
	}, func() float64 { return float64(stats().OpenConnections) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stator_db_in_use_connections",
		Help: "Connections currently executing statements.",
	}, func() float64 { return float64(stats().InUse) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stator_db_wait_count",
		Help: "Cumulative waits for a free connection.",
	}, func() float64 { return float64(stats().WaitCount) })
}
