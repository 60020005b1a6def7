package observe

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's instrumentation. Metrics are instance
// scoped so independent engines (and tests) never fight over a global
// registry; pass prometheus.DefaultRegisterer to expose them.
type Metrics struct {
	TicksTotal     prometheus.Counter
	ChangesTotal   *prometheus.CounterVec
	BatchesTotal   prometheus.Counter
	RecordsTracked prometheus.Gauge
}

// NewMetrics creates the engine metric set and registers it on reg.
// A nil reg leaves the metrics unregistered but fully functional.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objwatch",
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Total number of scheduler passes",
		}),
		ChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objwatch",
			Subsystem: "engine",
			Name:      "changes_total",
			Help:      "Total change records produced, by type",
		}, []string{"type"}),
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objwatch",
			Subsystem: "engine",
			Name:      "batches_delivered_total",
			Help:      "Total handler batches delivered",
		}),
		RecordsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objwatch",
			Subsystem: "engine",
			Name:      "records_tracked",
			Help:      "Records currently in the observation registry",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TicksTotal, m.ChangesTotal, m.BatchesTotal, m.RecordsTracked)
	}
	return m
}
