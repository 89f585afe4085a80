// Package metrics holds the Prometheus collectors of the sync core.
package metrics

import (
	"github.com/breez/field-sync/conflict"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
	ResultStale   = "stale"
)

type Collectors struct {
	Cycles        *prometheus.CounterVec
	Conflicts     *prometheus.CounterVec
	DirtyRecords  prometheus.Gauge
	DeferredPulls prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "field_sync",
			Name:      "cycles_total",
			Help:      "Sync cycles by direction and result.",
		}, []string{"direction", "result"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "field_sync",
			Name:      "conflicts_total",
			Help:      "Classified sync conflicts by kind.",
		}, []string{"kind"}),
		DirtyRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "field_sync",
			Name:      "dirty_records",
			Help:      "Records waiting for a push.",
		}),
		DeferredPulls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "field_sync",
			Name:      "deferred_pulls_total",
			Help:      "Pulled records not applied because the local copy was dirty or being pushed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.Cycles, c.Conflicts, c.DirtyRecords, c.DeferredPulls)
	}
	return c
}

func (c *Collectors) ObserveCycle(direction conflict.Direction, result string) {
	c.Cycles.WithLabelValues(string(direction), result).Inc()
}

// ReportConflict implements conflict.Reporter.
func (c *Collectors) ReportConflict(direction conflict.Direction, info conflict.Info) {
	c.Conflicts.WithLabelValues(info.Kind()).Inc()
}
