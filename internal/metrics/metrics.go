// Package metrics exposes orchestrator counters and gauges to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transition results.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Registry holds all orchestrator metrics.
type Registry struct {
	Transitions    *prometheus.CounterVec
	Instances      *prometheus.GaugeVec
	PortExhaustion prometheus.Counter
	HeartbeatHeals prometheus.Counter
	Reclaimed      prometheus.Counter
	TickDuration   prometheus.Histogram
}

// New registers the collectors on reg. A nil reg yields unregistered
// collectors, which tests use.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "picostack_transitions_total",
			Help: "Lifecycle transitions attempted, by transition and result",
		}, []string{"transition", "result"}),
		Instances: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "picostack_instances",
			Help: "Instances per lifecycle state after the last tick",
		}, []string{"state"}),
		PortExhaustion: f.NewCounter(prometheus.CounterOpts{
			Name: "picostack_port_exhaustion_total",
			Help: "Starts deferred because the forwarded port pool was full",
		}),
		HeartbeatHeals: f.NewCounter(prometheus.CounterOpts{
			Name: "picostack_heartbeat_heals_total",
			Help: "Running instances found dead and moved to terminating",
		}),
		Reclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "picostack_reclaimed_processes_total",
			Help: "Orphaned hypervisor processes killed",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "picostack_tick_duration_seconds",
			Help:    "Time spent in one reconciliation tick",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// Transition counts one transition outcome.
func (r *Registry) Transition(name, result string) {
	r.Transitions.WithLabelValues(name, result).Inc()
}

// ObserveTick records the duration of a tick started at start.
func (r *Registry) ObserveTick(start time.Time) {
	r.TickDuration.Observe(time.Since(start).Seconds())
}

// SetInstanceCounts replaces the per-state gauges.
func (r *Registry) SetInstanceCounts(counts map[string]int) {
	r.Instances.Reset()
	for state, n := range counts {
		r.Instances.WithLabelValues(state).Set(float64(n))
	}
}
