package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the loop. Passing a nil registerer yields inert
// metrics, so components can update them unconditionally.
type Metrics struct {
	Passes      prometheus.Counter
	Events      *prometheus.CounterVec
	Deferred    prometheus.Counter
	Connections prometheus.Gauge
}

// NewMetrics creates and, when reg is non-nil, registers the loop
// metric family.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Passes: f.NewCounter(prometheus.CounterOpts{
			Name: "bakerd_reactor_passes_total",
			Help: "loop passes executed",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bakerd_reactor_events_total",
			Help: "events dispatched, by kind",
		}, []string{"kind"}),
		Deferred: f.NewCounter(prometheus.CounterOpts{
			Name: "bakerd_reactor_events_deferred_total",
			Help: "events pushed to a later pass by budget or disabled connections",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "bakerd_reactor_connections",
			Help: "currently registered connections",
		}),
	}
}
