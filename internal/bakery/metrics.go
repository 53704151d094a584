package bakery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes coordinator health. A nil registerer yields inert
// collectors.
type Metrics struct {
	Tickets  *prometheus.GaugeVec
	Grants   prometheus.Counter
	Failures *prometheus.CounterVec
	Roster   prometheus.Gauge
	Quorum   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Tickets: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bakerd_bakery_tickets",
			Help: "In-flight tickets by state.",
		}, []string{"state"}),
		Grants: f.NewCounter(prometheus.CounterOpts{
			Name: "bakerd_bakery_grants_total",
			Help: "Locks granted to local clients.",
		}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bakerd_bakery_failures_total",
			Help: "Lock requests failed, by reason.",
		}, []string{"reason"}),
		Roster: f.NewGauge(prometheus.GaugeOpts{
			Name: "bakerd_bakery_roster_size",
			Help: "Lock-ready servers known, this one included.",
		}),
		Quorum: f.NewGauge(prometheus.GaugeOpts{
			Name: "bakerd_bakery_quorum",
			Help: "Current quorum threshold.",
		}),
	}
}
