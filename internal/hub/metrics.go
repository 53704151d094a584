package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes router health. A nil registerer yields inert
// collectors.
type Metrics struct {
	Connections prometheus.Gauge
	Services    prometheus.Gauge
	Peers       prometheus.Gauge
	Routed      *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Refused     prometheus.Counter
	Invalid     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "bakerd_hub_connections",
			Help: "Open socket connections, handshaking included.",
		}),
		Services: f.NewGauge(prometheus.GaugeOpts{
			Name: "bakerd_hub_services",
			Help: "Registered local services, in-process ones included.",
		}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "bakerd_hub_peers",
			Help: "Peer daemons with at least one live route.",
		}),
		Routed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bakerd_hub_routed_total",
			Help: "Messages routed, by destination kind.",
		}, []string{"dest"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bakerd_hub_dropped_total",
			Help: "Messages dropped, by reason.",
		}, []string{"reason"}),
		Refused: f.NewCounter(prometheus.CounterOpts{
			Name: "bakerd_hub_refused_total",
			Help: "Connections refused during handshake.",
		}),
		Invalid: f.NewCounter(prometheus.CounterOpts{
			Name: "bakerd_hub_invalid_total",
			Help: "Unparseable lines received.",
		}),
	}
}
