package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the gauges/counters named in SPEC_FULL.md section 2.2 and
// 6 (/metrics). Grounded on matst80-showoff/cmd/server/main.go's
// promhttp.Handler() wiring for a tunnel-like relay.
type Metrics struct {
	ActiveTunnels    prometheus.Gauge
	InFlightRequests prometheus.Gauge
	HeartbeatMisses  prometheus.Counter
	SweepEvictions   prometheus.Counter
	DroppedResponses prometheus.Counter
}

// NewMetrics registers and returns a Metrics set on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opentunnel_active_tunnels",
			Help: "Number of tunnels currently attached to a transport session.",
		}),
		InFlightRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opentunnel_inflight_requests",
			Help: "Number of proxied HTTP requests awaiting a response.",
		}),
		HeartbeatMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "opentunnel_heartbeat_misses_total",
			Help: "Total number of sessions torn down due to heartbeat timeout.",
		}),
		SweepEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "opentunnel_sweep_evictions_total",
			Help: "Total number of idle tunnels evicted by the registry sweep.",
		}),
		DroppedResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "opentunnel_dropped_responses_total",
			Help: "Total number of response frames that arrived with no matching pending request.",
		}),
	}
}
