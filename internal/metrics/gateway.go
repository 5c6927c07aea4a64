package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Gateway metrics live in a standalone package to avoid import cycles
// between the HA connector and HTTP packages.

var (
	WSConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hapass_ws_connected",
		Help: "1 when the upstream event connection is streaming, 0 otherwise",
	})

	WSReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hapass_ws_reconnects_total",
		Help: "Reconnection cycles of the upstream event connection",
	})

	EventsFannedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hapass_events_fanned_out_total",
		Help: "State-change events delivered to subscriber channels",
	})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hapass_events_dropped_total",
		Help: "Events dropped because a subscriber channel was full",
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hapass_commands_total",
		Help: "Guest command outcomes by result",
	}, []string{"outcome"})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hapass_subscribers",
		Help: "Live subscriber channels",
	})
)

// Register registers the gateway metrics on reg (default registry if nil).
// Double registration is tolerated so tests can call it freely.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		WSConnected, WSReconnects, EventsFannedOut, EventsDropped, CommandsTotal, Subscribers,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
