package bridge

import (
	"github.com/danderson/dsb/transfer"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	devices   *prometheus.GaugeVec
	signals   *prometheus.CounterVec
	requests  *prometheus.CounterVec
	resets    prometheus.Counter
	transfers *prometheus.CounterVec
}

// newMetrics returns the bridge's metrics, registered with reg if reg
// is non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	ret := &metrics{
		devices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dsb_devices_exposed",
				Help: "Devices currently exposed on the bus, by adapter.",
			},
			[]string{"adapter"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsb_adapter_signals_total",
				Help: "Signals received from adapters, by signal.",
			},
			[]string{"signal"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsb_adapter_requests_total",
				Help: "Completed adapter requests, by operation and final status.",
			},
			[]string{"op", "status"},
		),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dsb_bridge_resets_total",
			Help: "Bridge resets performed.",
		}),
		transfers: transfer.NewSessionCounter(nil),
	}
	if reg != nil {
		reg.MustRegister(ret.devices, ret.signals, ret.requests, ret.resets, ret.transfers)
	}
	return ret
}
