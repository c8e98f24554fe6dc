// Package metrics exposes the gateway's ambient Prometheus metrics: pool
// occupancy, which connector is active, and uplink/downlink outcome
// counters, serving them over /metrics via the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UpMessagePoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "server",
		Name:      "up_message_pool_in_use",
		Help:      "Number of ServerUpMessage slots currently allocated.",
	})

	UpMessagePoolCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "server",
		Name:      "up_message_pool_capacity",
		Help:      "Fixed capacity of the ServerUpMessage pool.",
	})

	ActiveConnector = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "connector",
		Name:      "active",
		Help:      "1 for the connector descriptor currently active, 0 otherwise.",
	}, []string{"connector"})

	UplinkOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "uplink",
		Name:      "outcomes_total",
		Help:      "Count of uplink session outcomes surfaced to NodeManager.",
	}, []string{"outcome"})

	DownlinksDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "downlink",
		Name:      "delivered_total",
		Help:      "Count of decoded downlink payloads forwarded to NodeManager.",
	})

	HeartbeatsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "protocol",
		Name:      "heartbeats_sent_total",
		Help:      "Count of heartbeat datagrams emitted.",
	})
)

func init() {
	prometheus.MustRegister(
		UpMessagePoolInUse,
		UpMessagePoolCapacity,
		ActiveConnector,
		UplinkOutcomes,
		DownlinksDelivered,
		HeartbeatsSent,
	)
}

// Handler returns the HTTP handler that serves the default registry's
// gathered metrics in the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
	)
}
