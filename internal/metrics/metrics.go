package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the broker. Each Registry
// owns its own prometheus.Registry so several brokers can coexist in one
// process.
type Registry struct {
	reg *prometheus.Registry

	ActiveConnections   prometheus.Gauge
	MessagesPublished   prometheus.Counter
	MessagesDelivered   prometheus.Counter
	DeliveryErrors      prometheus.Counter
	ProtocolErrors      prometheus.Counter
	ReplicationForwards prometheus.Counter
	ReplicationInjected prometheus.Counter
}

// NewRegistry creates Prometheus metrics collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coremq_connections_active",
			Help: "Number of open client connections",
		}),
		MessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "coremq_messages_published_total",
			Help: "Total number of messages published to the broker",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "coremq_messages_delivered_total",
			Help: "Total number of messages delivered to recipients",
		}),
		DeliveryErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "coremq_delivery_errors_total",
			Help: "Total number of recipient sockets closed due to write failure",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "coremq_protocol_errors_total",
			Help: "Total number of connections closed due to malformed frames",
		}),
		ReplicationForwards: factory.NewCounter(prometheus.CounterOpts{
			Name: "coremq_replication_forwards_total",
			Help: "Total number of messages forwarded upstream to the master",
		}),
		ReplicationInjected: factory.NewCounter(prometheus.CounterOpts{
			Name: "coremq_replication_injected_total",
			Help: "Total number of mirrored messages injected from the master",
		}),
	}
}

// Handler returns an HTTP handler exposing this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
