package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service holds the Prometheus metrics for the central service.
type Service struct {
	EventsReceived   prometheus.Counter
	EventsPersisted  prometheus.Counter
	EventsInvalid    prometheus.Counter
	StoreErrors      prometheus.Counter
	BroadcastDropped prometheus.Counter
	Subscribers      prometheus.Gauge
	Resets           prometheus.Counter
}

// NewService creates the service metrics and registers them with the
// default registry.
func NewService() *Service {
	return &Service{
		EventsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "traffix_events_received_total",
			Help: "Total number of events received from agents",
		}),
		EventsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "traffix_events_persisted_total",
			Help: "Total number of events written to the durable store",
		}),
		EventsInvalid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "traffix_events_invalid_total",
			Help: "Total number of malformed events rejected at ingestion",
		}),
		StoreErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "traffix_store_errors_total",
			Help: "Total number of durable-store write failures",
		}),
		BroadcastDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "traffix_broadcast_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		}),
		Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "traffix_subscribers",
			Help: "Number of currently connected live viewers",
		}),
		Resets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "traffix_resets_total",
			Help: "Total number of successful history resets",
		}),
	}
}

// Agent holds the Prometheus metrics for the capture agent.
type Agent struct {
	FlowsCaptured  prometheus.Counter
	FlowsPublished prometheus.Counter
	FlowsDropped   prometheus.Counter
	Alerts         *prometheus.CounterVec
}

// NewAgent creates the agent metrics and registers them with the default
// registry.
func NewAgent() *Agent {
	return &Agent{
		FlowsCaptured: promauto.NewCounter(prometheus.CounterOpts{
			Name: "traffix_agent_flows_captured_total",
			Help: "Total number of flow observations captured",
		}),
		FlowsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "traffix_agent_flows_published_total",
			Help: "Total number of events published to the transport",
		}),
		FlowsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "traffix_agent_flows_dropped_total",
			Help: "Total number of events dropped on transport backpressure",
		}),
		Alerts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "traffix_agent_alerts_total",
			Help: "Total number of security classifications emitted",
		}, []string{"type"}),
	}
}
