package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the delivery core. Each
// Manager owns its own set registered against an injected registerer, so
// tests can construct isolated instances without collisions.
type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionsEvicted prometheus.Counter

	MessagesBroadcast *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	PatchesCoalesced  prometheus.Counter

	ActionsTotal   *prometheus.CounterVec
	ActionDuration prometheus.Histogram

	RateLimited   *prometheus.CounterVec
	ProtocolError *prometheus.CounterVec

	StreamSubscribers prometheus.Gauge
	PollRequests      prometheus.Counter
}

// NewMetrics registers the delivery metrics with reg. A nil reg falls back
// to the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	const ns = "agentprinter"

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connections_active",
			Help:      "Number of live push connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_total",
			Help:      "Total connections accepted",
		}),
		ConnectionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_evicted_total",
			Help:      "Connections evicted after a send failure",
		}),
		MessagesBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_broadcast_total",
			Help:      "Messages appended to history and fanned out, by type",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped by a full subscriber queue, by transport",
		}, []string{"transport"}),
		PatchesCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "patches_coalesced_total",
			Help:      "Patch messages absorbed into a coalesced delivery",
		}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "actions_total",
			Help:      "Dispatched user actions by outcome",
		}, []string{"outcome"}),
		ActionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "action_duration_seconds",
			Help:      "Action handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rate_limited_total",
			Help:      "Admissions denied by the rate limiters, by scope",
		}, []string{"scope"}),
		ProtocolError: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "protocol_errors_total",
			Help:      "Protocol errors emitted to clients, by code",
		}, []string{"code"}),
		StreamSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "stream_subscribers",
			Help:      "Number of live server-push stream subscribers",
		}),
		PollRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "poll_requests_total",
			Help:      "Total poll endpoint requests",
		}),
	}
}
