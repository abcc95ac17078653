package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the gateway and delivery collectors.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AuthFailures      prometheus.Counter
	EventsTotal       *prometheus.CounterVec
	EventErrors       *prometheus.CounterVec
	EventLatency      *prometheus.HistogramVec
	FanoutDeliveries  prometheus.Counter
	SlowConsumers     prometheus.Counter
	PushAttempts      *prometheus.CounterVec
	PushPruned        prometheus.Counter
	CallSignals       *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPLatency       *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messenger_connections_active",
			Help: "Current number of authenticated websocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messenger_connections_total",
			Help: "Total authenticated websocket connections since start.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messenger_auth_failures_total",
			Help: "Connection attempts refused for a missing, malformed or expired token.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messenger_events_total",
			Help: "Inbound gateway events by type.",
		}, []string{"type"}),
		EventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messenger_event_errors_total",
			Help: "Inbound gateway events answered with an error, by error kind.",
		}, []string{"kind"}),
		EventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "messenger_event_latency_seconds",
			Help:    "Time to process one inbound gateway event.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"type"}),
		FanoutDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messenger_fanout_deliveries_total",
			Help: "Outbound events queued to connections.",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messenger_slow_consumers_total",
			Help: "Connections dropped because their send buffer was full.",
		}),
		PushAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messenger_push_attempts_total",
			Help: "Web push attempts by result.",
		}, []string{"result"}),
		PushPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messenger_push_subscriptions_pruned_total",
			Help: "Push subscriptions removed after a gone/expired answer.",
		}),
		CallSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messenger_call_signals_total",
			Help: "Call signaling events by type and outcome.",
		}, []string{"type", "outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messenger_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "messenger_http_request_duration_seconds",
			Help:    "HTTP request duration.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.AuthFailures,
		m.EventsTotal,
		m.EventErrors,
		m.EventLatency,
		m.FanoutDeliveries,
		m.SlowConsumers,
		m.PushAttempts,
		m.PushPruned,
		m.CallSignals,
		m.HTTPRequests,
		m.HTTPLatency,
	)
	return m
}

// NewUnregistered returns collectors bound to a throwaway registry, for tests
// and for components constructed without metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
