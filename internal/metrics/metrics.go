// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for connect and admin request latency.
var defaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Connection lifetimes are much longer than single requests.
var connectionBuckets = []float64{.01, .1, .5, 1, 5, 15, 30, 60, 300, 900, 3600}

// Relay directions used as the "direction" label.
const (
	DirectionUpstream   = "client_to_upstream"
	DirectionDownstream = "upstream_to_client"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration *prometheus.HistogramVec
	BytesTotal         *prometheus.CounterVec
	HeadRewrites       *prometheus.CounterVec

	UpstreamConnectDuration *prometheus.HistogramVec

	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "host_smuggler_connections_total",
			Help: "Total inbound connections by final result.",
		}, []string{"result"}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "host_smuggler_connections_active",
			Help: "Number of inbound connections currently being handled.",
		}),

		ConnectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "host_smuggler_connection_duration_seconds",
			Help:    "Lifetime of inbound connections in seconds.",
			Buckets: connectionBuckets,
		}, []string{"result"}),

		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "host_smuggler_relayed_bytes_total",
			Help: "Bytes relayed by the pump, by direction.",
		}, []string{"direction"}),

		HeadRewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "host_smuggler_head_rewrites_total",
			Help: "First request heads seen, by method and whether the smuggle header was rewritten.",
		}, []string{"method", "rewritten"}),

		UpstreamConnectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "host_smuggler_upstream_connect_duration_seconds",
			Help:    "Upstream connect latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"result"}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "host_smuggler_admin_requests_total",
			Help: "Requests served by the admin HTTP server.",
		}, []string{"method", "status_code", "route"}),

		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "host_smuggler_admin_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.ConnectionDuration,
		m.BytesTotal,
		m.HeadRewrites,
		m.UpstreamConnectDuration,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
	"TRACE": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
