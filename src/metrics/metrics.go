// Package metrics exposes the Prometheus collectors shared by the
// Session Manager and Gateway binaries.
//
// Grounded on spencerandtheteagues-apex-build-platform's
// internal/metrics.Metrics (promauto singleton, Namespace/Subsystem/Name
// convention, Record* helpers), pared down to the counters and gauges
// this system's components actually produce.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds every collector registered by either binary.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SessionsTotal  *prometheus.GaugeVec
	HubsActive     prometheus.Gauge
	ReconcileRuns  prometheus.Counter
	ReconcileAdopted prometheus.Counter
	ReconcileEvicted prometheus.Counter

	SMWebSocketConnections *prometheus.GaugeVec
	GWWebSocketConnections prometheus.Gauge
	UpstreamsActive        prometheus.Gauge
	SubscriberEvictions    prometheus.Counter

	StartupTime prometheus.Gauge
}

// Get returns the process-wide Metrics singleton, registering every
// collector exactly once regardless of how many callers ask for it.
func Get() *Metrics {
	once.Do(func() { instance = newMetrics() })
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessionfabric",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests by route, method, and status class.",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sessionfabric",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		SessionsTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sessionfabric",
				Subsystem: "registry",
				Name:      "sessions",
				Help:      "Number of registry rows by status.",
			},
			[]string{"status"},
		),
		HubsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sessionfabric",
				Subsystem: "hub",
				Name:      "active",
				Help:      "Number of Hubs currently held by the Session Manager's Manager.",
			},
		),
		ReconcileRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sessionfabric",
				Subsystem: "reconciler",
				Name:      "runs_total",
				Help:      "Total boot-time reconciliation passes.",
			},
		),
		ReconcileAdopted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sessionfabric",
				Subsystem: "reconciler",
				Name:      "adopted_total",
				Help:      "Total orphan multiplexer sessions adopted into the registry.",
			},
		),
		ReconcileEvicted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sessionfabric",
				Subsystem: "reconciler",
				Name:      "evicted_total",
				Help:      "Total ghost registry rows evicted for a dead multiplexer session.",
			},
		),
		SMWebSocketConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sessionfabric",
				Subsystem: "sm",
				Name:      "websocket_connections",
				Help:      "Active Session Manager terminal WebSocket connections by tier.",
			},
			[]string{"tier"},
		),
		GWWebSocketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sessionfabric",
				Subsystem: "gw",
				Name:      "websocket_connections",
				Help:      "Active Gateway Browser Channel WebSocket connections.",
			},
		),
		UpstreamsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sessionfabric",
				Subsystem: "gw",
				Name:      "upstreams_active",
				Help:      "Active shared Upstream Pool connections to the Session Manager.",
			},
		),
		SubscriberEvictions: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sessionfabric",
				Subsystem: "hub",
				Name:      "subscriber_evictions_total",
				Help:      "Total subscribers evicted for failing to keep up with broadcast output.",
			},
		),
		StartupTime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sessionfabric",
				Subsystem: "process",
				Name:      "start_time_seconds",
				Help:      "Unix timestamp of process startup.",
			},
		),
	}
	m.StartupTime.Set(float64(time.Now().Unix()))
	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(route, method string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, method, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
