// Package metrics holds the gateway's Prometheus instrumentation alongside a
// cheap atomic snapshot used by the health endpoint.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates every counter the gateway reports. The atomic shadows
// exist so the health endpoint can serve a JSON snapshot without scraping the
// Prometheus registry.
type Metrics struct {
	admitted           prometheus.Counter
	throttled          prometheus.Counter
	rejected           *prometheus.CounterVec
	forwarded          prometheus.Counter
	lost               *prometheus.CounterVec
	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	connectionsRefused prometheus.Counter
	registryLookups    prometheus.Counter
	registryCoalesced  prometheus.Counter
	forwardRetries     prometheus.Counter

	admittedN  atomic.Int64
	throttledN atomic.Int64
	rejectedN  atomic.Int64
	forwardedN atomic.Int64
	lostN      atomic.Int64
	activeN    atomic.Int64
	refusedN   atomic.Int64
}

// Snapshot is a point-in-time view of the gateway counters since start.
type Snapshot struct {
	Admitted           int64 `json:"admitted"`
	Throttled          int64 `json:"throttled"`
	Rejected           int64 `json:"rejected"`
	Forwarded          int64 `json:"forwarded"`
	Lost               int64 `json:"lost"`
	ActiveConnections  int64 `json:"active_connections"`
	RefusedConnections int64 `json:"refused_connections"`
}

// New registers the gateway metrics against reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "messages_admitted_total",
			Help:      "Messages that passed admission control.",
		}),
		throttled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "messages_throttled_total",
			Help:      "Messages denied by admission control.",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "messages_rejected_total",
			Help:      "Messages rejected permanently, by reason.",
		}, []string{"reason"}),
		forwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "envelopes_forwarded_total",
			Help:      "Canonical envelopes acknowledged by the downstream sink.",
		}),
		lost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "messages_lost_total",
			Help:      "Messages dropped after exhausting retries, by reason.",
		}, []string{"reason"}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "connections_active",
			Help:      "Currently served device connections.",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "connections_total",
			Help:      "Device connections accepted since start.",
		}),
		connectionsRefused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "connections_refused_total",
			Help:      "Connections refused at the ceiling before any state was allocated.",
		}),
		registryLookups: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "registry_lookups_total",
			Help:      "Device registry calls actually issued.",
		}),
		registryCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "registry_lookups_coalesced_total",
			Help:      "Registry lookups served by an already in-flight call.",
		}),
		forwardRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "forward_retries_total",
			Help:      "Downstream delivery attempts beyond the first.",
		}),
	}
}

// IncAdmitted records a message that passed admission.
func (m *Metrics) IncAdmitted() {
	m.admitted.Inc()
	m.admittedN.Add(1)
}

// IncThrottled records a message denied by admission.
func (m *Metrics) IncThrottled() {
	m.throttled.Inc()
	m.throttledN.Add(1)
}

// IncRejected records a permanently rejected message.
func (m *Metrics) IncRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
	m.rejectedN.Add(1)
}

// IncForwarded records an envelope acknowledged downstream.
func (m *Metrics) IncForwarded() {
	m.forwarded.Inc()
	m.forwardedN.Add(1)
}

// IncLost records a message dropped after exhausting retries.
func (m *Metrics) IncLost(reason string) {
	m.lost.WithLabelValues(reason).Inc()
	m.lostN.Add(1)
}

// ConnOpened records an accepted connection.
func (m *Metrics) ConnOpened() {
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
	m.activeN.Add(1)
}

// ConnClosed records a finished connection.
func (m *Metrics) ConnClosed() {
	m.connectionsActive.Dec()
	m.activeN.Add(-1)
}

// ConnRefused records a connection refused at the ceiling.
func (m *Metrics) ConnRefused() {
	m.connectionsRefused.Inc()
	m.refusedN.Add(1)
}

// IncRegistryLookup records an issued registry call.
func (m *Metrics) IncRegistryLookup() {
	m.registryLookups.Inc()
}

// IncRegistryCoalesced records a lookup collapsed into an in-flight call.
func (m *Metrics) IncRegistryCoalesced() {
	m.registryCoalesced.Inc()
}

// IncForwardRetry records a delivery attempt beyond the first.
func (m *Metrics) IncForwardRetry() {
	m.forwardRetries.Inc()
}

// Snapshot returns the counters since start.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Admitted:           m.admittedN.Load(),
		Throttled:          m.throttledN.Load(),
		Rejected:           m.rejectedN.Load(),
		Forwarded:          m.forwardedN.Load(),
		Lost:               m.lostN.Load(),
		ActiveConnections:  m.activeN.Load(),
		RefusedConnections: m.refusedN.Load(),
	}
}
