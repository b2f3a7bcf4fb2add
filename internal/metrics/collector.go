package meshmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "gomesh"

// Subsystems, one per component.
const (
	subsystemIPAM      = "ipam"
	subsystemProvider  = "provider"
	subsystemRequester = "requester"
	subsystemHandshake = "handshake"
)

// Label names for mesh metrics.
const (
	labelResult     = "result"
	labelState      = "state"
	labelAction     = "action"
	labelConnection = "connection"
)

// Registration results.
const (
	ResultOK           = "ok"
	ResultUnauthorized = "unauthorized"
	ResultInvalid      = "invalid"
	ResultError        = "error"
)

// -------------------------------------------------------------------------
// Collector - Prometheus Mesh Metrics
// -------------------------------------------------------------------------

// Collector holds all gomesh Prometheus metrics.
//
// Provider-side gauges track the peer table and address pool; the
// requester side tracks connection states, reconcile actions and the
// handshake monitor's restarts.
type Collector struct {
	// PoolLeased is the number of assigned addresses, reserved ones included.
	PoolLeased prometheus.Gauge

	// PoolCapacity is the number of addresses the pool can ever assign.
	PoolCapacity prometheus.Gauge

	// Peers is the number of registered peers.
	Peers prometheus.Gauge

	// Registrations counts registration requests by result.
	Registrations *prometheus.CounterVec

	// Connections tracks requester connections per state.
	Connections *prometheus.GaugeVec

	// ReconcileActions counts connection starts, stops and restarts.
	ReconcileActions *prometheus.CounterVec

	// HandshakeRestarts counts restarts triggered by stale handshakes.
	HandshakeRestarts *prometheus.CounterVec

	// HandshakeProbeErrors counts failed handshake queries.
	HandshakeProbeErrors *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PoolLeased,
		c.PoolCapacity,
		c.Peers,
		c.Registrations,
		c.Connections,
		c.ReconcileActions,
		c.HandshakeRestarts,
		c.HandshakeProbeErrors,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		PoolLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemIPAM,
			Name:      "leased_addresses",
			Help:      "Number of assigned mesh addresses, including reserved ones.",
		}),

		PoolCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemIPAM,
			Name:      "capacity_addresses",
			Help:      "Number of assignable mesh addresses in the pool.",
		}),

		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemProvider,
			Name:      "peers",
			Help:      "Number of registered peers.",
		}),

		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProvider,
			Name:      "registrations_total",
			Help:      "Total registration requests by result.",
		}, []string{labelResult}),

		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRequester,
			Name:      "connections",
			Help:      "Number of provider connections per state.",
		}, []string{labelState}),

		ReconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRequester,
			Name:      "reconcile_actions_total",
			Help:      "Total connection starts, stops and restarts.",
		}, []string{labelAction}),

		HandshakeRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHandshake,
			Name:      "restarts_total",
			Help:      "Total restarts triggered by stale handshakes.",
		}, []string{labelConnection}),

		HandshakeProbeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHandshake,
			Name:      "probe_errors_total",
			Help:      "Total failed latest-handshake queries.",
		}, []string{labelConnection}),
	}
}

// -------------------------------------------------------------------------
// Provider
// -------------------------------------------------------------------------

// SetPeers sets the registered peer gauge.
func (c *Collector) SetPeers(n int) {
	c.Peers.Set(float64(n))
}

// SetPoolUsage sets the address pool gauges.
func (c *Collector) SetPoolUsage(leased, capacity int) {
	c.PoolLeased.Set(float64(leased))
	c.PoolCapacity.Set(float64(capacity))
}

// IncRegistrations counts one registration request with the given result.
func (c *Collector) IncRegistrations(result string) {
	c.Registrations.WithLabelValues(result).Inc()
}

// -------------------------------------------------------------------------
// Requester
// -------------------------------------------------------------------------

// RecordConnectionState moves one connection between state gauges. An
// empty from or to means the connection is entering or leaving tracking.
func (c *Collector) RecordConnectionState(from, to string) {
	if from != "" {
		c.Connections.WithLabelValues(from).Dec()
	}
	if to != "" {
		c.Connections.WithLabelValues(to).Inc()
	}
}

// IncReconcileAction counts one start, stop or restart.
func (c *Collector) IncReconcileAction(action string) {
	c.ReconcileActions.WithLabelValues(action).Inc()
}

// -------------------------------------------------------------------------
// Handshake Monitor
// -------------------------------------------------------------------------

// IncHandshakeRestart counts one stale-handshake restart for connection.
func (c *Collector) IncHandshakeRestart(connection string) {
	c.HandshakeRestarts.WithLabelValues(connection).Inc()
}

// IncHandshakeProbeError counts one failed handshake query for connection.
func (c *Collector) IncHandshakeProbeError(connection string) {
	c.HandshakeProbeErrors.WithLabelValues(connection).Inc()
}
