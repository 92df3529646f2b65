// Package metrics exposes the connection engine's Prometheus metrics:
// active-connection counts, per-connection queue depth, and message/error
// volumes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "asyncip"
	subsystem = "engine"
)

// Label names.
const (
	labelTransport = "transport"
	labelRole      = "role"
	labelDirection = "direction"
	labelKind      = "kind"
)

// Collector holds all connection engine Prometheus metrics.
type Collector struct {
	// ActiveConnections tracks the number of currently live connections,
	// labeled by transport and role.
	ActiveConnections *prometheus.GaugeVec

	// QueueDepth tracks the current occupancy of a connection's inbound or
	// outbound queue, labeled by direction.
	QueueDepth *prometheus.GaugeVec

	// MessagesTotal counts messages moved, labeled by direction: inbound
	// messages enqueued and outbound messages sent.
	MessagesTotal *prometheus.CounterVec

	// BytesTotal counts payload bytes moved, labeled by direction.
	BytesTotal *prometheus.CounterVec

	// QueueFullTotal counts messages dropped because the target queue was
	// already at capacity: outbound writes and inbound receives alike.
	QueueFullTotal prometheus.Counter

	// ConnectionErrorsTotal counts connection removals, labeled by the
	// triggering error kind (send, remote-closed, receive).
	ConnectionErrorsTotal *prometheus.CounterVec

	// PumpJoinTimeoutsTotal counts times a pump failed to join within
	// PumpJoinTimeout on shutdown.
	PumpJoinTimeoutsTotal prometheus.Counter
}

// NewCollector creates a Collector with all engine metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ActiveConnections,
		c.QueueDepth,
		c.MessagesTotal,
		c.BytesTotal,
		c.QueueFullTotal,
		c.ConnectionErrorsTotal,
		c.PumpJoinTimeoutsTotal,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_connections",
			Help:      "Number of currently live connections.",
		}, []string{labelTransport, labelRole}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Current occupancy of a connection's inbound/outbound queue.",
		}, []string{labelDirection}),

		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Total messages moved (inbound enqueued, outbound sent).",
		}, []string{labelDirection}),

		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_total",
			Help:      "Total payload bytes moved.",
		}, []string{labelDirection}),

		QueueFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_full_total",
			Help:      "Total messages dropped because the target queue was at capacity.",
		}),

		ConnectionErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_errors_total",
			Help:      "Total connection removals, labeled by triggering error kind.",
		}, []string{labelKind}),

		PumpJoinTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pump_join_timeouts_total",
			Help:      "Total times a pump failed to join within the shutdown timeout.",
		}),
	}
}

// RegisterConnection increments the active-connections gauge for transport/role.
func (c *Collector) RegisterConnection(transport, role string) {
	c.ActiveConnections.WithLabelValues(transport, role).Inc()
}

// UnregisterConnection decrements the active-connections gauge for transport/role.
func (c *Collector) UnregisterConnection(transport, role string) {
	c.ActiveConnections.WithLabelValues(transport, role).Dec()
}

// SetQueueDepth records the current occupancy of a queue.
func (c *Collector) SetQueueDepth(direction string, depth int) {
	c.QueueDepth.WithLabelValues(direction).Set(float64(depth))
}

// RecordMessage increments the message and byte counters for direction.
func (c *Collector) RecordMessage(direction string, length int) {
	c.MessagesTotal.WithLabelValues(direction).Inc()
	c.BytesTotal.WithLabelValues(direction).Add(float64(length))
}

// IncQueueFull increments the dropped-write counter.
func (c *Collector) IncQueueFull() {
	c.QueueFullTotal.Inc()
}

// RecordConnectionError increments the connection-removal counter for kind.
func (c *Collector) RecordConnectionError(kind string) {
	c.ConnectionErrorsTotal.WithLabelValues(kind).Inc()
}

// IncPumpJoinTimeout increments the pump-join-timeout counter.
func (c *Collector) IncPumpJoinTimeout() {
	c.PumpJoinTimeoutsTotal.Inc()
}
