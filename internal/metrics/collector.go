// Package metrics exposes the transport and session counters as
// Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "zenoh"
	subsystem = "session"
)

// Label names.
const (
	labelChannel   = "channel"
	labelDirection = "direction"
	labelKind      = "kind"
)

// Collector holds all client Prometheus metrics. It implements both
// the transport and the session reporter interfaces.
type Collector struct {
	// FramesSent counts outbound frames per reliability channel.
	FramesSent *prometheus.CounterVec

	// FramesReceived counts accepted inbound frames per channel.
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts inbound frames rejected by the SN window.
	FramesDropped *prometheus.CounterVec

	// Fragments counts fragments by direction (tx/rx).
	Fragments *prometheus.CounterVec

	// KeepAlives counts liveness ticks by direction (tx/rx).
	KeepAlives *prometheus.CounterVec

	// LeaseExpirations counts peers declared dead by the lease task.
	LeaseExpirations prometheus.Counter

	// Peers tracks the current peer-table size.
	Peers prometheus.Gauge

	// SamplesDelivered counts subscriber callback invocations.
	SamplesDelivered prometheus.Counter

	// QueriesIssued counts outbound queries.
	QueriesIssued prometheus.Counter

	// RepliesReceived counts inbound reply samples.
	RepliesReceived prometheus.Counter

	// PendingQueries tracks the pending-query table size.
	PendingQueries prometheus.Gauge

	// Entities tracks declared entities by kind.
	Entities *prometheus.GaugeVec
}

// NewCollector creates a Collector registered against reg. A nil reg
// uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := newMetrics()
	reg.MustRegister(
		c.FramesSent,
		c.FramesReceived,
		c.FramesDropped,
		c.Fragments,
		c.KeepAlives,
		c.LeaseExpirations,
		c.Peers,
		c.SamplesDelivered,
		c.QueriesIssued,
		c.RepliesReceived,
		c.PendingQueries,
		c.Entities,
	)
	return c
}

// newMetrics creates the metric vectors without registering them.
func newMetrics() *Collector {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	return &Collector{
		FramesSent:     counter("frames_sent_total", "Outbound frames per reliability channel.", labelChannel),
		FramesReceived: counter("frames_received_total", "Accepted inbound frames per reliability channel.", labelChannel),
		FramesDropped:  counter("frames_dropped_total", "Inbound frames rejected by the SN window.", labelChannel),
		Fragments:      counter("fragments_total", "Fragments by direction.", labelDirection),
		KeepAlives:     counter("keepalives_total", "Keepalive ticks by direction.", labelDirection),
		LeaseExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "lease_expirations_total",
			Help: "Peers declared dead by the lease task.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "peers",
			Help: "Current peer-table size.",
		}),
		SamplesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "samples_delivered_total",
			Help: "Subscriber callback invocations.",
		}),
		QueriesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "queries_issued_total",
			Help: "Outbound queries.",
		}),
		RepliesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "replies_received_total",
			Help: "Inbound reply samples.",
		}),
		PendingQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "pending_queries",
			Help: "Pending-query table size.",
		}),
		Entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "entities",
			Help: "Declared entities by kind.",
		}, []string{labelKind}),
	}
}

// -------------------------------------------------------------------------
// transport.MetricsReporter
// -------------------------------------------------------------------------

// IncFramesSent implements the transport reporter.
func (c *Collector) IncFramesSent(channel string) {
	c.FramesSent.WithLabelValues(channel).Inc()
}

// IncFramesReceived implements the transport reporter.
func (c *Collector) IncFramesReceived(channel string) {
	c.FramesReceived.WithLabelValues(channel).Inc()
}

// IncFramesDropped implements the transport reporter.
func (c *Collector) IncFramesDropped(channel string) {
	c.FramesDropped.WithLabelValues(channel).Inc()
}

// IncFragments implements the transport reporter.
func (c *Collector) IncFragments(direction string) {
	c.Fragments.WithLabelValues(direction).Inc()
}

// IncKeepAlives implements the transport reporter.
func (c *Collector) IncKeepAlives(direction string) {
	c.KeepAlives.WithLabelValues(direction).Inc()
}

// IncLeaseExpirations implements the transport reporter.
func (c *Collector) IncLeaseExpirations() {
	c.LeaseExpirations.Inc()
}

// SetPeers implements the transport reporter.
func (c *Collector) SetPeers(n int) {
	c.Peers.Set(float64(n))
}

// -------------------------------------------------------------------------
// session.Reporter
// -------------------------------------------------------------------------

// IncSamplesDelivered implements the session reporter.
func (c *Collector) IncSamplesDelivered() { c.SamplesDelivered.Inc() }

// IncQueriesIssued implements the session reporter.
func (c *Collector) IncQueriesIssued() { c.QueriesIssued.Inc() }

// IncRepliesReceived implements the session reporter.
func (c *Collector) IncRepliesReceived() { c.RepliesReceived.Inc() }

// SetPendingQueries implements the session reporter.
func (c *Collector) SetPendingQueries(n int) {
	c.PendingQueries.Set(float64(n))
}

// SetEntities implements the session reporter.
func (c *Collector) SetEntities(kind string, n int) {
	c.Entities.WithLabelValues(kind).Set(float64(n))
}
