package transport

// MetricsReporter receives transport-level events. The default is a
// no-op; the Prometheus collector implements the real one.
type MetricsReporter interface {
	// IncFramesSent counts an outbound frame per channel.
	IncFramesSent(channel string)

	// IncFramesReceived counts an accepted inbound frame per channel.
	IncFramesReceived(channel string)

	// IncFramesDropped counts an inbound frame dropped by the SN check.
	IncFramesDropped(channel string)

	// IncFragments counts fragments sent or received ("tx"/"rx").
	IncFragments(direction string)

	// IncKeepAlives counts keepalives sent or received ("tx"/"rx").
	IncKeepAlives(direction string)

	// IncLeaseExpirations counts peers declared dead by the lease task.
	IncLeaseExpirations()

	// SetPeers tracks the current peer-table size.
	SetPeers(n int)
}

// noopMetrics is the default reporter.
type noopMetrics struct{}

func (noopMetrics) IncFramesSent(string)     {}
func (noopMetrics) IncFramesReceived(string) {}
func (noopMetrics) IncFramesDropped(string)  {}
func (noopMetrics) IncFragments(string)      {}
func (noopMetrics) IncKeepAlives(string)     {}
func (noopMetrics) IncLeaseExpirations()     {}
func (noopMetrics) SetPeers(int)             {}
