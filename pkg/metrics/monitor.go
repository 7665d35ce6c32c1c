package metrics

// MonitorMetrics provides observability for the monitor agent and its log
// subscription. Pass nil to disable collection with zero overhead.
type MonitorMetrics interface {
	// SetPeerConnected updates the up/down gauge for a monitored peer.
	SetPeerConnected(peer string, connected bool)

	// RecordPeerSwitch records a failover to the peer's second hostname.
	RecordPeerSwitch(peer string)

	// RecordStatPoll records one completed status poll cycle.
	RecordStatPoll(peer string)

	// RecordLogBytes records payload bytes received on the log stream.
	//
	// Parameters:
	//   - peer: Peer alias the stream belongs to
	//   - logType: Local log file name (e.g. "SYSTEM_LOG")
	//   - bytes: Decompressed payload size
	RecordLogBytes(peer string, logType string, bytes uint64)

	// RecordMissedPacket records a gap in the log stream packet sequence.
	RecordMissedPacket(peer string, logType string)
}

// NewMonitorMetrics creates a new Prometheus-backed MonitorMetrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewMonitorMetrics() MonitorMetrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusMonitorMetrics()
}

// newPrometheusMonitorMetrics is implemented in pkg/metrics/prometheus.
var newPrometheusMonitorMetrics func() MonitorMetrics

// RegisterMonitorMetricsConstructor registers the Prometheus monitor
// metrics constructor. Called by pkg/metrics/prometheus during package
// initialization.
func RegisterMonitorMetricsConstructor(constructor func() MonitorMetrics) {
	newPrometheusMonitorMetrics = constructor
}
