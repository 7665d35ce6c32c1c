package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/afd-project/afd/pkg/metrics"
)

// monitorMetrics is the Prometheus implementation of metrics.MonitorMetrics.
type monitorMetrics struct {
	peerUp        *prometheus.GaugeVec
	peerSwitches  *prometheus.CounterVec
	statPolls     *prometheus.CounterVec
	logBytes      *prometheus.CounterVec
	missedPackets *prometheus.CounterVec
}

// NewMonitorMetrics creates a new Prometheus-backed MonitorMetrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewMonitorMetrics() metrics.MonitorMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &monitorMetrics{
		peerUp: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "afd_monitor_peer_up",
				Help: "Whether the monitored peer is currently reachable (1) or not (0)",
			},
			[]string{"peer"},
		),
		peerSwitches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "afd_monitor_peer_switches_total",
				Help: "Total number of failovers to the peer's second hostname",
			},
			[]string{"peer"},
		),
		statPolls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "afd_monitor_stat_polls_total",
				Help: "Total number of completed status poll cycles",
			},
			[]string{"peer"},
		),
		logBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "afd_monitor_log_bytes_total",
				Help: "Total decompressed payload bytes received on log streams",
			},
			[]string{"peer", "log_type"},
		),
		missedPackets: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "afd_monitor_missed_packets_total",
				Help: "Total number of gaps detected in log stream packet sequences",
			},
			[]string{"peer", "log_type"},
		),
	}
}

func (m *monitorMetrics) SetPeerConnected(peer string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1.0
	}
	m.peerUp.WithLabelValues(peer).Set(v)
}

func (m *monitorMetrics) RecordPeerSwitch(peer string) {
	if m == nil {
		return
	}
	m.peerSwitches.WithLabelValues(peer).Inc()
}

func (m *monitorMetrics) RecordStatPoll(peer string) {
	if m == nil {
		return
	}
	m.statPolls.WithLabelValues(peer).Inc()
}

func (m *monitorMetrics) RecordLogBytes(peer string, logType string, bytes uint64) {
	if m == nil {
		return
	}
	m.logBytes.WithLabelValues(peer, logType).Add(float64(bytes))
}

func (m *monitorMetrics) RecordMissedPacket(peer string, logType string) {
	if m == nil {
		return
	}
	m.missedPackets.WithLabelValues(peer, logType).Inc()
}
