package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/afd-project/afd/pkg/metrics"
)

func init() {
	metrics.RegisterTransferMetricsConstructor(NewTransferMetrics)
	metrics.RegisterMonitorMetricsConstructor(NewMonitorMetrics)
}

// transferMetrics is the Prometheus implementation of metrics.TransferMetrics.
type transferMetrics struct {
	filesSent        *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	fileSize         *prometheus.HistogramVec
	deletes          *prometheus.CounterVec
	retries          *prometheus.CounterVec
	connections      *prometheus.CounterVec
	workerExits      *prometheus.CounterVec
	activeTransfers  *prometheus.GaugeVec
}

// NewTransferMetrics creates a new Prometheus-backed TransferMetrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewTransferMetrics() metrics.TransferMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &transferMetrics{
		filesSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "afd_files_sent_total",
				Help: "Total number of files delivered by host alias",
			},
			[]string{"host"},
		),
		bytesSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "afd_bytes_sent_total",
				Help: "Total payload bytes delivered by host alias",
			},
			[]string{"host"},
		),
		transferDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "afd_transfer_duration_seconds",
				Help: "Wall time spent transferring a single file body",
				Buckets: []float64{
					0.01, // 10ms - small bulletins
					0.05, // 50ms
					0.1,  // 100ms
					0.5,  // 500ms
					1,    // 1s
					5,    // 5s
					30,   // 30s
					120,  // 2m - large files on slow links
				},
			},
			[]string{"host"},
		),
		fileSize: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "afd_transfer_file_bytes",
				Help: "Distribution of delivered file sizes",
				Buckets: []float64{
					1024,      // 1KB - WMO bulletins
					16384,     // 16KB
					131072,    // 128KB
					1048576,   // 1MB
					16777216,  // 16MB
					268435456, // 256MB - satellite imagery
				},
			},
			[]string{"host"},
		),
		deletes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "afd_files_deleted_total",
				Help: "Total number of queued files removed without delivery",
			},
			[]string{"host", "reason"},
		),
		retries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "afd_transfer_retries_total",
				Help: "Total number of delivery attempts that will be repeated",
			},
			[]string{"host"},
		),
		connections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "afd_connections_total",
				Help: "Total connection attempts by host alias and outcome",
			},
			[]string{"host", "outcome"}, // outcome: "ok", "refused", "timeout", "auth"
		),
		workerExits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "afd_worker_exits_total",
				Help: "Total worker process exits by exit code",
			},
			[]string{"code"},
		),
		activeTransfers: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "afd_active_transfers",
				Help: "Number of concurrently sending workers by host alias",
			},
			[]string{"host"},
		),
	}
}

func (m *transferMetrics) RecordFileSent(host string, bytes uint64, duration time.Duration) {
	if m == nil {
		return
	}
	m.filesSent.WithLabelValues(host).Inc()
	m.bytesSent.WithLabelValues(host).Add(float64(bytes))
	m.transferDuration.WithLabelValues(host).Observe(duration.Seconds())
	m.fileSize.WithLabelValues(host).Observe(float64(bytes))
}

func (m *transferMetrics) RecordDelete(host string, reason string) {
	if m == nil {
		return
	}
	m.deletes.WithLabelValues(host, reason).Inc()
}

func (m *transferMetrics) RecordRetry(host string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(host).Inc()
}

func (m *transferMetrics) RecordConnection(host string, outcome string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(host, outcome).Inc()
}

func (m *transferMetrics) RecordWorkerExit(code int) {
	if m == nil {
		return
	}
	m.workerExits.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *transferMetrics) SetActiveTransfers(host string, count int32) {
	if m == nil {
		return
	}
	m.activeTransfers.WithLabelValues(host).Set(float64(count))
}
