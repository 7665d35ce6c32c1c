package metrics

import (
	"time"
)

// TransferMetrics provides observability for outbound transfer workers.
//
// Implementations collect metrics about delivered files, throughput,
// connection outcomes, and worker lifecycle. This interface is optional -
// pass nil to disable metrics collection with zero overhead.
type TransferMetrics interface {
	// RecordFileSent records one successfully delivered file.
	//
	// Parameters:
	//   - host: Host alias the file was sent to
	//   - bytes: Size of the file in bytes
	//   - duration: Wall time spent transferring the file body
	RecordFileSent(host string, bytes uint64, duration time.Duration)

	// RecordDelete records a queued file that was removed without delivery.
	//
	// Parameters:
	//   - host: Host alias of the job the file belonged to
	//   - reason: Why it was dropped (e.g. "age-limit", "duplicate")
	RecordDelete(host string, reason string)

	// RecordRetry records a delivery attempt that will be repeated, for
	// example because the remote file was busy.
	RecordRetry(host string)

	// RecordConnection records the outcome of a connection attempt.
	//
	// Parameters:
	//   - host: Host alias being connected to
	//   - outcome: "ok", "refused", "timeout", or "auth"
	RecordConnection(host string, outcome string)

	// RecordWorkerExit records a worker process exit by its exit code.
	RecordWorkerExit(code int)

	// SetActiveTransfers updates the number of concurrently sending
	// workers for a host.
	SetActiveTransfers(host string, count int32)
}

// NewTransferMetrics creates a new Prometheus-backed TransferMetrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
// When nil is returned, callers should pass nil through to the worker,
// which results in zero overhead.
func NewTransferMetrics() TransferMetrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusTransferMetrics()
}

// newPrometheusTransferMetrics is implemented in pkg/metrics/prometheus.
// The indirection avoids an import cycle while keeping the API clean.
var newPrometheusTransferMetrics func() TransferMetrics

// RegisterTransferMetricsConstructor registers the Prometheus transfer
// metrics constructor. Called by pkg/metrics/prometheus during package
// initialization.
func RegisterTransferMetricsConstructor(constructor func() TransferMetrics) {
	newPrometheusTransferMetrics = constructor
}
