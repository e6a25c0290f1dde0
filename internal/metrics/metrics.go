// Package metrics provides Prometheus metrics for blockvault operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry used by the blockvault binary.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// EngineMetrics holds the metrics shared by the reconciler, compactor, rebuilder
// and remote manager. A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	// Transfer counters
	VolumesUploaded   prometheus.Counter
	VolumesDownloaded prometheus.Counter
	VolumesDeleted    prometheus.Counter
	BytesUploaded     prometheus.Counter
	BytesDownloaded   prometheus.Counter
	BytesDeleted      prometheus.Counter
	TransferErrors    *prometheus.CounterVec // labels: op

	// Reconcile results
	ExtraVolumes       prometheus.Gauge
	MissingVolumes     prometheus.Gauge
	VerifyVolumes      prometheus.Gauge
	KnownRemoteBytes   prometheus.Gauge
	UnknownRemoteBytes prometheus.Gauge
	QuotaUsedPct       prometheus.Gauge

	// Ledger health
	BrokenFilesets prometheus.Gauge
	WastedBytes    prometheus.Gauge

	// Operation timing
	OperationDuration *prometheus.HistogramVec // labels: operation, status
}

// InitMetrics registers all engine metrics with registry. A nil registry uses Registry.
func InitMetrics(registry prometheus.Registerer) *EngineMetrics {
	if registry == nil {
		registry = Registry
	}
	f := promauto.With(registry)

	return &EngineMetrics{
		VolumesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_volumes_uploaded_total",
			Help: "Total remote volumes uploaded",
		}),
		VolumesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_volumes_downloaded_total",
			Help: "Total remote volumes downloaded",
		}),
		VolumesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_volumes_deleted_total",
			Help: "Total remote volumes deleted",
		}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_bytes_uploaded_total",
			Help: "Total bytes uploaded to the remote store",
		}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_bytes_downloaded_total",
			Help: "Total bytes downloaded from the remote store",
		}),
		BytesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_bytes_deleted_total",
			Help: "Total bytes deleted from the remote store",
		}),
		TransferErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blockvault_transfer_errors_total",
			Help: "Remote store errors by operation",
		}, []string{"op"}),

		ExtraVolumes: f.NewGauge(prometheus.GaugeOpts{
			Name: "blockvault_reconcile_extra_volumes",
			Help: "Remote volumes unknown to the ledger at the last reconcile",
		}),
		MissingVolumes: f.NewGauge(prometheus.GaugeOpts{
			Name: "blockvault_reconcile_missing_volumes",
			Help: "Ledger volumes absent remotely at the last reconcile",
		}),
		VerifyVolumes: f.NewGauge(prometheus.GaugeOpts{
			Name: "blockvault_reconcile_verification_required_volumes",
			Help: "Volumes whose remote size did not match the ledger at the last reconcile",
		}),
		KnownRemoteBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "blockvault_remote_known_bytes",
			Help: "Bytes of remote volumes known to the ledger",
		}),
		UnknownRemoteBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "blockvault_remote_unknown_bytes",
			Help: "Bytes of remote objects not known to the ledger",
		}),
		QuotaUsedPct: f.NewGauge(prometheus.GaugeOpts{
			Name: "blockvault_quota_used_percent",
			Help: "Percentage of the backend quota in use",
		}),

		BrokenFilesets: f.NewGauge(prometheus.GaugeOpts{
			Name: "blockvault_broken_filesets",
			Help: "Filesets with unresolvable blocks",
		}),
		WastedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "blockvault_wasted_bytes",
			Help: "Unreferenced bytes held in live Blocks volumes",
		}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blockvault_operation_duration_seconds",
			Help:    "Operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"operation", "status"}),
	}
}

// ObserveUpload records an acknowledged upload.
func (m *EngineMetrics) ObserveUpload(bytes int64) {
	if m == nil {
		return
	}
	m.VolumesUploaded.Inc()
	m.BytesUploaded.Add(float64(bytes))
}

// ObserveDownload records a completed download.
func (m *EngineMetrics) ObserveDownload(bytes int64) {
	if m == nil {
		return
	}
	m.VolumesDownloaded.Inc()
	m.BytesDownloaded.Add(float64(bytes))
}

// ObserveDelete records a remote delete. Unknown sizes are negative and not counted.
func (m *EngineMetrics) ObserveDelete(bytes int64) {
	if m == nil {
		return
	}
	m.VolumesDeleted.Inc()
	if bytes > 0 {
		m.BytesDeleted.Add(float64(bytes))
	}
}

// ObserveTransferError counts a failed backend call.
func (m *EngineMetrics) ObserveTransferError(op string) {
	if m == nil {
		return
	}
	m.TransferErrors.WithLabelValues(op).Inc()
}

// SetReconcile publishes the result counts of a reconcile pass.
func (m *EngineMetrics) SetReconcile(extra, missing, verify int, knownBytes, unknownBytes int64) {
	if m == nil {
		return
	}
	m.ExtraVolumes.Set(float64(extra))
	m.MissingVolumes.Set(float64(missing))
	m.VerifyVolumes.Set(float64(verify))
	m.KnownRemoteBytes.Set(float64(knownBytes))
	m.UnknownRemoteBytes.Set(float64(unknownBytes))
}

// SetQuotaUsed publishes quota usage as a percentage.
func (m *EngineMetrics) SetQuotaUsed(pct float64) {
	if m == nil {
		return
	}
	m.QuotaUsedPct.Set(pct)
}

// SetBrokenFilesets publishes the number of broken filesets.
func (m *EngineMetrics) SetBrokenFilesets(n int) {
	if m == nil {
		return
	}
	m.BrokenFilesets.Set(float64(n))
}

// SetWasted publishes the wasted bytes across live Blocks volumes.
func (m *EngineMetrics) SetWasted(bytes int64) {
	if m == nil {
		return
	}
	m.WastedBytes.Set(float64(bytes))
}

// ObserveOperation records how long an operation took and whether it failed.
func (m *EngineMetrics) ObserveOperation(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OperationDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// WriteTextfile writes the current metrics in the node_exporter textfile format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if g == nil {
		g = Registry
	}
	return prometheus.WriteToTextfile(path, g)
}
