// Package telemetry exposes Prometheus metrics for sync cycles, the offline
// queue and snapshot downloads. Metrics are only served locally for scraping;
// nothing is pushed off the device.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without telemetry in tests.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "possync"

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	cyclesTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	cyclesSkipped *prometheus.CounterVec

	salesSynced   prometheus.Counter
	salesFailed   prometheus.Counter
	queuePending  prometheus.Gauge
	queueFrozen   prometheus.Gauge
	salesEnqueued prometheus.Counter

	snapshotTables   *prometheus.CounterVec
	snapshotRows     *prometheus.GaugeVec
	snapshotDuration prometheus.Histogram
	storageUsed      prometheus.Gauge

	verifyMismatch *prometheus.CounterVec
}

// =====================================================
// Construction
// =====================================================

// New creates metrics on a private registry that also carries the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Sync cycles run, by trigger and result.",
		}, []string{"trigger", "result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		cyclesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_skipped_total",
			Help:      "Ticks that did not run a cycle, by reason.",
		}, []string{"reason"}),
		salesSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sales_synced_total",
			Help:      "Offline sales written to the remote store.",
		}),
		salesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sale_attempts_failed_total",
			Help:      "Failed remote insert attempts for offline sales.",
		}),
		salesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sales_enqueued_total",
			Help:      "Sales recorded in the offline queue.",
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Offline sales awaiting automatic flush.",
		}),
		queueFrozen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "frozen",
			Help:      "Offline sales that exhausted their retries.",
		}),
		snapshotTables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "tables_total",
			Help:      "Table downloads, by table and status.",
		}, []string{"table", "status"}),
		snapshotRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "resident_rows",
			Help:      "Rows resident in the local snapshot per table.",
		}, []string{"table"}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "download_duration_seconds",
			Help:      "Duration of full snapshot downloads.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		storageUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "used_bytes",
			Help:      "Estimated bytes used in the local store.",
		}),
		verifyMismatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "mismatches_total",
			Help:      "Verification count mismatches, by table.",
		}, []string{"table"}),
	}

	reg.MustRegister(
		m.cyclesTotal, m.cycleDuration, m.cyclesSkipped,
		m.salesSynced, m.salesFailed, m.salesEnqueued, m.queuePending, m.queueFrozen,
		m.snapshotTables, m.snapshotRows, m.snapshotDuration, m.storageUsed,
		m.verifyMismatch,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =====================================================
// Scheduler
// =====================================================

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(trigger string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(trigger, result(success)).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// CycleSkipped records a tick that did not run.
func (m *Metrics) CycleSkipped(reason string) {
	if m == nil {
		return
	}
	m.cyclesSkipped.WithLabelValues(reason).Inc()
}

// =====================================================
// Queue
// =====================================================

// SaleEnqueued records a new offline sale.
func (m *Metrics) SaleEnqueued() {
	if m == nil {
		return
	}
	m.salesEnqueued.Inc()
}

// ObserveFlush records the outcome of one flush.
func (m *Metrics) ObserveFlush(synced, failedAttempts int) {
	if m == nil {
		return
	}
	m.salesSynced.Add(float64(synced))
	m.salesFailed.Add(float64(failedAttempts))
}

// SetQueueDepth updates the pending and frozen gauges.
func (m *Metrics) SetQueueDepth(pending, frozen int) {
	if m == nil {
		return
	}
	m.queuePending.Set(float64(pending))
	m.queueFrozen.Set(float64(frozen))
}

// =====================================================
// Snapshot and store
// =====================================================

// ObserveTable records one table download outcome and its resident rows.
func (m *Metrics) ObserveTable(table, status string, residentRows int) {
	if m == nil {
		return
	}
	m.snapshotTables.WithLabelValues(table, status).Inc()
	m.snapshotRows.WithLabelValues(table).Set(float64(residentRows))
}

// ObserveDownload records the duration of a full download.
func (m *Metrics) ObserveDownload(d time.Duration) {
	if m == nil {
		return
	}
	m.snapshotDuration.Observe(d.Seconds())
}

// ResetSnapshot clears per-table row gauges after the snapshot is removed.
func (m *Metrics) ResetSnapshot() {
	if m == nil {
		return
	}
	m.snapshotRows.Reset()
}

// SetStorageUsed updates the store size gauge.
func (m *Metrics) SetStorageUsed(bytes int64) {
	if m == nil {
		return
	}
	m.storageUsed.Set(float64(bytes))
}

// VerificationMismatch records a count mismatch for table.
func (m *Metrics) VerificationMismatch(table string) {
	if m == nil {
		return
	}
	m.verifyMismatch.WithLabelValues(table).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
