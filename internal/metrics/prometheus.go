package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the node
type Metrics struct {
	// Client operation metrics
	RequestsTotal   prometheus.CounterVec
	RequestDuration prometheus.Histogram
	RequestBytes    prometheus.Histogram
	ErrorsTotal     prometheus.CounterVec

	// Quorum metrics
	QuorumWritesTotal  prometheus.CounterVec
	QuorumReadsTotal   prometheus.CounterVec
	ReadRepairsTotal   prometheus.Counter
	HintsStoredTotal   prometheus.Counter
	HintsReplayedTotal prometheus.Counter
	HintsPendingTotal  prometheus.Gauge

	// WAL metrics
	WalAppendsTotal   prometheus.Counter
	WalAppendDuration prometheus.Histogram
	WalSyncsTotal     prometheus.Counter
	WalSyncDuration   prometheus.Histogram

	// Snapshot metrics
	SnapshotsTotal   prometheus.Counter
	SnapshotDuration prometheus.Histogram

	// Store metrics
	StoreEntriesTotal prometheus.Gauge

	// Gossip metrics
	GossipMembersTotal   prometheus.Gauge
	GossipMembersHealthy prometheus.Gauge

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		RequestsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dkvs",
			Subsystem:   "server",
			Name:        "requests_total",
			Help:        "Total number of parsed client requests by command",
			ConstLabels: labels,
		}, []string{"command"}),
		RequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dkvs",
			Subsystem:   "server",
			Name:        "request_duration_seconds",
			Help:        "Histogram of request handling durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		RequestBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dkvs",
			Subsystem:   "server",
			Name:        "request_bytes",
			Help:        "Histogram of request frame sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(64, 2, 10),
		}),
		ErrorsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dkvs",
			Subsystem:   "server",
			Name:        "errors_total",
			Help:        "Total number of error responses by token",
			ConstLabels: labels,
		}, []string{"token"}),

		QuorumWritesTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dkvs",
			Subsystem:   "coordinator",
			Name:        "quorum_writes_total",
			Help:        "Total number of quorum writes by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		QuorumReadsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dkvs",
			Subsystem:   "coordinator",
			Name:        "quorum_reads_total",
			Help:        "Total number of quorum reads by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ReadRepairsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "dkvs",
			Subsystem:   "coordinator",
			Name:        "read_repairs_total",
			Help:        "Total number of read repair writes issued",
			ConstLabels: labels,
		}),
		HintsStoredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "dkvs",
			Subsystem:   "hints",
			Name:        "stored_total",
			Help:        "Total number of hints stored for unreachable replicas",
			ConstLabels: labels,
		}),
		HintsReplayedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "dkvs",
			Subsystem:   "hints",
			Name:        "replayed_total",
			Help:        "Total number of hints successfully replayed",
			ConstLabels: labels,
		}),
		HintsPendingTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dkvs",
			Subsystem:   "hints",
			Name:        "pending_total",
			Help:        "Current number of pending hints across all targets",
			ConstLabels: labels,
		}),

		WalAppendsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "dkvs",
			Subsystem:   "wal",
			Name:        "appends_total",
			Help:        "Total number of WAL appends",
			ConstLabels: labels,
		}),
		WalAppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dkvs",
			Subsystem:   "wal",
			Name:        "append_duration_seconds",
			Help:        "Histogram of WAL append durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		WalSyncsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "dkvs",
			Subsystem:   "wal",
			Name:        "syncs_total",
			Help:        "Total number of WAL fsyncs",
			ConstLabels: labels,
		}),
		WalSyncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dkvs",
			Subsystem:   "wal",
			Name:        "sync_duration_seconds",
			Help:        "Histogram of WAL fsync durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		SnapshotsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "dkvs",
			Subsystem:   "snapshot",
			Name:        "saved_total",
			Help:        "Total number of snapshots written",
			ConstLabels: labels,
		}),
		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dkvs",
			Subsystem:   "snapshot",
			Name:        "save_duration_seconds",
			Help:        "Histogram of snapshot write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		StoreEntriesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dkvs",
			Subsystem:   "store",
			Name:        "entries_total",
			Help:        "Current number of store entries including tombstones",
			ConstLabels: labels,
		}),

		GossipMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dkvs",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Total number of gossip members",
			ConstLabels: labels,
		}),
		GossipMembersHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dkvs",
			Subsystem:   "gossip",
			Name:        "members_healthy",
			Help:        "Number of healthy gossip members",
			ConstLabels: labels,
		}),

		MemoryUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dkvs",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dkvs",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordRequest records a handled request
func (m *Metrics) RecordRequest(command string, duration float64, bytes int) {
	m.RequestsTotal.WithLabelValues(command).Inc()
	m.RequestDuration.Observe(duration)
	m.RequestBytes.Observe(float64(bytes))
}

// RecordError records an error response by wire token
func (m *Metrics) RecordError(token string) {
	m.ErrorsTotal.WithLabelValues(token).Inc()
}

// RecordQuorumWrite records a quorum write outcome
func (m *Metrics) RecordQuorumWrite(success bool) {
	if success {
		m.QuorumWritesTotal.WithLabelValues("success").Inc()
	} else {
		m.QuorumWritesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordQuorumRead records a quorum read outcome
func (m *Metrics) RecordQuorumRead(outcome string) {
	m.QuorumReadsTotal.WithLabelValues(outcome).Inc()
}

// RecordWalAppend records a WAL append
func (m *Metrics) RecordWalAppend(duration float64) {
	m.WalAppendsTotal.Inc()
	m.WalAppendDuration.Observe(duration)
}

// RecordWalSync records a WAL fsync
func (m *Metrics) RecordWalSync(duration float64) {
	m.WalSyncsTotal.Inc()
	m.WalSyncDuration.Observe(duration)
}

// RecordSnapshot records a snapshot save
func (m *Metrics) RecordSnapshot(duration float64) {
	m.SnapshotsTotal.Inc()
	m.SnapshotDuration.Observe(duration)
}

// UpdateGossipStats updates gossip membership gauges
func (m *Metrics) UpdateGossipStats(total, healthy int) {
	m.GossipMembersTotal.Set(float64(total))
	m.GossipMembersHealthy.Set(float64(healthy))
}

// UpdateSystemStats updates system-level gauges
func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int) {
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
