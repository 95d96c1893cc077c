package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the node.
type Metrics struct {
	// --- Sequencing core ---
	QuantaProcessed  *prometheus.CounterVec
	RequestsRejected *prometheus.CounterVec
	QuantumDuration  *prometheus.HistogramVec
	TradesExecuted   prometheus.Counter
	CurrentApex      prometheus.Gauge
	Divergences      prometheus.Counter

	// --- Consensus ---
	QuantaPending   prometheus.Gauge
	QuantaFinalized prometheus.Counter
	NodeStatus      prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ResultDrops        prometheus.Counter

	// --- Ingestion ---
	IngestRequests    *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec

	// --- Peer links ---
	PeersConnected  prometheus.Gauge
	PeerSyncQuanta  prometheus.Counter
	PeerReconnects  *prometheus.CounterVec
	AttestationsIn  prometheus.Counter
	AttestationsOut prometheus.Counter

	// --- Persistence ---
	PersistQuantaWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastApex      prometheus.Gauge

	// --- Snapshot & recovery ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastApex  prometheus.Gauge
	ReplayQuantaTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		QuantaProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quanta_processed_total",
			Help: "Quanta applied to the ledger",
		}, []string{"kind"}),

		RequestsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quanta_requests_rejected_total",
			Help: "Requests rejected during validation or effect production",
		}, []string{"kind"}),

		QuantumDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quanta_quantum_duration_seconds",
			Help:    "Time to validate and sequence one request",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		TradesExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quanta_trades_executed_total",
			Help: "Matches settled",
		}),

		CurrentApex: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "quanta_current_apex",
			Help: "Apex of the last processed quantum",
		}),

		Divergences: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quanta_divergences_total",
			Help: "Replay hash mismatches detected",
		}),

		QuantaPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "quanta_pending",
			Help: "Quanta awaiting majority signatures",
		}),

		QuantaFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quanta_finalized_total",
			Help: "Quanta that reached majority",
		}),

		NodeStatus: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "quanta_node_status",
			Help: "Node state machine position (numeric)",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quanta_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quanta_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quanta_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ResultDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quanta_result_drops_total",
			Help: "Client results dropped due to full channel",
		}),

		IngestRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quanta_ingest_requests_total",
			Help: "Requests received from NATS",
		}, []string{"subject"}),

		IngestParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quanta_ingest_parse_errors_total",
			Help: "Malformed inbound requests",
		}, []string{"subject"}),

		PeersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "quanta_peers_connected",
			Help: "Live peer links",
		}),

		PeerSyncQuanta: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quanta_peer_sync_quanta_total",
			Help: "Quanta fetched during catch-up sync",
		}),

		PeerReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quanta_peer_reconnects_total",
			Help: "Peer link reconnect attempts",
		}, []string{"peer"}),

		AttestationsIn: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quanta_attestations_received_total",
			Help: "Auditor attestations received",
		}),

		AttestationsOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quanta_attestations_sent_total",
			Help: "Attestations sent to the alpha",
		}),

		PersistQuantaWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quanta_persist_written_total",
			Help: "Quanta written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "quanta_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "quanta_persist_batch_size",
			Help:    "Quanta per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quanta_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quanta_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastApex: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "quanta_persist_last_apex",
			Help: "Last persisted apex",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quanta_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "quanta_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastApex: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "quanta_snapshot_last_apex",
			Help: "Apex of last snapshot",
		}),

		ReplayQuantaTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quanta_replay_total",
			Help: "Quanta replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "quanta_replay_duration_seconds",
			Help: "Total replay time",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
