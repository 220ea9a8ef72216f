package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the stamp session peer.
// A nil *Metrics disables instrumentation; callers guard accordingly.
type Metrics struct {
	// --- Ledger ---
	EventsApplied       *prometheus.CounterVec // kind
	ProposalsRejected   *prometheus.CounterVec // reason
	DuplicateEvents     prometheus.Counter
	BufferedEvents      prometheus.Gauge
	AppliedSequence     prometheus.Gauge
	HashDivergence      prometheus.Counter
	OptimisticRollbacks prometheus.Counter

	// --- Undo ---
	UndoRequests  prometheus.Counter
	UndoDiscarded prometheus.Counter

	// --- Normalize & cache ---
	DecodeDuration prometheus.Histogram
	DecodeFailures *prometheus.CounterVec // reason
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheBytes     prometheus.Gauge

	// --- Store ---
	StoreLoads  prometheus.Counter
	StoreSaves  prometheus.Counter
	StoreErrors prometheus.Counter

	// --- Transport ---
	PeersConnected  prometheus.Gauge
	BroadcastDrops  prometheus.Counter
	SnapshotsServed prometheus.Counter
	Reconnects      prometheus.Counter

	// --- Feed ---
	FeedPublished    prometheus.Counter
	FeedPublishFails prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics against a specific registerer.
// Tests pass a fresh registry to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stamp_events_applied_total",
			Help: "Confirmed ledger events applied, by kind.",
		}, []string{"kind"}),
		ProposalsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stamp_proposals_rejected_total",
			Help: "Proposals rejected by the authoritative peer, by reason.",
		}, []string{"reason"}),
		DuplicateEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_duplicate_events_total",
			Help: "Confirmed events received more than once and dropped.",
		}),
		BufferedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stamp_buffered_events",
			Help: "Out-of-order confirmed events held for in-order apply.",
		}),
		AppliedSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stamp_applied_sequence",
			Help: "Highest contiguously applied sequence number.",
		}),
		HashDivergence: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_hash_divergence_total",
			Help: "Occupancy hash mismatches against the authoritative chain.",
		}),
		OptimisticRollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_optimistic_rollbacks_total",
			Help: "Optimistic renders rolled back after a rejection.",
		}),
		UndoRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_undo_requests_total",
			Help: "Undo requests issued locally.",
		}),
		UndoDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_undo_discarded_total",
			Help: "Dead undo entries discarded during lazy invalidation.",
		}),
		DecodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stamp_decode_duration_seconds",
			Help:    "Time to normalize a submitted image.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		DecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stamp_decode_failures_total",
			Help: "Normalization failures, by reason.",
		}, []string{"reason"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_cache_hits_total",
			Help: "Asset lookups served from memory.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_cache_misses_total",
			Help: "Asset lookups that left the memory tier.",
		}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_cache_evictions_total",
			Help: "Assets evicted under the decoded-byte budget.",
		}),
		CacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stamp_cache_bytes",
			Help: "Decoded frame bytes resident in memory.",
		}),
		StoreLoads: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_store_loads_total",
			Help: "Assets loaded from the durable store.",
		}),
		StoreSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_store_saves_total",
			Help: "Assets written to the durable store.",
		}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_store_errors_total",
			Help: "Durable store operation failures.",
		}),
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stamp_peers_connected",
			Help: "Peer connections currently open (host role).",
		}),
		BroadcastDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_broadcast_drops_total",
			Help: "Peers dropped for failing to keep up with broadcasts.",
		}),
		SnapshotsServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_snapshots_served_total",
			Help: "Snapshot responses served to resyncing peers.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_reconnects_total",
			Help: "Client reconnect attempts.",
		}),
		FeedPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_feed_published_total",
			Help: "Confirmed events published to the external feed.",
		}),
		FeedPublishFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "stamp_feed_publish_failures_total",
			Help: "External feed publish failures.",
		}),
	}
}
