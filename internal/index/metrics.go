package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IndexedDocuments is the number of documents in the published snapshot.
	IndexedDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recallguard",
			Subsystem: "index",
			Name:      "documents",
			Help:      "Number of documents in the published index snapshot",
		},
	)

	// IndexedVectors is the number of embeddings in the published snapshot.
	IndexedVectors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recallguard",
			Subsystem: "index",
			Name:      "vectors",
			Help:      "Number of embeddings in the published index snapshot",
		},
	)

	// SnapshotVersion is the version of the published snapshot.
	SnapshotVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recallguard",
			Subsystem: "index",
			Name:      "snapshot_version",
			Help:      "Version of the published index snapshot",
		},
	)

	// PendingDocuments is the size of the indexing queue.
	PendingDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recallguard",
			Subsystem: "index",
			Name:      "pending_documents",
			Help:      "Experiences waiting for the next indexing cycle",
		},
	)

	// RebuildsTotal counts full rebuilds.
	// Labels: result (success, error)
	RebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recallguard",
			Subsystem: "index",
			Name:      "rebuilds_total",
			Help:      "Total number of full index rebuilds",
		},
		[]string{"result"},
	)

	// RebuildDuration tracks successful rebuild latency.
	RebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recallguard",
			Subsystem: "index",
			Name:      "rebuild_duration_seconds",
			Help:      "Duration of full index rebuilds in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
