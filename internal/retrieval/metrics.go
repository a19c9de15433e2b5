package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetrievalDuration tracks end-to-end retrieval latency including the
	// event write.
	RetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recallguard",
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Time spent serving a retrieval",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	// DegradedTotal counts lexical-only fallbacks for queries that carried
	// an embedding.
	DegradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recallguard",
			Subsystem: "retrieval",
			Name:      "degraded_total",
			Help:      "Total number of retrievals that fell back to lexical-only ranking",
		},
	)
)
