package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts completed and failed scans.
	// Labels: result (success, error, cancelled)
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recallguard",
			Subsystem: "audit",
			Name:      "scans_total",
			Help:      "Total number of audit scans",
		},
		[]string{"result"},
	)

	// MatchesTotal counts rule hits per pattern.
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recallguard",
			Subsystem: "audit",
			Name:      "pattern_matches_total",
			Help:      "Total number of experiences matched, by pattern",
		},
		[]string{"pattern"},
	)

	// ScanDuration tracks scan duration.
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recallguard",
			Subsystem: "audit",
			Name:      "scan_duration_seconds",
			Help:      "Time spent scanning the experience store",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// PatternReloadsTotal counts pattern file reloads.
	// Labels: result (success, error)
	PatternReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recallguard",
			Subsystem: "audit",
			Name:      "pattern_reloads_total",
			Help:      "Total number of pattern file reloads",
		},
		[]string{"result"},
	)
)
