package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal counts recorded retrieval events.
	EventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recallguard",
			Subsystem: "monitor",
			Name:      "retrieval_events_total",
			Help:      "Total number of recorded retrieval events",
		},
	)

	// ReturnedItemsTotal counts returned items.
	// Labels: source (verified, unverified, quarantined)
	ReturnedItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recallguard",
			Subsystem: "monitor",
			Name:      "returned_items_total",
			Help:      "Total number of experiences returned by retrievals, by source",
		},
		[]string{"source"},
	)

	// FilteredItemsTotal counts candidates dropped by trust filtering.
	FilteredItemsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recallguard",
			Subsystem: "monitor",
			Name:      "filtered_items_total",
			Help:      "Total number of candidates dropped for insufficient trust",
		},
	)

	// PoisonRate is the all-time poison rate from the last summary.
	PoisonRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recallguard",
			Subsystem: "monitor",
			Name:      "poison_rate",
			Help:      "Fraction of returned experiences with unverified or quarantined source",
		},
	)
)

func observe(ev *Event) {
	EventsTotal.Inc()
	for _, it := range ev.Items {
		if it.Filtered {
			FilteredItemsTotal.Inc()
			continue
		}
		ReturnedItemsTotal.WithLabelValues(string(it.Source)).Inc()
	}
}
