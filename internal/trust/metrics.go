package trust

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts trust operations.
	// Labels: action (flag, review, recompute, audit_match), result (changed, noop, rejected, error)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recallguard",
			Subsystem: "trust",
			Name:      "transitions_total",
			Help:      "Total number of trust operations by action and result",
		},
		[]string{"action", "result"},
	)
)
