package monitor

import (
	"math"
	"time"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

// FilterBelowMinTrust tags candidates dropped for trust_level < min_trust.
const FilterBelowMinTrust = "below_min_trust"

// Item is one candidate considered by a retrieval.
type Item struct {
	ExperienceID string            `json:"experience_id"`
	Score        float64           `json:"blended_score"`
	Source       experience.Source `json:"source"`
	TrustLevel   float64           `json:"trust_level"`

	// Rank is the 0-based position in the returned list, -1 when filtered.
	Rank         int    `json:"rank"`
	Filtered     bool   `json:"filtered"`
	FilterReason string `json:"filter_reason,omitempty"`

	// Indicators are the audit rule ids the experience matched when it was
	// retrieved.
	Indicators []string `json:"indicators,omitempty"`
}

// Event is an append-only record of one retrieval. It is never mutated
// after Record.
type Event struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Query           string    `json:"query"`
	K               int       `json:"k"`
	MinTrust        float64   `json:"min_trust"`
	HasEmbedding    bool      `json:"has_embedding"`
	Degraded        bool      `json:"degraded"`
	SnapshotVersion uint64    `json:"snapshot_version"`
	Items           []Item    `json:"items"`
}

// Returned returns the items handed back to the caller, in rank order.
func (e *Event) Returned() []Item {
	var out []Item
	for _, it := range e.Items {
		if !it.Filtered {
			out = append(out, it)
		}
	}
	return out
}

// Filtered returns the items dropped by trust filtering.
func (e *Event) Filtered() []Item {
	var out []Item
	for _, it := range e.Items {
		if it.Filtered {
			out = append(out, it)
		}
	}
	return out
}

// Window is a half-open time range [From, To). A zero bound is unbounded.
type Window struct {
	From time.Time
	To   time.Time
}

// All is the unbounded window.
var All = Window{}

func (w Window) bounds() (int64, int64) {
	from, to := int64(math.MinInt64), int64(math.MaxInt64)
	if !w.From.IsZero() {
		from = w.From.UnixNano()
	}
	if !w.To.IsZero() {
		to = w.To.UnixNano()
	}
	return from, to
}

// QueryStat aggregates retrievals for one query string.
type QueryStat struct {
	Query      string  `json:"query"`
	Count      int     `json:"count"`
	Returned   int     `json:"returned"`
	Poisoned   int     `json:"poisoned"`
	PoisonRate float64 `json:"poison_rate"`
}

// Summary is the monitoring overview exposed to dashboards.
type Summary struct {
	TotalEvents      int                       `json:"total_events"`
	TotalReturned    int                       `json:"total_returned"`
	TotalFiltered    int                       `json:"total_filtered"`
	PoisonRate       float64                   `json:"poison_rate"`
	TopQueries       []QueryStat               `json:"top_queries"`
	ReturnedBySource map[experience.Source]int `json:"returned_by_source"`
}
