package trust

import (
	"fmt"
	"math"
	"time"
)

// History is the evidence a DecayPolicy may use to re-derive trust.
type History struct {
	// AuditMatches is the number of audit scans that matched the record.
	AuditMatches int

	// LastMatch is the time of the most recent audit match, zero if none.
	LastMatch time.Time

	// Age is the time since ingestion.
	Age time.Duration
}

// DecayPolicy re-derives a trust level from the base trust of a record's
// source and its audit history. The manager never lets a derived value
// raise trust above the record's current level; only Review does that.
type DecayPolicy interface {
	Derive(base float64, h History) float64
}

// NoDecay keeps trust at the source's base level.
type NoDecay struct{}

// Derive implements DecayPolicy.
func (NoDecay) Derive(base float64, _ History) float64 { return base }

// AuditPenalty lowers trust by Penalty for every audit match, never below Floor.
type AuditPenalty struct {
	Penalty float64 `koanf:"penalty"`
	Floor   float64 `koanf:"floor"`
}

// Derive implements DecayPolicy.
func (p AuditPenalty) Derive(base float64, h History) float64 {
	v := base - p.Penalty*float64(h.AuditMatches)
	return math.Max(v, math.Min(p.Floor, base))
}

// Policy names accepted by PolicyByName.
const (
	PolicyNone         = "none"
	PolicyAuditPenalty = "audit_penalty"
)

// PolicyByName builds a policy from configuration.
func PolicyByName(name string, penalty AuditPenalty) (DecayPolicy, error) {
	switch name {
	case "", PolicyNone:
		return NoDecay{}, nil
	case PolicyAuditPenalty:
		if penalty.Penalty < 0 || penalty.Penalty > 1 {
			return nil, fmt.Errorf("audit penalty must be within [0,1], got %v", penalty.Penalty)
		}
		if penalty.Floor < 0 || penalty.Floor > 1 {
			return nil, fmt.Errorf("audit penalty floor must be within [0,1], got %v", penalty.Floor)
		}
		return penalty, nil
	default:
		return nil, fmt.Errorf("unknown decay policy %q", name)
	}
}
