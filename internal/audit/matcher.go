package audit

import (
	"slices"
	"sort"
	"sync/atomic"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

// Matcher tags single experiences with the phrasing rules of a pattern set.
// Retrieval uses it to annotate every candidate it records. Credential
// rules are left to full scans. Safe for concurrent use.
type Matcher struct {
	set atomic.Pointer[compiledSet]
}

// NewMatcher compiles set.
func NewMatcher(set PatternSet) (*Matcher, error) {
	m := &Matcher{}
	if err := m.Reset(set); err != nil {
		return nil, err
	}
	return m, nil
}

// Reset swaps in a new pattern set. On error the previous set stays active.
func (m *Matcher) Reset(set PatternSet) error {
	cs, err := set.compile()
	if err != nil {
		return err
	}
	m.set.Store(cs)
	return nil
}

// Match returns the sorted ids of the rules exp matches, or nil.
func (m *Matcher) Match(exp *experience.Experience) []string {
	cs := m.set.Load()
	if cs == nil || exp == nil {
		return nil
	}
	ids := cs.match(scanText(exp))
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return slices.Compact(ids)
}
