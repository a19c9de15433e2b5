package experience

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source is the provenance tag of an experience.
type Source string

const (
	// SourceVerified marks experiences from a reviewed, trusted origin.
	SourceVerified Source = "verified"

	// SourceUnverified marks experiences whose origin has not been reviewed.
	// This is the default for ingested records.
	SourceUnverified Source = "unverified"

	// SourceQuarantined marks experiences isolated after an audit flag.
	// Quarantine is terminal: the record is kept but never promoted again.
	SourceQuarantined Source = "quarantined"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceVerified, SourceUnverified, SourceQuarantined:
		return true
	}
	return false
}

// LowTrust reports whether items from this source count towards poisoning exposure.
func (s Source) LowTrust() bool {
	return s == SourceUnverified || s == SourceQuarantined
}

// ParseSource converts a string to a Source. The empty string maps to SourceUnverified.
func ParseSource(s string) (Source, error) {
	if s == "" {
		return SourceUnverified, nil
	}
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	if !src.Valid() {
		return "", invalid("source", "unknown source %q", s)
	}
	return src, nil
}

// Experience is a stored record of a past task, the action taken and its
// claimed outcome.
//
// OutcomeOK and Score are caller assertions and never influence trust.
// TrustLevel is owned by the trust manager.
type Experience struct {
	ID           string    `json:"id"`
	RequestText  string    `json:"request_text"`
	ResponseText string    `json:"response_text"`
	Action       string    `json:"action,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	OutcomeOK    bool      `json:"outcome_ok"`
	Score        float64   `json:"score"`
	Source       Source    `json:"source"`
	TrustLevel   float64   `json:"trust_level"`
	Embedding    []float32 `json:"embedding,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	// QuarantineReason and QuarantinedAt are set when the record is flagged.
	QuarantineReason string     `json:"quarantine_reason,omitempty"`
	QuarantinedAt    *time.Time `json:"quarantined_at,omitempty"`
}

// Input is a caller-supplied record for ingestion. Empty ID means one is
// assigned, empty Source means unverified.
type Input struct {
	ID           string    `json:"id,omitempty"`
	RequestText  string    `json:"request_text"`
	ResponseText string    `json:"response_text"`
	Action       string    `json:"action,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	OutcomeOK    bool      `json:"outcome_ok"`
	Score        float64   `json:"score"`
	Source       Source    `json:"source,omitempty"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// New builds an Experience from an Input. Trust is left at zero for the
// trust manager to assign.
func New(in Input, now time.Time) (*Experience, error) {
	src, err := ParseSource(string(in.Source))
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.New().String()
	}
	exp := &Experience{
		ID:           id,
		RequestText:  in.RequestText,
		ResponseText: in.ResponseText,
		Action:       in.Action,
		Tags:         append([]string(nil), in.Tags...),
		OutcomeOK:    in.OutcomeOK,
		Score:        in.Score,
		Source:       src,
		Embedding:    append([]float32(nil), in.Embedding...),
		CreatedAt:    now.UTC(),
	}
	if len(exp.Embedding) == 0 {
		exp.Embedding = nil
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return exp, nil
}

// Validate checks field ranges. Out-of-range values are rejected, never clamped.
func (e *Experience) Validate() error {
	if e.ID == "" {
		return invalid("id", "must not be empty")
	}
	if len(e.ID) > 128 {
		return invalid("id", "longer than 128 characters")
	}
	if strings.TrimSpace(e.RequestText) == "" && strings.TrimSpace(e.ResponseText) == "" && strings.TrimSpace(e.Action) == "" {
		return invalid("request_text", "experience has no text content")
	}
	if err := checkUnit("score", e.Score); err != nil {
		return err
	}
	if err := checkUnit("trust_level", e.TrustLevel); err != nil {
		return err
	}
	if !e.Source.Valid() {
		return invalid("source", "unknown source %q", e.Source)
	}
	var norm float64
	for i, v := range e.Embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return invalid("embedding", "component %d is not finite", i)
		}
		norm += f * f
	}
	if len(e.Embedding) > 0 && norm == 0 {
		return invalid("embedding", "zero vector has no direction")
	}
	return nil
}

// Text returns the content used for lexical indexing and auditing.
func (e *Experience) Text() string {
	parts := make([]string, 0, 3+len(e.Tags))
	for _, p := range []string{e.RequestText, e.ResponseText, e.Action} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, e.Tags...)
	return strings.Join(parts, "\n")
}

// Clone returns a deep copy.
func (e *Experience) Clone() *Experience {
	if e == nil {
		return nil
	}
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	if len(c.Tags) == 0 {
		c.Tags = nil
	}
	if e.Embedding != nil {
		c.Embedding = append([]float32(nil), e.Embedding...)
	}
	if e.QuarantinedAt != nil {
		t := *e.QuarantinedAt
		c.QuarantinedAt = &t
	}
	return &c
}

// CheckUnit validates that v lies in [0,1].
func CheckUnit(field string, v float64) error {
	return checkUnit(field, v)
}

func checkUnit(field string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return invalid(field, "must be within [0,1], got %v", v)
	}
	return nil
}
