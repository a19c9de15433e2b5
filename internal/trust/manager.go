package trust

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
	"github.com/fyrsmithlabs/recallguard/internal/store"
)

// Store is the persistence the manager needs. Trust state is read from and
// written to the store on every call; the manager holds no cache.
type Store interface {
	Get(ctx context.Context, id string) (*experience.Experience, error)
	Update(ctx context.Context, id string, fn store.UpdateFunc) (*experience.Experience, error)
	AppendAudit(ctx context.Context, e store.AuditEntry) error
	AuditMatchStats(ctx context.Context, id string) (store.AuditStats, error)
}

// InitialTrust maps each source to the trust level assigned at ingestion.
type InitialTrust struct {
	Verified    float64 `koanf:"verified"`
	Unverified  float64 `koanf:"unverified"`
	Quarantined float64 `koanf:"quarantined"`
}

// DefaultInitialTrust returns verified 1.0, unverified 0.5, quarantined 0.0.
func DefaultInitialTrust() InitialTrust {
	return InitialTrust{Verified: 1.0, Unverified: 0.5, Quarantined: 0.0}
}

// Validate requires values in [0,1] ordered quarantined <= unverified <= verified.
func (t InitialTrust) Validate() error {
	for field, v := range map[string]float64{
		"trust.initial.verified":    t.Verified,
		"trust.initial.unverified":  t.Unverified,
		"trust.initial.quarantined": t.Quarantined,
	} {
		if err := experience.CheckUnit(field, v); err != nil {
			return err
		}
	}
	if t.Quarantined > t.Unverified || t.Unverified > t.Verified {
		return &experience.ValidationError{
			Field:  "trust.initial",
			Reason: "levels must satisfy quarantined <= unverified <= verified",
		}
	}
	return nil
}

// For returns the base trust of src.
func (t InitialTrust) For(src experience.Source) float64 {
	switch src {
	case experience.SourceVerified:
		return t.Verified
	case experience.SourceQuarantined:
		return t.Quarantined
	default:
		return t.Unverified
	}
}

// Manager assigns and enforces trust levels.
type Manager struct {
	store   Store
	initial InitialTrust
	policy  DecayPolicy
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithInitialTrust overrides the source to trust mapping.
func WithInitialTrust(t InitialTrust) Option {
	return func(m *Manager) { m.initial = t }
}

// WithDecayPolicy sets the policy used by Recompute.
func WithDecayPolicy(p DecayPolicy) Option {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a trust manager over st.
func NewManager(st Store, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:   st,
		initial: DefaultInitialTrust(),
		policy:  NoDecay{},
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.initial.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// AssignInitialTrust returns the trust level implied by src.
func (m *Manager) AssignInitialTrust(src experience.Source) float64 {
	return m.initial.For(src)
}

// Assign sets exp.TrustLevel from its source before the record is stored.
func (m *Manager) Assign(exp *experience.Experience) {
	exp.TrustLevel = m.AssignInitialTrust(exp.Source)
}

// TrustLevel reads the current trust level of id.
func (m *Manager) TrustLevel(ctx context.Context, id string) (float64, error) {
	exp, err := m.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return exp.TrustLevel, nil
}

// Flag quarantines id: source becomes quarantined and trust drops to the
// quarantined base. The reason and timestamp are persisted and logged.
// Flagging an already quarantined record is a no-op.
func (m *Manager) Flag(ctx context.Context, id, reason string) (*experience.Experience, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &experience.ValidationError{Field: "reason", Reason: "flag requires a reason"}
	}

	var from experience.Source
	at := m.now().UTC()
	exp, err := m.store.Update(ctx, id, func(exp *experience.Experience) (*store.AuditEntry, error) {
		if exp.Source == experience.SourceQuarantined {
			return nil, nil
		}
		from = exp.Source
		entry := &store.AuditEntry{
			Action:     store.ActionFlag,
			FromSource: exp.Source,
			FromTrust:  exp.TrustLevel,
			ToSource:   experience.SourceQuarantined,
			ToTrust:    m.initial.Quarantined,
			Reason:     reason,
			At:         at,
		}
		exp.Source = experience.SourceQuarantined
		exp.TrustLevel = m.initial.Quarantined
		exp.QuarantineReason = reason
		exp.QuarantinedAt = &at
		return entry, nil
	})
	if err != nil {
		TransitionsTotal.WithLabelValues("flag", "error").Inc()
		return nil, fmt.Errorf("flag %s: %w", id, err)
	}

	if from == "" {
		TransitionsTotal.WithLabelValues("flag", "noop").Inc()
		m.logger.Debug("experience already quarantined", zap.String("id", id))
		return exp, nil
	}
	TransitionsTotal.WithLabelValues("flag", "changed").Inc()
	m.logger.Warn("experience quarantined",
		zap.String("id", id),
		zap.String("from_source", string(from)),
		zap.String("reason", reason),
		zap.Time("at", at),
	)
	return exp, nil
}

// Review promotes an unverified record to verified. It is the only path
// that raises trust. Reviewing a quarantined record fails with
// experience.ErrInvalidTransition; reviewing a verified record is a no-op.
func (m *Manager) Review(ctx context.Context, id, reviewer string) (*experience.Experience, error) {
	var changed bool
	at := m.now().UTC()
	exp, err := m.store.Update(ctx, id, func(exp *experience.Experience) (*store.AuditEntry, error) {
		switch exp.Source {
		case experience.SourceQuarantined:
			return nil, fmt.Errorf("review of quarantined experience: %w", experience.ErrInvalidTransition)
		case experience.SourceVerified:
			return nil, nil
		}
		changed = true
		entry := &store.AuditEntry{
			Action:     store.ActionReview,
			FromSource: exp.Source,
			FromTrust:  exp.TrustLevel,
			ToSource:   experience.SourceVerified,
			ToTrust:    m.initial.Verified,
			Reason:     reviewReason(reviewer),
			At:         at,
		}
		exp.Source = experience.SourceVerified
		exp.TrustLevel = m.initial.Verified
		return entry, nil
	})
	if err != nil {
		result := "error"
		if isInvalidTransition(err) {
			result = "rejected"
		}
		TransitionsTotal.WithLabelValues("review", result).Inc()
		return nil, fmt.Errorf("review %s: %w", id, err)
	}

	if !changed {
		TransitionsTotal.WithLabelValues("review", "noop").Inc()
		return exp, nil
	}
	TransitionsTotal.WithLabelValues("review", "changed").Inc()
	m.logger.Info("experience verified",
		zap.String("id", id),
		zap.String("reviewer", reviewer),
		zap.Time("at", at),
	)
	return exp, nil
}

// Recompute re-derives trust with the decay policy. The new level is the
// minimum of the current level and the derived one, so trust never rises
// here.
func (m *Manager) Recompute(ctx context.Context, id string) (*experience.Experience, error) {
	stats, err := m.store.AuditMatchStats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("recompute %s: %w", id, err)
	}

	now := m.now().UTC()
	var changed bool
	exp, err := m.store.Update(ctx, id, func(exp *experience.Experience) (*store.AuditEntry, error) {
		derived := m.policy.Derive(m.initial.For(exp.Source), History{
			AuditMatches: stats.Matches,
			LastMatch:    stats.LastMatch,
			Age:          now.Sub(exp.CreatedAt),
		})
		if math.IsNaN(derived) || derived < 0 || derived > 1 {
			return nil, &experience.ValidationError{
				Field:  "trust_level",
				Reason: fmt.Sprintf("decay policy derived %v outside [0,1]", derived),
			}
		}
		next := math.Min(exp.TrustLevel, derived)
		if next == exp.TrustLevel {
			return nil, nil
		}
		entry := &store.AuditEntry{
			Action:     store.ActionRecompute,
			FromSource: exp.Source,
			ToSource:   exp.Source,
			FromTrust:  exp.TrustLevel,
			ToTrust:    next,
			Reason:     fmt.Sprintf("%d audit matches", stats.Matches),
			At:         now,
		}
		exp.TrustLevel = next
		changed = true
		return entry, nil
	})
	if err != nil {
		TransitionsTotal.WithLabelValues("recompute", "error").Inc()
		return nil, fmt.Errorf("recompute %s: %w", id, err)
	}
	if !changed {
		TransitionsTotal.WithLabelValues("recompute", "noop").Inc()
		return exp, nil
	}
	TransitionsTotal.WithLabelValues("recompute", "changed").Inc()
	m.logger.Info("trust recomputed",
		zap.String("id", id),
		zap.Float64("trust_level", exp.TrustLevel),
		zap.Int("audit_matches", stats.Matches),
	)
	return exp, nil
}

// NoteAuditMatch records that an audit scan matched id and re-derives its
// trust. The source is left unchanged; quarantine is always an explicit Flag.
func (m *Manager) NoteAuditMatch(ctx context.Context, id string, patterns []string) (*experience.Experience, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	at := m.now().UTC()
	reason := strings.Join(patterns, ",")
	if err := m.store.AppendAudit(ctx, store.AuditEntry{
		ExperienceID: id,
		Action:       store.ActionAuditMatch,
		FromSource:   current.Source,
		ToSource:     current.Source,
		FromTrust:    current.TrustLevel,
		ToTrust:      current.TrustLevel,
		Reason:       reason,
		At:           at,
	}); err != nil {
		TransitionsTotal.WithLabelValues("audit_match", "error").Inc()
		return nil, err
	}
	TransitionsTotal.WithLabelValues("audit_match", "changed").Inc()
	m.logger.Warn("audit match recorded",
		zap.String("id", id),
		zap.Strings("patterns", patterns),
		zap.Time("at", at),
	)
	return m.Recompute(ctx, id)
}

func isInvalidTransition(err error) bool {
	return errors.Is(err, experience.ErrInvalidTransition)
}

func reviewReason(reviewer string) string {
	if reviewer == "" {
		return "explicit review"
	}
	return "explicit review by " + reviewer
}
