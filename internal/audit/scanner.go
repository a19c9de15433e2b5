package audit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
	"github.com/fyrsmithlabs/recallguard/internal/store"
)

// Lister lists stored experiences.
type Lister interface {
	List(ctx context.Context, f store.Filter) ([]*experience.Experience, error)
}

// Match is one experience that matched at least one rule.
type Match struct {
	ID       string            `json:"id"`
	Patterns []string          `json:"patterns"`
	Source   experience.Source `json:"source"`
}

// Scanner evaluates pattern sets against the store. A scan only reads; it
// never changes trust or source.
type Scanner struct {
	store     Lister
	detectors DetectorFactory
	logger    *zap.Logger
	now       func() time.Time
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithDetectorFactory replaces the gitleaks credential detector.
func WithDetectorFactory(f DetectorFactory) ScannerOption {
	return func(s *Scanner) {
		if f != nil {
			s.detectors = f
		}
	}
}

// WithClock overrides the time source used in match logs.
func WithClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScanner creates a Scanner over st.
func NewScanner(st Lister, logger *zap.Logger, opts ...ScannerOption) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scanner{
		store:     st,
		detectors: NewGitleaksDetector,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan returns every experience matching set, ordered by id with pattern
// ids sorted. Cancellation is checked between records; a cancelled scan
// returns ctx.Err() and logs nothing.
func (s *Scanner) Scan(ctx context.Context, set PatternSet) ([]Match, error) {
	start := time.Now()
	cs, err := set.compile()
	if err != nil {
		ScansTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var creds CredentialDetector
	if cs.credentials {
		creds, err = s.detectors(cs.allowlist)
		if err != nil {
			ScansTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	exps, err := s.store.List(ctx, store.Filter{})
	if err != nil {
		ScansTotal.WithLabelValues(scanResult(err)).Inc()
		return nil, fmt.Errorf("failed to list experiences: %w", err)
	}

	matches := []Match{}
	for _, exp := range exps {
		if err := ctx.Err(); err != nil {
			ScansTotal.WithLabelValues("cancelled").Inc()
			return nil, err
		}
		text := scanText(exp)
		ids := cs.match(text)
		if creds != nil {
			for _, rule := range creds.Detect(text) {
				ids = append(ids, secretPrefix+rule)
			}
		}
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		matches = append(matches, Match{ID: exp.ID, Patterns: slices.Compact(ids), Source: exp.Source})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	at := s.now().UTC()
	for _, m := range matches {
		for _, p := range m.Patterns {
			MatchesTotal.WithLabelValues(p).Inc()
		}
		s.logger.Warn("audit match",
			zap.String("id", m.ID),
			zap.Strings("patterns", m.Patterns),
			zap.String("source", string(m.Source)),
			zap.String("pattern_set", cs.name),
			zap.Time("timestamp", at),
		)
	}

	ScansTotal.WithLabelValues("success").Inc()
	ScanDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("audit scan completed",
		zap.String("pattern_set", cs.name),
		zap.Int("scanned", len(exps)),
		zap.Int("matches", len(matches)),
		zap.Duration("duration", time.Since(start)),
	)
	return matches, nil
}

// scanText joins the fields a rule may match: request, response, action
// and tags.
func scanText(exp *experience.Experience) string {
	parts := make([]string, 0, 3+len(exp.Tags))
	parts = append(parts, exp.RequestText, exp.ResponseText, exp.Action)
	parts = append(parts, exp.Tags...)
	return strings.Join(parts, "\n")
}

func scanResult(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "error"
}
