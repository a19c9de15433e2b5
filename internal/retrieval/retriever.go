// Package retrieval ranks indexed experiences for a query.
//
// A retrieval runs entirely against one index snapshot. Lexical and vector
// candidates are fetched in parallel, normalized within their own candidate
// set and blended. Current trust is read from the store for every
// candidate, and candidates below the caller's minimum trust are removed
// before the result is truncated to k.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
	"github.com/fyrsmithlabs/recallguard/internal/index"
	"github.com/fyrsmithlabs/recallguard/internal/monitor"
)

// Snapshots provides the index snapshot a retrieval runs against.
type Snapshots interface {
	Current() *index.Snapshot
}

// Store loads current experience records.
type Store interface {
	GetMany(ctx context.Context, ids []string) (map[string]*experience.Experience, error)
}

// Recorder persists retrieval events.
type Recorder interface {
	Record(ctx context.Context, ev *monitor.Event) (*monitor.Event, error)
}

// Tagger reports content indicators for an experience, such as the audit
// rules it matches.
type Tagger interface {
	Match(exp *experience.Experience) []string
}

// Config holds blending parameters.
type Config struct {
	LexicalWeight float64 `koanf:"lexical_weight"`
	VectorWeight  float64 `koanf:"vector_weight"`

	// Headroom multiplies k to size each candidate list.
	Headroom int `koanf:"headroom"`
}

// DefaultConfig returns equal weights and a headroom of 4.
func DefaultConfig() Config {
	return Config{LexicalWeight: 0.5, VectorWeight: 0.5, Headroom: 4}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.LexicalWeight < 0 || c.VectorWeight < 0 {
		return &experience.ValidationError{Field: "retrieval.weights", Reason: "weights must be non-negative"}
	}
	if c.LexicalWeight+c.VectorWeight == 0 {
		return &experience.ValidationError{Field: "retrieval.weights", Reason: "at least one weight must be positive"}
	}
	if c.Headroom < 1 {
		return &experience.ValidationError{Field: "retrieval.headroom", Reason: "must be at least 1"}
	}
	return nil
}

// Query is a retrieval request.
type Query struct {
	Text      string    `json:"query"`
	Embedding []float32 `json:"embedding,omitempty"`
	K         int       `json:"k"`
	MinTrust  float64   `json:"min_trust"`
}

// Validate checks k, min_trust and that the query carries some signal.
func (q Query) Validate() error {
	if q.K < 1 {
		return &experience.ValidationError{Field: "k", Reason: "must be at least 1"}
	}
	if err := experience.CheckUnit("min_trust", q.MinTrust); err != nil {
		return err
	}
	if strings.TrimSpace(q.Text) == "" && len(q.Embedding) == 0 {
		return &experience.ValidationError{Field: "query", Reason: "text or embedding is required"}
	}
	return nil
}

// Result is one ranked experience.
type Result struct {
	Experience *experience.Experience `json:"experience"`
	Score      float64                `json:"score"`
	Lexical    float64                `json:"lexical_score"`
	Vector     float64                `json:"vector_score"`
}

// Response is the outcome of a retrieval.
type Response struct {
	Results         []Result `json:"results"`
	EventID         string   `json:"event_id"`
	Degraded        bool     `json:"degraded"`
	SnapshotVersion uint64   `json:"snapshot_version"`
}

// Retriever executes queries. It is safe for concurrent use.
type Retriever struct {
	index    Snapshots
	store    Store
	recorder Recorder
	cfg      Config
	logger   *zap.Logger
	tagger   Tagger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithTagger annotates every recorded candidate with t's indicators.
func WithTagger(t Tagger) Option {
	return func(r *Retriever) { r.tagger = t }
}

// New creates a Retriever.
func New(ix Snapshots, st Store, rec Recorder, cfg Config, logger *zap.Logger, opts ...Option) (*Retriever, error) {
	if ix == nil || st == nil || rec == nil {
		return nil, fmt.Errorf("index, store and recorder are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retriever{index: ix, store: st, recorder: rec, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type candidate struct {
	id      string
	lexical float64
	vector  float64
	score   float64
	exp     *experience.Experience
}

// Retrieve returns up to q.K experiences ranked by blended score, excluding
// every candidate whose current trust is below q.MinTrust. Exactly one
// event is recorded per successful retrieval.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*Response, error) {
	ctx, span := otel.Tracer("recallguard.retrieval").Start(ctx, "Retriever.Retrieve")
	defer span.End()
	start := time.Now()

	if err := q.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid query")
		return nil, err
	}

	snap := r.index.Current()
	hasText := len(index.Tokenize(q.Text)) > 0
	useVector := len(q.Embedding) > 0 && snap.HasVectors()
	degraded := len(q.Embedding) > 0 && !snap.HasVectors()
	wl, wv := r.weights(hasText, len(q.Embedding) > 0, useVector)

	span.SetAttributes(
		attribute.Int("k", q.K),
		attribute.Float64("min_trust", q.MinTrust),
		attribute.Bool("degraded", degraded),
		attribute.Int64("snapshot_version", int64(snap.Version())),
	)

	pool := r.cfg.Headroom * q.K
	var (
		kept, dropped []*candidate
		lexN, vecN    int
	)
	for {
		lex, vec, err := r.candidates(ctx, snap, q, hasText, useVector, pool)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "candidate fetch failed")
			return nil, err
		}
		lexN, vecN = len(lex), len(vec)

		cands := blend(lex, vec, wl, wv)
		kept, dropped, err = r.filter(ctx, cands, q.MinTrust)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "trust lookup failed")
			return nil, err
		}

		exhausted := lexN < pool && vecN < pool
		if len(kept) >= q.K || exhausted || pool >= snap.Len() {
			break
		}
		pool *= 2
	}

	rank(kept)
	if len(kept) > q.K {
		kept = kept[:q.K]
	}
	rank(dropped)

	resp := &Response{
		Results:         make([]Result, len(kept)),
		Degraded:        degraded,
		SnapshotVersion: snap.Version(),
	}
	ev := &monitor.Event{
		Query:           q.Text,
		K:               q.K,
		MinTrust:        q.MinTrust,
		HasEmbedding:    len(q.Embedding) > 0,
		Degraded:        degraded,
		SnapshotVersion: snap.Version(),
		Items:           make([]monitor.Item, 0, len(kept)+len(dropped)),
	}
	for i, c := range kept {
		resp.Results[i] = Result{Experience: c.exp, Score: c.score, Lexical: c.lexical, Vector: c.vector}
		ev.Items = append(ev.Items, monitor.Item{
			ExperienceID: c.id,
			Score:        c.score,
			Source:       c.exp.Source,
			TrustLevel:   c.exp.TrustLevel,
			Rank:         i,
			Indicators:   r.indicators(c.exp),
		})
	}
	for _, c := range dropped {
		ev.Items = append(ev.Items, monitor.Item{
			ExperienceID: c.id,
			Score:        c.score,
			Source:       c.exp.Source,
			TrustLevel:   c.exp.TrustLevel,
			Rank:         -1,
			Filtered:     true,
			FilterReason: monitor.FilterBelowMinTrust,
			Indicators:   r.indicators(c.exp),
		})
	}

	stored, err := r.recorder.Record(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		return nil, fmt.Errorf("failed to record retrieval: %w", err)
	}
	resp.EventID = stored.ID

	RetrievalDuration.Observe(time.Since(start).Seconds())
	if degraded {
		DegradedTotal.Inc()
	}
	span.SetAttributes(
		attribute.Int("candidates.lexical", lexN),
		attribute.Int("candidates.vector", vecN),
		attribute.Int("results", len(resp.Results)),
		attribute.Int("filtered", len(dropped)),
	)
	span.SetStatus(codes.Ok, "retrieved")

	r.logger.Debug("retrieval complete",
		zap.String("event_id", resp.EventID),
		zap.Int("k", q.K),
		zap.Float64("min_trust", q.MinTrust),
		zap.Int("returned", len(resp.Results)),
		zap.Int("filtered", len(dropped)),
		zap.Bool("degraded", degraded),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

// weights picks the blend for the signals this query can use.
func (r *Retriever) weights(hasText, hasEmbedding, useVector bool) (float64, float64) {
	switch {
	case !useVector:
		return 1, 0
	case hasEmbedding && !hasText:
		return 0, 1
	}
	sum := r.cfg.LexicalWeight + r.cfg.VectorWeight
	return r.cfg.LexicalWeight / sum, r.cfg.VectorWeight / sum
}

func (r *Retriever) candidates(ctx context.Context, snap *index.Snapshot, q Query, hasText, useVector bool, pool int) ([]index.Hit, []index.Hit, error) {
	var lex, vec []index.Hit
	g, gctx := errgroup.WithContext(ctx)
	if hasText {
		g.Go(func() error {
			lex = snap.SearchLexical(q.Text, pool)
			return nil
		})
	}
	if useVector {
		g.Go(func() error {
			hits, err := vectorCandidates(gctx, snap, q.Embedding, pool)
			if err != nil {
				return err
			}
			vec = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, experience.ErrIndexUnavailable) {
			return lex, nil, nil
		}
		return nil, nil, err
	}
	return lex, vec, nil
}

func vectorCandidates(ctx context.Context, snap *index.Snapshot, emb []float32, pool int) ([]index.Hit, error) {
	if !snap.HasVectors() {
		return nil, experience.ErrIndexUnavailable
	}
	hits, err := snap.SearchVector(ctx, emb, pool)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return hits, nil
}

// blend normalizes each component by its set maximum and combines them.
func blend(lex, vec []index.Hit, wl, wv float64) []*candidate {
	byID := make(map[string]*candidate, len(lex)+len(vec))
	get := func(id string) *candidate {
		c, ok := byID[id]
		if !ok {
			c = &candidate{id: id}
			byID[id] = c
		}
		return c
	}

	maxLex := maxScore(lex)
	for _, h := range lex {
		if maxLex > 0 {
			get(h.ID).lexical = h.Score / maxLex
		} else {
			get(h.ID)
		}
	}
	maxVec := maxScore(vec)
	for _, h := range vec {
		if maxVec > 0 {
			get(h.ID).vector = max(h.Score, 0) / maxVec
		} else {
			get(h.ID)
		}
	}

	out := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		c.score = wl*c.lexical + wv*c.vector
		out = append(out, c)
	}
	return out
}

func maxScore(hits []index.Hit) float64 {
	m := 0.0
	for _, h := range hits {
		m = max(m, h.Score)
	}
	return m
}

// filter attaches current records and splits candidates by trust.
// Candidates whose record no longer exists are dropped.
func (r *Retriever) filter(ctx context.Context, cands []*candidate, minTrust float64) ([]*candidate, []*candidate, error) {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	recs, err := r.store.GetMany(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	var kept, dropped []*candidate
	for _, c := range cands {
		exp, ok := recs[c.id]
		if !ok {
			r.logger.Debug("skipping purged candidate", zap.String("id", c.id))
			continue
		}
		c.exp = exp
		if exp.TrustLevel < minTrust {
			dropped = append(dropped, c)
			continue
		}
		kept = append(kept, c)
	}
	return kept, dropped, nil
}

// rank orders by score desc, trust desc, created_at asc, then id.
func rank(cs []*candidate) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.exp.TrustLevel != b.exp.TrustLevel {
			return a.exp.TrustLevel > b.exp.TrustLevel
		}
		if !a.exp.CreatedAt.Equal(b.exp.CreatedAt) {
			return a.exp.CreatedAt.Before(b.exp.CreatedAt)
		}
		return a.id < b.id
	})
}

func (r *Retriever) indicators(exp *experience.Experience) []string {
	if r.tagger == nil {
		return nil
	}
	return r.tagger.Match(exp)
}
