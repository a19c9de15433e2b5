package index

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"runtime"
	"sort"

	"github.com/philippgille/chromem-go"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

const collectionName = "experiences"

// Hit is a ranked search result.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type document struct {
	terms  map[string]int
	length int
}

// Snapshot is an immutable, versioned view of the index. All searches made
// against one Snapshot see the same postings and vectors.
type Snapshot struct {
	version  uint64
	docs     map[string]*document
	postings map[string]map[string]int // term -> id -> term frequency
	totalLen int
	vectors  map[string][]float32
	dim      int
	coll     *chromem.Collection
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		docs:     map[string]*document{},
		postings: map[string]map[string]int{},
		vectors:  map[string][]float32{},
	}
}

// Version returns the snapshot version. Every publish increments it.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of indexed documents.
func (s *Snapshot) Len() int { return len(s.docs) }

// VectorCount returns the number of indexed embeddings.
func (s *Snapshot) VectorCount() int { return len(s.vectors) }

// HasVectors reports whether a vector index exists in this snapshot.
func (s *Snapshot) HasVectors() bool { return s.coll != nil && len(s.vectors) > 0 }

// Dimension returns the embedding dimension, or 0 without vectors.
func (s *Snapshot) Dimension() int { return s.dim }

// Contains reports whether id is indexed.
func (s *Snapshot) Contains(id string) bool {
	_, ok := s.docs[id]
	return ok
}

// SearchLexical ranks documents against query with BM25. Results are
// ordered by score descending, then id ascending.
func (s *Snapshot) SearchLexical(query string, k int) []Hit {
	if k <= 0 || len(s.docs) == 0 {
		return nil
	}
	terms := uniqueTerms(Tokenize(query))
	if len(terms) == 0 {
		return nil
	}

	n := float64(len(s.docs))
	avgLen := float64(s.totalLen) / n
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		posting := s.postings[term]
		if len(posting) == 0 {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for id, tf := range posting {
			dl := float64(s.docs[id].length)
			f := float64(tf)
			scores[id] += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*dl/avgLen))
		}
	}
	return topHits(scores, k)
}

// SearchVector returns the k nearest documents by cosine similarity. It
// returns an empty result when no embeddings are indexed.
func (s *Snapshot) SearchVector(ctx context.Context, embedding []float32, k int) ([]Hit, error) {
	if k <= 0 || !s.HasVectors() {
		return nil, nil
	}
	if len(embedding) != s.dim {
		return nil, &experience.ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("dimension %d does not match index dimension %d", len(embedding), s.dim),
		}
	}
	if isZero(embedding) {
		return nil, &experience.ValidationError{Field: "embedding", Reason: "zero vector has no direction"}
	}

	n := min(k, s.coll.Count())
	results, err := s.coll.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{ID: r.ID, Score: float64(r.Similarity)}
	}
	sortHits(hits)
	return hits, nil
}

func topHits(scores map[string]float64, k int) []Hit {
	hits := make([]Hit, 0, len(scores))
	for id, sc := range scores {
		hits = append(hits, Hit{ID: id, Score: sc})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

// builder accumulates changes on top of a base snapshot. Maps shared with
// the base are copied before their first modification.
type builder struct {
	base          *Snapshot
	docs          map[string]*document
	postings      map[string]map[string]int
	ownedPostings map[string]bool
	totalLen      int
	vectors       map[string][]float32
	vectorsDirty  bool
}

func (s *Snapshot) edit() *builder {
	return &builder{
		base:          s,
		docs:          maps.Clone(s.docs),
		postings:      maps.Clone(s.postings),
		ownedPostings: map[string]bool{},
		totalLen:      s.totalLen,
		vectors:       s.vectors,
	}
}

func (b *builder) postingFor(term string) map[string]int {
	if !b.ownedPostings[term] {
		b.postings[term] = maps.Clone(b.postings[term])
		if b.postings[term] == nil {
			b.postings[term] = map[string]int{}
		}
		b.ownedPostings[term] = true
	}
	return b.postings[term]
}

func (b *builder) mutableVectors() map[string][]float32 {
	if !b.vectorsDirty {
		b.vectors = maps.Clone(b.vectors)
		if b.vectors == nil {
			b.vectors = map[string][]float32{}
		}
		b.vectorsDirty = true
	}
	return b.vectors
}

// put replaces any existing postings for exp.ID.
func (b *builder) put(exp *experience.Experience) error {
	if exp == nil || exp.ID == "" {
		return &experience.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if len(exp.Embedding) > 0 {
		if dim := b.dimension(exp.ID); dim != 0 && dim != len(exp.Embedding) {
			return &experience.ValidationError{
				Field:  "embedding",
				Reason: fmt.Sprintf("dimension %d does not match index dimension %d", len(exp.Embedding), dim),
			}
		}
		if isZero(exp.Embedding) {
			return &experience.ValidationError{Field: "embedding", Reason: "zero vector has no direction"}
		}
	}

	b.remove(exp.ID)

	tokens := Tokenize(exp.Text())
	doc := &document{terms: termFrequencies(tokens), length: len(tokens)}
	b.docs[exp.ID] = doc
	b.totalLen += doc.length
	for term, tf := range doc.terms {
		b.postingFor(term)[exp.ID] = tf
	}

	if len(exp.Embedding) > 0 {
		b.mutableVectors()[exp.ID] = append([]float32(nil), exp.Embedding...)
	}
	return nil
}

func (b *builder) remove(id string) {
	if old, ok := b.docs[id]; ok {
		for term := range old.terms {
			p := b.postingFor(term)
			delete(p, id)
			if len(p) == 0 {
				delete(b.postings, term)
				delete(b.ownedPostings, term)
			}
		}
		b.totalLen -= old.length
		delete(b.docs, id)
	}
	if _, ok := b.vectors[id]; ok {
		delete(b.mutableVectors(), id)
	}
}

// dimension returns the dimension other vectors in the builder use,
// ignoring the vector of id itself.
func (b *builder) dimension(id string) int {
	for other, v := range b.vectors {
		if other != id {
			return len(v)
		}
	}
	return 0
}

// freeze publishes the builder as a new snapshot. The vector collection is
// rebuilt only when vectors changed; cancellation discards the result.
func (b *builder) freeze(ctx context.Context, version uint64) (*Snapshot, error) {
	s := &Snapshot{
		version:  version,
		docs:     b.docs,
		postings: b.postings,
		totalLen: b.totalLen,
		vectors:  b.vectors,
		coll:     b.base.coll,
		dim:      b.base.dim,
	}
	if s.vectors == nil {
		s.vectors = map[string][]float32{}
	}
	if !b.vectorsDirty {
		return s, nil
	}

	s.coll, s.dim = nil, 0
	if len(s.vectors) == 0 {
		return s, nil
	}
	coll, err := buildCollection(ctx, s.vectors)
	if err != nil {
		return nil, err
	}
	s.coll = coll
	for _, v := range s.vectors {
		s.dim = len(v)
		break
	}
	return s, nil
}

var errTextEmbedding = errors.New("index embeds no text; supply precomputed embeddings")

func buildCollection(ctx context.Context, vectors map[string][]float32) (*chromem.Collection, error) {
	db := chromem.NewDB()
	coll, err := db.CreateCollection(collectionName, nil, func(context.Context, string) ([]float32, error) {
		return nil, errTextEmbedding
	})
	if err != nil {
		return nil, fmt.Errorf("creating vector collection: %w", err)
	}

	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	docs := make([]chromem.Document, len(ids))
	for i, id := range ids {
		docs[i] = chromem.Document{ID: id, Embedding: vectors[id]}
	}
	if err := coll.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("adding vectors: %w", err)
	}
	return coll, nil
}
