package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

const (
	defaultCycleInterval = time.Second
	defaultMaxPending    = 1024
)

// Indexer maintains the lexical and vector indexes as a sequence of
// immutable snapshots.
//
// Readers call Current and search the returned snapshot without locking.
// Writers serialize on mu, build a new snapshot from the current one and
// publish it atomically, so a query never observes a half-applied change.
//
// Experiences handed to Enqueue become searchable on the next indexing
// cycle. Index is the synchronous path and returns once the change is
// visible.
type Indexer struct {
	current atomic.Pointer[Snapshot]

	// mu serializes snapshot writers.
	mu sync.Mutex

	pendingMu  sync.Mutex
	pending    map[string]*experience.Experience
	maxPending int
	wake       chan struct{}

	interval time.Duration
	logger   *zap.Logger

	// runMu protects running, stopCh and doneCh.
	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithCycleInterval sets how often pending experiences are indexed.
func WithCycleInterval(d time.Duration) Option {
	return func(ix *Indexer) {
		if d > 0 {
			ix.interval = d
		}
	}
}

// WithMaxPending bounds the pending queue. Reaching the bound triggers an
// immediate indexing cycle.
func WithMaxPending(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.maxPending = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ix *Indexer) {
		if l != nil {
			ix.logger = l
		}
	}
}

// New creates an empty Indexer.
func New(opts ...Option) *Indexer {
	ix := &Indexer{
		pending:    make(map[string]*experience.Experience),
		maxPending: defaultMaxPending,
		wake:       make(chan struct{}, 1),
		interval:   defaultCycleInterval,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.current.Store(emptySnapshot())
	return ix
}

// Current returns the latest published snapshot.
func (ix *Indexer) Current() *Snapshot {
	return ix.current.Load()
}

// SearchLexical searches the current snapshot.
func (ix *Indexer) SearchLexical(query string, k int) []Hit {
	return ix.Current().SearchLexical(query, k)
}

// SearchVector searches the current snapshot.
func (ix *Indexer) SearchVector(ctx context.Context, embedding []float32, k int) ([]Hit, error) {
	return ix.Current().SearchVector(ctx, embedding, k)
}

// Index synchronously indexes the experiences and returns the version of
// the snapshot that contains them. Re-indexing an id replaces its postings.
func (ix *Indexer) Index(ctx context.Context, exps ...*experience.Experience) (uint64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.dropPending(exps)
	return ix.apply(ctx, func(b *builder) error {
		for _, exp := range exps {
			if err := b.put(exp); err != nil {
				return fmt.Errorf("indexing %s: %w", exp.ID, err)
			}
		}
		return nil
	})
}

// Remove drops ids from the index, including any pending entries.
func (ix *Indexer) Remove(ctx context.Context, ids ...string) (uint64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.pendingMu.Lock()
	for _, id := range ids {
		delete(ix.pending, id)
	}
	ix.pendingMu.Unlock()

	return ix.apply(ctx, func(b *builder) error {
		for _, id := range ids {
			b.remove(id)
		}
		return nil
	})
}

// Rebuild replaces the whole index with a snapshot built from exps. The new
// snapshot is assembled off to the side; if ctx is cancelled the partial
// snapshot is discarded and the current one stays published.
func (ix *Indexer) Rebuild(ctx context.Context, exps []*experience.Experience) (uint64, error) {
	ctx, span := otel.Tracer("recallguard.index").Start(ctx, "Indexer.Rebuild")
	defer span.End()
	span.SetAttributes(attribute.Int("documents", len(exps)))

	start := time.Now()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	b := emptySnapshot().edit()
	for i, exp := range exps {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return ix.rebuildFailed(span, err)
			}
		}
		if err := b.put(exp); err != nil {
			return ix.rebuildFailed(span, fmt.Errorf("indexing %s: %w", exp.ID, err))
		}
	}

	next, err := b.freeze(ctx, ix.Current().version+1)
	if err != nil {
		return ix.rebuildFailed(span, err)
	}
	if err := ctx.Err(); err != nil {
		return ix.rebuildFailed(span, err)
	}

	ix.dropPending(exps)
	ix.publish(next)
	RebuildsTotal.WithLabelValues("success").Inc()
	RebuildDuration.Observe(time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "rebuilt")

	ix.logger.Info("index rebuilt",
		zap.Uint64("version", next.version),
		zap.Int("documents", next.Len()),
		zap.Int("vectors", next.VectorCount()),
		zap.Duration("duration", time.Since(start)),
	)
	return next.version, nil
}

func (ix *Indexer) rebuildFailed(span trace.Span, err error) (uint64, error) {
	RebuildsTotal.WithLabelValues("error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	ix.logger.Warn("index rebuild discarded", zap.Error(err))
	return 0, fmt.Errorf("rebuild: %w", err)
}

// Enqueue schedules exp for the next indexing cycle.
func (ix *Indexer) Enqueue(exp *experience.Experience) {
	ix.pendingMu.Lock()
	ix.pending[exp.ID] = exp
	full := len(ix.pending) >= ix.maxPending
	PendingDocuments.Set(float64(len(ix.pending)))
	ix.pendingMu.Unlock()

	if full {
		select {
		case ix.wake <- struct{}{}:
		default:
		}
	}
}

// Dimension returns the embedding dimension new documents must use: the
// published snapshot's, or that of a pending document when the snapshot has
// no vectors. Zero means any dimension is accepted.
func (ix *Indexer) Dimension() int {
	if dim := ix.Current().Dimension(); dim != 0 {
		return dim
	}
	ix.pendingMu.Lock()
	defer ix.pendingMu.Unlock()
	for _, exp := range ix.pending {
		if len(exp.Embedding) > 0 {
			return len(exp.Embedding)
		}
	}
	return 0
}

// Pending returns the number of experiences waiting for the next cycle.
func (ix *Indexer) Pending() int {
	ix.pendingMu.Lock()
	defer ix.pendingMu.Unlock()
	return len(ix.pending)
}

// Flush indexes all pending experiences now.
func (ix *Indexer) Flush(ctx context.Context) (uint64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.pendingMu.Lock()
	batch := make([]*experience.Experience, 0, len(ix.pending))
	for _, exp := range ix.pending {
		batch = append(batch, exp)
	}
	ix.pending = make(map[string]*experience.Experience)
	PendingDocuments.Set(0)
	ix.pendingMu.Unlock()

	if len(batch) == 0 {
		return ix.Current().version, nil
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	var failed []string
	version, err := ix.apply(ctx, func(b *builder) error {
		for _, exp := range batch {
			if err := b.put(exp); err != nil {
				failed = append(failed, exp.ID)
				ix.logger.Warn("skipping unindexable experience", zap.String("id", exp.ID), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		// Put the batch back so the next cycle retries it.
		ix.pendingMu.Lock()
		for _, exp := range batch {
			if _, ok := ix.pending[exp.ID]; !ok {
				ix.pending[exp.ID] = exp
			}
		}
		PendingDocuments.Set(float64(len(ix.pending)))
		ix.pendingMu.Unlock()
		return 0, err
	}
	ix.logger.Debug("index cycle complete",
		zap.Uint64("version", version),
		zap.Int("indexed", len(batch)-len(failed)),
		zap.Strings("failed", failed),
	)
	return version, nil
}

// apply runs fn against a builder on the current snapshot and publishes the
// result. Callers hold mu.
func (ix *Indexer) apply(ctx context.Context, fn func(*builder) error) (uint64, error) {
	cur := ix.Current()
	b := cur.edit()
	if err := fn(b); err != nil {
		return 0, err
	}
	next, err := b.freeze(ctx, cur.version+1)
	if err != nil {
		return 0, err
	}
	ix.publish(next)
	return next.version, nil
}

func (ix *Indexer) publish(s *Snapshot) {
	ix.current.Store(s)
	IndexedDocuments.Set(float64(s.Len()))
	IndexedVectors.Set(float64(s.VectorCount()))
	SnapshotVersion.Set(float64(s.version))
}

func (ix *Indexer) dropPending(exps []*experience.Experience) {
	ix.pendingMu.Lock()
	defer ix.pendingMu.Unlock()
	for _, exp := range exps {
		if exp != nil {
			delete(ix.pending, exp.ID)
		}
	}
	PendingDocuments.Set(float64(len(ix.pending)))
}

// Start launches the background indexing cycle.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.runMu.Lock()
	defer ix.runMu.Unlock()

	if ix.running {
		return fmt.Errorf("indexer is already running")
	}
	ix.running = true
	ix.stopCh = make(chan struct{})
	ix.doneCh = make(chan struct{})

	ix.logger.Info("index cycle started", zap.Duration("interval", ix.interval))
	go ix.run(ctx, ix.stopCh, ix.doneCh)
	return nil
}

// Stop halts the background cycle, waits for it to exit and flushes any
// remaining pending experiences.
func (ix *Indexer) Stop(ctx context.Context) error {
	ix.runMu.Lock()
	if !ix.running {
		ix.runMu.Unlock()
		return nil
	}
	ix.running = false
	close(ix.stopCh)
	done := ix.doneCh
	ix.runMu.Unlock()

	<-done
	_, err := ix.Flush(ctx)
	return err
}

func (ix *Indexer) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			ix.safeFlush(ctx)
		case <-ix.wake:
			ix.safeFlush(ctx)
		}
	}
}

func (ix *Indexer) safeFlush(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			ix.logger.Error("index cycle panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	if _, err := ix.Flush(ctx); err != nil {
		ix.logger.Warn("index cycle failed", zap.Error(err))
	}
}
