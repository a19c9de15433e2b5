// Package engine wires the experience store, index, trust manager,
// retriever, monitor and audit scanner into one service.
//
// An Engine is created by its owner with Open and torn down with Close.
// There is no process-wide state: tests and the daemon each own their own
// engine over their own data directory.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recallguard/internal/audit"
	"github.com/fyrsmithlabs/recallguard/internal/embeddings"
	"github.com/fyrsmithlabs/recallguard/internal/index"
	"github.com/fyrsmithlabs/recallguard/internal/monitor"
	"github.com/fyrsmithlabs/recallguard/internal/retrieval"
	"github.com/fyrsmithlabs/recallguard/internal/store"
	"github.com/fyrsmithlabs/recallguard/internal/trust"
)

const (
	experiencesFile = "experiences.db"
	eventsFile      = "events.db"
)

// AuditOptions configures background audit sweeps.
type AuditOptions struct {
	// Interval between sweeps. Zero disables the sweeper.
	Interval time.Duration

	// PatternsFile is an optional TOML pattern set. When set it replaces the
	// default set and is reloaded on change.
	PatternsFile string

	// Credentials enables gitleaks credential rules on the default set.
	Credentials bool
}

// Options configures an Engine.
type Options struct {
	// DataDir holds experiences.db and events.db. Required.
	DataDir string

	Retrieval    retrieval.Config
	InitialTrust trust.InitialTrust
	DecayPolicy  trust.DecayPolicy

	// IndexInterval is the background indexing cycle. Zero uses the index default.
	IndexInterval   time.Duration
	IndexMaxPending int

	Audit AuditOptions

	// Embedder computes embeddings at ingestion and query time. Optional;
	// the engine takes ownership and closes it.
	Embedder embeddings.Provider

	// TopQueries bounds the monitor summary's per-query breakdown.
	TopQueries int

	Logger *zap.Logger
	Clock  func() time.Time
}

// DefaultOptions returns options for dataDir with default component settings.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:      dataDir,
		Retrieval:    retrieval.DefaultConfig(),
		InitialTrust: trust.DefaultInitialTrust(),
		DecayPolicy:  trust.NoDecay{},
		Audit:        AuditOptions{Credentials: true},
	}
}

// Engine is the recallguard service. It is safe for concurrent use.
type Engine struct {
	store     *store.Store
	events    *monitor.Monitor
	index     *index.Indexer
	trust     *trust.Manager
	retriever *retrieval.Retriever
	scanner   *audit.Scanner
	sweeper   *audit.Sweeper
	watcher   *audit.PatternWatcher
	patterns  audit.PatternProvider
	matcher   *audit.Matcher
	embedder  embeddings.Provider

	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool

	// ingestMu keeps the dimension check and the write of a batch together.
	ingestMu sync.Mutex
}

// Open opens the store and event log under opts.DataDir, builds the index
// from the store and returns a ready engine. Background work begins with
// Start.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Retrieval == (retrieval.Config{}) {
		opts.Retrieval = retrieval.DefaultConfig()
	}
	if opts.InitialTrust == (trust.InitialTrust{}) {
		opts.InitialTrust = trust.DefaultInitialTrust()
	}
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger := opts.Logger
	e := &Engine{embedder: opts.Embedder, logger: logger, now: opts.Clock}

	var err error
	e.store, err = store.Open(ctx, filepath.Join(opts.DataDir, experiencesFile),
		store.WithLogger(logger.Named("store")),
		store.WithClock(opts.Clock),
	)
	if err != nil {
		return nil, fmt.Errorf("opening experience store: %w", err)
	}

	monOpts := []monitor.Option{monitor.WithLogger(logger.Named("monitor")), monitor.WithClock(opts.Clock)}
	if opts.TopQueries > 0 {
		monOpts = append(monOpts, monitor.WithTopQueries(opts.TopQueries))
	}
	e.events, err = monitor.Open(ctx, filepath.Join(opts.DataDir, eventsFile), monOpts...)
	if err != nil {
		e.closeStores()
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	ixOpts := []index.Option{index.WithLogger(logger.Named("index"))}
	if opts.IndexInterval > 0 {
		ixOpts = append(ixOpts, index.WithCycleInterval(opts.IndexInterval))
	}
	if opts.IndexMaxPending > 0 {
		ixOpts = append(ixOpts, index.WithMaxPending(opts.IndexMaxPending))
	}
	e.index = index.New(ixOpts...)

	e.trust, err = trust.NewManager(e.store, logger.Named("trust"),
		trust.WithInitialTrust(opts.InitialTrust),
		trust.WithDecayPolicy(opts.DecayPolicy),
		trust.WithClock(opts.Clock),
	)
	if err != nil {
		e.closeStores()
		return nil, err
	}

	e.scanner = audit.NewScanner(e.store, logger.Named("audit"), audit.WithClock(opts.Clock))
	if err := e.setupPatterns(opts.Audit); err != nil {
		e.closeStores()
		return nil, err
	}

	e.retriever, err = retrieval.New(e.index, e.store, e.events, opts.Retrieval, logger.Named("retrieval"),
		retrieval.WithTagger(e.matcher),
	)
	if err != nil {
		if e.watcher != nil {
			e.watcher.Close() //nolint:errcheck // reporting the config failure
		}
		e.closeStores()
		return nil, err
	}
	if opts.Audit.Interval > 0 {
		e.sweeper = audit.NewSweeper(e.scanner, audit.SweeperConfig{
			Interval:  opts.Audit.Interval,
			Patterns:  e.patterns,
			OnMatches: e.recordMatches,
		}, logger.Named("audit"))
	}

	if _, err := e.Rebuild(ctx); err != nil {
		e.Close(ctx) //nolint:errcheck // reporting the rebuild failure
		return nil, err
	}
	return e, nil
}

func (e *Engine) setupPatterns(opts AuditOptions) error {
	if opts.PatternsFile == "" {
		set := audit.DefaultPatternSet()
		set.Credentials = opts.Credentials
		e.patterns = audit.StaticPatterns(set)
	} else {
		w, err := audit.NewPatternWatcher(opts.PatternsFile, e.logger.Named("audit"),
			audit.WithReloadHook(e.onPatternReload),
		)
		if err != nil {
			return fmt.Errorf("loading audit patterns: %w", err)
		}
		e.watcher = w
		e.patterns = w
	}

	m, err := audit.NewMatcher(e.patterns.Patterns())
	if err != nil {
		if e.watcher != nil {
			e.watcher.Close() //nolint:errcheck // reporting the compile failure
		}
		return fmt.Errorf("compiling audit patterns: %w", err)
	}
	e.matcher = m
	return nil
}

// onPatternReload keeps retrieval tagging on the same set the sweeper uses.
func (e *Engine) onPatternReload(set audit.PatternSet, err error) {
	if err != nil || e.matcher == nil {
		return
	}
	if err := e.matcher.Reset(set); err != nil {
		e.logger.Warn("retrieval tagging kept previous pattern set",
			zap.String("pattern_set", set.Name), zap.Error(err))
	}
}

// Start launches the background index cycle, the audit sweeper and the
// pattern file watcher.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	if e.started {
		return nil
	}
	if err := e.index.Start(ctx); err != nil {
		return err
	}
	if e.watcher != nil {
		e.watcher.Start(ctx)
	}
	if e.sweeper != nil {
		e.sweeper.Start(ctx)
	}
	e.started = true
	e.logger.Info("engine started")
	return nil
}

// Close stops background work, flushes pending index updates and closes
// both databases. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
	if e.watcher != nil {
		errs = append(errs, e.watcher.Close())
	}
	if e.started {
		errs = append(errs, e.index.Stop(ctx))
	}
	if e.embedder != nil {
		errs = append(errs, e.embedder.Close())
	}
	errs = append(errs, e.closeStores())
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) closeStores() error {
	var errs []error
	if e.events != nil {
		errs = append(errs, e.events.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

// Status is a point-in-time view of the engine.
type Status struct {
	Experiences   int       `json:"experiences"`
	IndexVersion  uint64    `json:"index_version"`
	IndexedDocs   int       `json:"indexed_docs"`
	IndexedVecs   int       `json:"indexed_vectors"`
	PendingDocs   int       `json:"pending_docs"`
	Embeddings    bool      `json:"embeddings"`
	PatternSet    string    `json:"pattern_set"`
	LastSweep     time.Time `json:"last_sweep,omitempty"`
	LastSweepHits int       `json:"last_sweep_matches"`
	LastSweepErr  string    `json:"last_sweep_error,omitempty"`
}

// Status reports store and index sizes and the last audit sweep.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	n, err := e.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	snap := e.index.Current()
	st := &Status{
		Experiences:  n,
		IndexVersion: snap.Version(),
		IndexedDocs:  snap.Len(),
		IndexedVecs:  snap.VectorCount(),
		PendingDocs:  e.index.Pending(),
		Embeddings:   e.embedder != nil,
		PatternSet:   e.patterns.Patterns().Name,
	}
	if e.sweeper != nil {
		last, hits, sweepErr := e.sweeper.LastRun()
		st.LastSweep, st.LastSweepHits = last, hits
		if sweepErr != nil {
			st.LastSweepErr = sweepErr.Error()
		}
	}
	return st, nil
}
