package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PatternProvider supplies the pattern set for each sweep.
type PatternProvider interface {
	Patterns() PatternSet
}

// StaticPatterns is a PatternProvider that never changes.
type StaticPatterns PatternSet

// Patterns returns the set.
func (p StaticPatterns) Patterns() PatternSet { return PatternSet(p) }

// SweeperConfig configures periodic scanning.
type SweeperConfig struct {
	// Interval between sweeps. Default: 10 minutes.
	Interval time.Duration

	// Patterns supplies the pattern set. Default: DefaultPatternSet.
	Patterns PatternProvider

	// OnMatches receives the matches of every sweep that found any.
	OnMatches func(ctx context.Context, matches []Match)

	// OnError is called when a sweep fails.
	OnError func(err error)
}

// Sweeper re-scans the store in the background, independently of query
// traffic.
type Sweeper struct {
	scanner *Scanner
	config  SweeperConfig
	logger  *zap.Logger

	mu        sync.RWMutex
	lastRun   time.Time
	lastCount int
	lastError error
	running   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a Sweeper.
func NewSweeper(scanner *Scanner, config SweeperConfig, logger *zap.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}
	if config.Patterns == nil {
		config.Patterns = StaticPatterns(DefaultPatternSet())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		scanner: scanner,
		config:  config,
		logger:  logger,
	}
}

// Start begins periodic sweeps. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	s.logger.Info("starting audit sweeper", zap.Duration("interval", s.config.Interval))
	go s.run(ctx, stopCh, doneCh)
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	s.logger.Info("stopping audit sweeper")
	close(stopCh)
	<-doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning reports whether the sweeper is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// LastRun returns when the last sweep finished, how many matches it found
// and its error.
func (s *Sweeper) LastRun() (time.Time, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun, s.lastCount, s.lastError
}

func (s *Sweeper) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	// Cancel in-flight scans on Stop.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("audit sweeper stopped", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.record(0, fmt.Errorf("sweep panicked: %v", r))
			s.logger.Error("audit sweep panicked", zap.Any("panic", r))
		}
	}()

	s.logger.Debug("running audit sweep")
	matches, err := s.scanner.Scan(ctx, s.config.Patterns.Patterns())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.record(0, err)
		s.logger.Error("audit sweep failed", zap.Error(err))
		if s.config.OnError != nil {
			s.config.OnError(err)
		}
		return
	}

	s.record(len(matches), nil)
	if len(matches) > 0 && s.config.OnMatches != nil {
		s.config.OnMatches(ctx, matches)
	}
}

func (s *Sweeper) record(count int, err error) {
	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastCount = count
	s.lastError = err
	s.mu.Unlock()
}
