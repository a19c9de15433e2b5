package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize pattern watcher")

// PatternWatcher serves a pattern set loaded from a TOML file and reloads
// it when the file changes. A file that fails to load leaves the previous
// set in place.
type PatternWatcher struct {
	path     string
	current  atomic.Pointer[PatternSet]
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	onReload func(PatternSet, error)

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// WatcherOption configures a PatternWatcher.
type WatcherOption func(*PatternWatcher)

// WithReloadHook is called after every reload attempt.
func WithReloadHook(fn func(PatternSet, error)) WatcherOption {
	return func(w *PatternWatcher) { w.onReload = fn }
}

// NewPatternWatcher loads path and prepares a watcher on its directory.
// Directory watches survive editors that replace the file on save.
func NewPatternWatcher(path string, logger *zap.Logger, opts ...WatcherOption) (*PatternWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving pattern file: %w", err)
	}
	set, err := LoadPatternSet(abs)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	w := &PatternWatcher{
		path:    abs,
		watcher: fw,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.current.Store(&set)
	return w, nil
}

// Patterns returns the most recently loaded set.
func (w *PatternWatcher) Patterns() PatternSet {
	return *w.current.Load()
}

// Start begins watching in a background goroutine.
func (w *PatternWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.processEvents(ctx)
}

// Close stops watching and releases the watcher.
func (w *PatternWatcher) Close() error {
	w.mu.Lock()
	select {
	case <-w.stop:
		w.mu.Unlock()
		return nil
	default:
	}
	close(w.stop)
	started := w.started
	w.mu.Unlock()

	err := w.watcher.Close()
	if started {
		<-w.done
	}
	return err
}

func (w *PatternWatcher) processEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pattern watcher error", zap.Error(err))
		}
	}
}

func (w *PatternWatcher) reload() {
	set, err := LoadPatternSet(w.path)
	if err != nil {
		PatternReloadsTotal.WithLabelValues("error").Inc()
		w.logger.Warn("pattern file reload failed; keeping previous set",
			zap.String("path", w.path), zap.Error(err))
		if w.onReload != nil {
			w.onReload(w.Patterns(), err)
		}
		return
	}
	w.current.Store(&set)
	PatternReloadsTotal.WithLabelValues("success").Inc()
	w.logger.Info("pattern file reloaded",
		zap.String("path", w.path),
		zap.String("pattern_set", set.Name),
		zap.Int("rules", len(set.Rules)),
	)
	if w.onReload != nil {
		w.onReload(set, nil)
	}
}
