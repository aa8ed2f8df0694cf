package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileOp is the kind of change a watcher observed.
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

// String returns the op name.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "create"
	case FileOpWrite:
		return "write"
	case FileOpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// FileEvent is one observed change to a watched file.
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileWatcher polls config files for modification and dispatches
// debounced change events. Polling keeps the behaviour identical
// across platforms and bind-mounted files.
type FileWatcher struct {
	mu            sync.RWMutex
	paths         []string
	pollInterval  time.Duration
	debounceDelay time.Duration
	running       bool
	stopCh        chan struct{}
	eventCh       chan FileEvent
	callbacks     []func(FileEvent)
	lastModTimes  map[string]time.Time
	logger        *zap.Logger
}

// WatcherOption configures a FileWatcher.
type WatcherOption func(*FileWatcher)

// WithPollInterval sets how often files are stat-checked.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.pollInterval = d }
}

// WithDebounceDelay sets the quiet period before events dispatch.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounceDelay = d }
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) { w.logger = logger }
}

// NewFileWatcher creates a watcher over the given paths. A missing
// path is watched for creation rather than rejected.
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         append([]string(nil), paths...),
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		stopCh:        make(chan struct{}),
		eventCh:       make(chan FileEvent, 64),
		lastModTimes:  make(map[string]time.Time),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("stat %s: %w", path, err)
			}
			w.logger.Warn("config file missing, watching for creation",
				zap.String("path", path))
		}
	}
	return w, nil
}

// OnChange registers a callback invoked for each debounced event.
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start launches the poll and dispatch loops.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTimes[path] = info.ModTime()
		}
	}
	w.mu.Unlock()

	go w.pollLoop(ctx)
	go w.dispatchLoop(ctx)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop halts the watcher.
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.running = false
}

// IsRunning reports whether the loops are active.
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Paths returns the watched paths.
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.paths...)
}

func (w *FileWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkFiles()
		}
	}
}

func (w *FileWatcher) checkFiles() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				if _, tracked := w.lastModTimes[path]; tracked {
					delete(w.lastModTimes, path)
					w.emit(FileEvent{Path: path, Op: FileOpRemove, Timestamp: time.Now()})
				}
			}
			continue
		}

		lastMod, tracked := w.lastModTimes[path]
		switch {
		case !tracked:
			w.lastModTimes[path] = info.ModTime()
			w.emit(FileEvent{Path: path, Op: FileOpCreate, Timestamp: time.Now()})
		case info.ModTime().After(lastMod):
			w.lastModTimes[path] = info.ModTime()
			w.emit(FileEvent{Path: path, Op: FileOpWrite, Timestamp: time.Now()})
		}
	}
}

func (w *FileWatcher) emit(event FileEvent) {
	select {
	case w.eventCh <- event:
	default:
		w.logger.Warn("watcher event buffer full, dropping event",
			zap.String("path", event.Path))
	}
}

// dispatchLoop coalesces bursts of events per path before invoking
// callbacks, so a single save does not trigger multiple reloads.
func (w *FileWatcher) dispatchLoop(ctx context.Context) {
	pending := make(map[string]FileEvent)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event := <-w.eventCh:
			pending[event.Path] = event
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounceDelay)
			fire = timer.C
		case <-fire:
			w.mu.RLock()
			callbacks := append([]func(FileEvent){}, w.callbacks...)
			w.mu.RUnlock()

			for _, event := range pending {
				w.logger.Debug("dispatching file event",
					zap.String("path", event.Path),
					zap.Stringer("op", event.Op))
				for _, cb := range callbacks {
					cb(event)
				}
			}
			pending = make(map[string]FileEvent)
			fire = nil
		}
	}
}
