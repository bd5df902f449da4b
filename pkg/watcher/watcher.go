package watcher

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Kind is the type of change observed under the watched root
type Kind string

const (
	KindAdd    Kind = "add"
	KindChange Kind = "change"
	KindUnlink Kind = "unlink"
)

// ConfigFileName is the per-project config file, never synchronized
const ConfigFileName = ".socket-file-sync"

// Event is a single change, Path is relative to the root with '/' separators
type Event struct {
	Kind Kind
	Path string
}

// Handler receives watcher events. It is called from the watcher goroutine
// and must not block for long.
type Handler func(Event)

// Watcher is anything that can be closed once it stops being needed
type Watcher interface {
	Close() error
}

// Factory creates a started watcher rooted at root
type Factory func(root string, onEvent Handler) (Watcher, error)

// Config holds configuration for a FileWatcher
type Config struct {
	Root               string
	StabilityThreshold time.Duration
	OnEvent            Handler
	Logger             zerolog.Logger
}

// FileWatcher monitors a directory tree for file changes
type FileWatcher struct {
	watcher            *fsnotify.Watcher
	root               string
	stabilityThreshold time.Duration
	onEvent            Handler
	logger             zerolog.Logger
	done               chan struct{}
	debounceTimers     map[string]*time.Timer
	debounceMu         sync.Mutex
	closeOnce          sync.Once
	closeErr           error
}

// New creates a file watcher without starting it
func New(cfg Config) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 50 * time.Millisecond
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	return &FileWatcher{
		watcher:            w,
		root:               root,
		stabilityThreshold: cfg.StabilityThreshold,
		onEvent:            cfg.OnEvent,
		logger:             cfg.Logger,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// NewFactory returns a Factory producing started FileWatchers
func NewFactory(logger zerolog.Logger) Factory {
	return func(root string, onEvent Handler) (Watcher, error) {
		w, err := New(Config{Root: root, OnEvent: onEvent, Logger: logger})
		if err != nil {
			return nil, err
		}
		if err := w.Start(); err != nil {
			_ = w.Close()
			return nil, err
		}
		return w, nil
	}
}

// Start watches the root recursively and begins delivering events
func (w *FileWatcher) Start() error {
	info, err := os.Stat(w.root)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("failed to watch %s: not a directory", w.root)
	}

	if err := w.addDirectoryRecursive(w.root, false); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}

	go w.eventLoop()

	w.logger.Debug().Str("root", w.root).Msg("File watcher started")
	return nil
}

// Close stops the watcher. Calling it more than once is safe.
func (w *FileWatcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)

		w.debounceMu.Lock()
		for _, timer := range w.debounceTimers {
			timer.Stop()
		}
		clear(w.debounceTimers)
		w.debounceMu.Unlock()

		if err := w.watcher.Close(); err != nil {
			w.closeErr = fmt.Errorf("failed to close watcher: %w", err)
		}
		w.logger.Debug().Str("root", w.root).Msg("File watcher stopped")
	})
	return w.closeErr
}

func (w *FileWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Str("root", w.root).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *FileWatcher) handleEvent(event fsnotify.Event) {
	rel, ok := w.relative(event.Name)
	if !ok || rel == "" || Ignored(rel) {
		return
	}

	// Directories are registered right away so files created inside them
	// shortly after are not missed while the event is debounced.
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDirectoryRecursive(event.Name, true); err != nil {
				w.logger.Warn().Err(err).Str("relative", rel).Msg("Failed to watch new directory")
			}
			return
		}
	}

	w.debounceEvent(event, rel)
}

// debounceEvent collapses bursts for the same path into its last operation
func (w *FileWatcher) debounceEvent(event fsnotify.Event, rel string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	w.debounceTimers[event.Name] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, event.Name)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.processEvent(event, rel)
		}
	})
}

func (w *FileWatcher) processEvent(event fsnotify.Event, rel string) {
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		w.emit(KindAdd, rel)
	case event.Op&fsnotify.Write == fsnotify.Write:
		w.emit(KindChange, rel)
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		w.emit(KindUnlink, rel)
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		// the new name arrives as its own create event
		w.emit(KindUnlink, rel)
	}
}

func (w *FileWatcher) emit(kind Kind, rel string) {
	if w.onEvent == nil {
		return
	}
	w.onEvent(Event{Kind: kind, Path: rel})
}

// addDirectoryRecursive watches dir and its subdirectories. When report is
// set, files already present are emitted as adds.
func (w *FileWatcher) addDirectoryRecursive(dir string, report bool) error {
	return filepath.Walk(dir, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			if walkPath == dir {
				return err
			}
			return nil
		}

		rel, ok := w.relative(walkPath)
		if !ok {
			return nil
		}
		if rel != "" && Ignored(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.IsDir() {
			if report {
				w.emit(KindAdd, rel)
			}
			return nil
		}

		if err := w.watcher.Add(walkPath); err != nil {
			w.logger.Warn().Err(err).Str("path", walkPath).Msg("Failed to watch path")
		}
		return nil
	})
}

// relative maps an absolute path to a root-relative slash path. Paths that
// escape the root are rejected.
func (w *FileWatcher) relative(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	rel = filepath.ToSlash(rel)
	if !IsLocal(rel) {
		return "", false
	}
	return rel, true
}

// IsLocal reports whether a slash-separated relative path stays inside its
// root: not absolute, not empty and without '..' segments.
func IsLocal(rel string) bool {
	if rel == "" || strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return false
	}
	for _, part := range strings.Split(strings.ReplaceAll(rel, "\\", "/"), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// Ignored reports whether a relative path is never synchronized
func Ignored(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if part == ".git" {
			return true
		}
	}
	// also covers temporary files written while receiving a transfer
	return strings.HasPrefix(path.Base(rel), ConfigFileName)
}
