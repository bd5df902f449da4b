// Package batcher coalesces bursts of path events into batches delivered
// once per fixed window.
package batcher

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultWindow is the debounce window used by the sync protocol
const DefaultWindow = 1000 * time.Millisecond

// FlushFunc receives one batch of distinct paths in arrival order
type FlushFunc func(paths []string)

// Batcher accumulates paths and flushes them when the window elapses. The
// window starts with the first path added to an empty batch and is not
// extended by later paths.
type Batcher struct {
	window time.Duration
	clock  clockwork.Clock
	flush  FlushFunc

	mu      sync.Mutex
	pending []string
	seen    map[string]struct{}
	timer   clockwork.Timer
	closed  bool

	// serializes deliveries so batches never overlap
	flushMu sync.Mutex
}

// New creates a batcher. A nil clock uses the real clock.
func New(window time.Duration, clock clockwork.Clock, flush FlushFunc) *Batcher {
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Batcher{
		window: window,
		clock:  clock,
		flush:  flush,
		seen:   make(map[string]struct{}),
	}
}

// Add queues a path. Duplicates within the current window are dropped.
func (b *Batcher) Add(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if _, dup := b.seen[path]; dup {
		return
	}
	b.seen[path] = struct{}{}
	b.pending = append(b.pending, path)

	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, b.fire)
	}
}

// Pending returns the number of queued paths
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush delivers the pending batch immediately, if any
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	b.fire()
}

// Close stops the timer and discards pending paths
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
	clear(b.seen)
}

func (b *Batcher) fire() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	b.timer = nil
	batch := b.pending
	b.pending = nil
	clear(b.seen)
	closed := b.closed
	b.mu.Unlock()

	if closed || len(batch) == 0 || b.flush == nil {
		return
	}
	b.flush(batch)
}

// Each adapts a per-path action into a FlushFunc. Every path is processed
// even when earlier ones fail; failures go to onError.
func Each(action func(path string) error, onError func(path string, err error)) FlushFunc {
	return func(paths []string) {
		for _, p := range paths {
			if err := action(p); err != nil && onError != nil {
				onError(p, err)
			}
		}
	}
}
