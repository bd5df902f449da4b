package protocol

import (
	"errors"
	"sync"
)

// errLaneClosed is returned for work submitted after the lane stopped
var errLaneClosed = errors.New("session closed")

// lane runs submitted functions one at a time in submission order on its
// own goroutine. It is the only writer of the state it guards.
type lane struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
	once   sync.Once
}

func newLane() *lane {
	l := &lane{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *lane) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			fn()
		}
	}
}

// submit queues fn without waiting for it
func (l *lane) submit(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errLaneClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// call queues fn and waits until it ran. It must not be used from inside
// the lane.
func (l *lane) call(fn func()) error {
	ran := make(chan struct{})
	if err := l.submit(func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	<-ran
	return nil
}

// close drains queued work and stops the goroutine. It waits unless called
// from inside the lane.
func (l *lane) close(wait bool) {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
	if wait {
		<-l.done
	}
}
