package protocol

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wesotion/socket-file-sync/internal/config"
	"github.com/wesotion/socket-file-sync/pkg/channel"
	"github.com/wesotion/socket-file-sync/pkg/journal"
	"github.com/wesotion/socket-file-sync/pkg/watcher"
)

// sent is one recorded outbound message
type sent struct {
	msg channel.Message
	ack channel.AckFunc
}

// recordingEmitter captures everything a session or peer sends
type recordingEmitter struct {
	mu   sync.Mutex
	msgs []sent
	fail error
}

func (r *recordingEmitter) Emit(event string, args ...interface{}) error {
	return r.EmitWithAck(event, nil, args...)
}

func (r *recordingEmitter) EmitWithAck(event string, ack channel.AckFunc, args ...interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	msg, err := channel.NewMessage(event, nil, args...)
	if err != nil {
		return err
	}
	r.msgs = append(r.msgs, sent{msg: msg, ack: ack})
	return nil
}

func (r *recordingEmitter) events(name string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, m := range r.msgs {
		if m.msg.Event == name {
			out = append(out, m)
		}
	}
	return out
}

func (r *recordingEmitter) last(t *testing.T, name string) channel.Message {
	t.Helper()
	all := r.events(name)
	require.NotEmpty(t, all, "no %s sent", name)
	return all[len(all)-1].msg
}

func (r *recordingEmitter) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.msg.Event)
	}
	return out
}

// fakeWatcher stands in for a filesystem watcher; tests drive its handler
type fakeWatcher struct {
	mu      sync.Mutex
	root    string
	handler watcher.Handler
	closed  bool
}

func (w *fakeWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWatcher) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWatcher) fire(kind watcher.Kind, paths ...string) {
	for _, p := range paths {
		w.handler(watcher.Event{Kind: kind, Path: p})
	}
}

type watcherFactory struct {
	mu       sync.Mutex
	watchers []*fakeWatcher
	err      error
}

func (f *watcherFactory) New(root string, onEvent watcher.Handler) (watcher.Watcher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w := &fakeWatcher{root: root, handler: onEvent}
	f.watchers = append(f.watchers, w)
	return w, nil
}

func (f *watcherFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

func (f *watcherFactory) latest(t *testing.T) *fakeWatcher {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.watchers, "no watcher created")
	return f.watchers[len(f.watchers)-1]
}

// staticSource resolves every directory to the same configuration unless
// a per-directory override exists
type staticSource struct {
	def  config.Effective
	dirs map[string]config.Effective
	err  error
}

func (s staticSource) ProjectConfig(dir string) (config.Effective, error) {
	if s.err != nil {
		return config.Effective{}, s.err
	}
	if eff, ok := s.dirs[dir]; ok {
		return eff, nil
	}
	return s.def, nil
}

// ackRecorder captures the acknowledgement of an inbound message
type ackRecorder struct {
	mu   sync.Mutex
	args []interface{}
	n    int
}

func (a *ackRecorder) ack(args ...interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.args = args
	a.n++
	return nil
}

// err returns the error-first argument of the recorded ack
func (a *ackRecorder) err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.args) == 0 || a.args[0] == nil {
		return nil
	}
	if s, ok := a.args[0].(string); ok {
		return errors.New(s)
	}
	return errors.New("unexpected ack argument")
}

func (a *ackRecorder) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Record(e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) find(op journal.Op, relative string) (journal.Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if e.Op == op && e.Relative == relative {
			return e, true
		}
	}
	return journal.Entry{}, false
}
