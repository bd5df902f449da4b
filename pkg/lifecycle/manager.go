// Package lifecycle keeps protocol state alive across transient
// disconnects and tears it down when a peer leaves for good.
package lifecycle

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/wesotion/socket-file-sync/internal/metrics"
	"github.com/wesotion/socket-file-sync/pkg/channel"
	"github.com/wesotion/socket-file-sync/pkg/protocol"
)

// DefaultGracePeriod is how long a disconnected peer keeps its watcher
const DefaultGracePeriod = 30 * time.Second

// SessionFactory creates the protocol session for a new id
type SessionFactory func(id string) (*protocol.Session, error)

// ManagerConfig configures a Manager
type ManagerConfig struct {
	NewSession  SessionFactory
	GracePeriod time.Duration
	// SessionTTL bounds how long a disconnected session is kept; zero keeps
	// sessions until they close
	SessionTTL time.Duration
	// SweepSchedule is a standard cron expression for expiring sessions;
	// empty disables the sweep
	SweepSchedule string
	Clock         clockwork.Clock
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

type entry struct {
	// op orders the lane calls made for one session without holding the
	// manager lock while they run
	op sync.Mutex

	session        *protocol.Session
	emitter        channel.Emitter
	connected      bool
	disconnectedAt time.Time
	timer          clockwork.Timer
	// generation invalidates timers armed before the latest transition
	generation uint64
}

// Manager owns server-side sessions keyed by the client's session id
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	cron     *cron.Cron
	closed   bool
}

// NewManager validates cfg
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.NewSession == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule: %w", err)
		}
	}

	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "lifecycle").Logger(),
		sessions: make(map[string]*entry),
	}, nil
}

// NewSessionID returns a fresh id for peers that did not send one
func NewSessionID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("s-%d", time.Now().UnixNano())
	}
	return id
}

// Start schedules the session sweep
func (m *Manager) Start() error {
	if m.cfg.SweepSchedule == "" || m.cfg.SessionTTL <= 0 {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(m.cfg.SweepSchedule, func() { m.Sweep() }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	m.logger.Debug().Str("schedule", m.cfg.SweepSchedule).Dur("ttl", m.cfg.SessionTTL).Msg("Session sweep scheduled")
	return nil
}

// Connect attaches em to the session with id, creating it when unknown.
// Resuming cancels any pending watcher teardown.
func (m *Manager) Connect(id string, em channel.Emitter) (*protocol.Session, bool, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, false, fmt.Errorf("manager is shut down")
		}
		e, resumed := m.sessions[id]
		if !resumed {
			s, err := m.cfg.NewSession(id)
			if err != nil {
				m.mu.Unlock()
				return nil, false, fmt.Errorf("failed to create session: %w", err)
			}
			e = &entry{session: s}
			m.sessions[id] = e
		}
		m.mu.Unlock()

		e.op.Lock()
		m.mu.Lock()
		if m.sessions[id] != e {
			// closed while we waited
			m.mu.Unlock()
			e.op.Unlock()
			continue
		}
		e.generation++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.connected = true
		e.emitter = em
		m.mu.Unlock()

		e.session.Attach(em)
		e.op.Unlock()

		m.cfg.Metrics.SessionOpened(resumed)
		if resumed {
			m.logger.Info().Str("sessionId", id).Msg("Client reconnected")
		} else {
			m.logger.Info().Str("sessionId", id).Msg("Client connected")
		}
		return e.session, resumed, nil
	}
}

// Disconnect records a transient loss of em. The session keeps its
// authentication and directory; an active watcher is kept for the grace
// period and released if the peer has not returned by then.
func (m *Manager) Disconnect(id string, em channel.Emitter) {
	e := m.lookup(id)
	if e == nil {
		return
	}
	e.op.Lock()
	defer e.op.Unlock()

	m.mu.Lock()
	if m.sessions[id] != e || e.emitter != em {
		m.mu.Unlock()
		return
	}
	e.emitter = nil
	e.connected = false
	e.disconnectedAt = m.cfg.Clock.Now()
	e.generation++
	gen := e.generation
	m.mu.Unlock()

	e.session.Detach(em)
	m.logger.Info().Str("sessionId", id).Msg("Client disconnected")

	if !e.session.HasWatcher() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] != e || e.generation != gen {
		return
	}
	e.timer = m.cfg.Clock.AfterFunc(m.cfg.GracePeriod, func() {
		m.expireWatcher(id, gen)
	})
}

func (m *Manager) expireWatcher(id string, gen uint64) {
	e := m.lookup(id)
	if e == nil {
		return
	}
	e.op.Lock()
	defer e.op.Unlock()

	m.mu.Lock()
	if m.sessions[id] != e || e.generation != gen || e.connected {
		m.mu.Unlock()
		return
	}
	e.timer = nil
	m.mu.Unlock()

	if e.session.ReleaseIdleWatcher() {
		m.logger.Info().
			Str("sessionId", id).
			Msgf("Client did not re-connect after %s, closing file-watcher", m.cfg.GracePeriod)
	}
}

// Close destroys the session with id
func (m *Manager) Close(id string) {
	m.mu.Lock()
	e := m.removeLocked(id)
	m.mu.Unlock()

	if e == nil {
		return
	}
	m.closeEntry(e, false)
	m.logger.Info().Str("sessionId", id).Msg("Client closed the session")
}

func (m *Manager) lookup(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// removeLocked forgets the session with id and invalidates its timer. The
// caller closes the returned entry after releasing m.mu.
func (m *Manager) removeLocked(id string) *entry {
	e, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	return e
}

func (m *Manager) closeEntry(e *entry, expired bool) {
	e.session.Close()
	m.cfg.Metrics.SessionClosed(expired)
}

// Sweep closes sessions that stayed disconnected longer than the TTL and
// returns how many it closed
func (m *Manager) Sweep() int {
	if m.cfg.SessionTTL <= 0 {
		return 0
	}

	m.mu.Lock()
	now := m.cfg.Clock.Now()
	expired := make(map[string]*entry)
	for id, e := range m.sessions {
		if e.connected || now.Sub(e.disconnectedAt) < m.cfg.SessionTTL {
			continue
		}
		expired[id] = m.removeLocked(id)
	}
	m.mu.Unlock()

	for id, e := range expired {
		m.closeEntry(e, true)
		m.logger.Info().Str("sessionId", id).Msg("Session expired")
	}
	return len(expired)
}

// Sessions returns a snapshot of every session ordered by id
func (m *Manager) Sessions() []protocol.Snapshot {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	entries := make(map[string]*entry, len(m.sessions))
	for id, e := range m.sessions {
		ids = append(ids, id)
		entries[id] = e
	}
	m.mu.Unlock()

	sort.Strings(ids)
	out := make([]protocol.Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, entries[id].session.Snapshot())
	}
	return out
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops the sweep and closes every session
func (m *Manager) Shutdown() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.closed = true
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for id := range m.sessions {
		entries = append(entries, m.removeLocked(id))
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.closeEntry(e, false)
	}
	m.logger.Info().Msg("All sessions closed")
}
