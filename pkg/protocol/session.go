package protocol

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/wesotion/socket-file-sync/internal/config"
	"github.com/wesotion/socket-file-sync/internal/metrics"
	"github.com/wesotion/socket-file-sync/pkg/batcher"
	"github.com/wesotion/socket-file-sync/pkg/channel"
	"github.com/wesotion/socket-file-sync/pkg/gate"
	"github.com/wesotion/socket-file-sync/pkg/journal"
	"github.com/wesotion/socket-file-sync/pkg/transfer"
	"github.com/wesotion/socket-file-sync/pkg/watcher"
)

// State is the position of a session in the handshake
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateDirectoryBound
	StateTwoWayEnabled
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateDirectoryBound:
		return "directory-bound"
	case StateTwoWayEnabled:
		return "two-way-enabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConfigSource resolves the effective configuration of a directory
type ConfigSource interface {
	ProjectConfig(dir string) (config.Effective, error)
}

// SessionConfig holds the collaborators of a server-side session
type SessionConfig struct {
	ID     string
	Secret string
	Source ConfigSource
	// Defaults apply until a directory is bound
	Defaults config.Effective
	Fs       afero.Fs
	Watchers watcher.Factory
	Clock    clockwork.Clock
	Window   time.Duration
	Journal  journal.Recorder
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Snapshot is a copy of a session's state
type Snapshot struct {
	ID             string
	State          State
	Authenticated  bool
	BoundDirectory string
	TwoWayEnabled  bool
	Attached       bool
	Config         config.Effective
}

// sessionState is owned by the session lane
type sessionState struct {
	authenticated  bool
	boundDirectory string
	config         config.Effective
	watcher        watcher.Watcher
	sendBatch      *batcher.Batcher
	deleteBatch    *batcher.Batcher
	generation     uint64
	emitter        channel.Emitter
	// backlog keeps changes made while no peer was attached
	backlog *backlog
}

// Session is the server side of one client's protocol state. All state
// changes and outbound messages happen on its lane.
type Session struct {
	cfg       SessionConfig
	logger    zerolog.Logger
	lane      *lane
	gate      gate.Gate
	st        sessionState
	closeOnce sync.Once
}

// NewSession creates an unauthenticated session
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("config source is required")
	}
	if cfg.Watchers == nil {
		return nil, fmt.Errorf("watcher factory is required")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Window <= 0 {
		cfg.Window = batcher.DefaultWindow
	}

	return &Session{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("sessionId", cfg.ID).Logger(),
		lane:   newLane(),
		gate:   gate.Gate{Role: gate.RoleServer, Policy: gate.Policy{AcceptIncoming: true}},
		st:     sessionState{config: cfg.Defaults, backlog: newBacklog()},
	}, nil
}

// ID returns the session id
func (s *Session) ID() string {
	return s.cfg.ID
}

// Register binds the session's handlers to r
func (s *Session) Register(r Router) {
	r.On(EventAuth, func(msg channel.Message) {
		s.cfg.Metrics.MessageReceived(msg.Event)
		_ = s.Auth(msg.String(0))
	})
	r.On(EventServerDir, func(msg channel.Message) {
		s.cfg.Metrics.MessageReceived(msg.Event)
		_ = s.BindDirectory(msg.String(0))
	})
	r.On(EventEnableTwoWay, func(msg channel.Message) {
		s.cfg.Metrics.MessageReceived(msg.Event)
		_ = s.EnableTwoWay()
	})
	r.On(EventDeleteFile, func(msg channel.Message) {
		s.cfg.Metrics.MessageReceived(msg.Event)
		var req DeleteFileRequest
		_ = msg.Decode(0, &req)
		_ = s.DeleteFile(req.Relative)
	})
	r.On(EventDeleteFileResponse, func(msg channel.Message) {
		s.cfg.Metrics.MessageReceived(msg.Event)
		var reply DeleteFileReply
		_ = msg.Decode(1, &reply)
		logDeleteResponse(s.logger, reply.Relative, msg.Err(0))
	})
	r.On(transfer.Event, func(msg channel.Message) {
		s.cfg.Metrics.MessageReceived(msg.Event)
		_ = s.HandleTransfer(msg)
	})
}

func (s *Session) do(fn func() error) error {
	var result error
	if err := s.lane.call(func() { result = fn() }); err != nil {
		return err
	}
	return result
}

// Attach makes em the destination of outbound messages. Changes made while
// the session was detached are queued again.
func (s *Session) Attach(em channel.Emitter) {
	_ = s.lane.call(func() {
		s.st.emitter = em
		s.resendBacklog()
	})
}

// Detach drops em if it is still the current destination
func (s *Session) Detach(em channel.Emitter) {
	_ = s.lane.call(func() {
		if s.st.emitter == em {
			s.st.emitter = nil
		}
	})
}

// Auth checks the shared secret. A match authenticates the session for
// its whole lifetime; a mismatch leaves the state unchanged.
func (s *Session) Auth(secret string) error {
	return s.do(func() error {
		if s.cfg.Secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.Secret)) != 1 {
			s.cfg.Metrics.AuthFailed()
			s.logger.Warn().Msg("Authentication failed")
			err := newError(KindAuthenticationFailed, MsgSecretMismatch, nil)
			s.emit(EventAuthResponse, errArg(err))
			return err
		}

		s.st.authenticated = true
		s.logger.Info().Msg("Authenticated")
		s.emit(EventAuthResponse, nil)
		return nil
	})
}

// BindDirectory sets the directory this session synchronizes into and
// resolves its project configuration
func (s *Session) BindDirectory(hint string) error {
	return s.do(func() error {
		fail := func(err error, dir string) error {
			s.logger.Error().Err(err).Str("serverDir", dir).Msg("Cannot sync to")
			s.emit(EventServerDirResponse, errArg(err), ServerDirReply{ServerDir: dir})
			return err
		}

		if !s.st.authenticated {
			return fail(newError(KindAuthenticationFailed, MsgNotAuthenticated, nil), hint)
		}

		dir, err := NormalizeDir(hint)
		if err != nil {
			return fail(err, hint)
		}
		if err := checkDir(s.cfg.Fs, dir); err != nil {
			return fail(err, dir)
		}

		eff, err := s.cfg.Source.ProjectConfig(dir)
		if err != nil {
			return fail(newError(KindDirectoryUnavailable, err.Error(), err), dir)
		}

		if s.st.boundDirectory != dir {
			s.st.backlog.reset()
		}
		if s.st.watcher != nil && s.st.boundDirectory != dir {
			s.logger.Info().
				Str("from", s.st.boundDirectory).
				Str("to", dir).
				Msg("Directory changed, closing file-watcher")
			s.releaseWatcher(false)
		}
		s.st.boundDirectory = dir
		s.st.config = eff

		s.logger.Info().Str("serverDir", dir).Msg("Syncing to")
		s.emit(EventServerDirResponse, nil, ServerDirReply{
			ServerDir:     dir,
			TwoWayEnabled: s.st.watcher != nil,
		})
		return nil
	})
}

// EnableTwoWay starts watching the bound directory and pushing its changes
// to the peer
func (s *Session) EnableTwoWay() error {
	return s.do(func() error {
		fail := func(err error) error {
			s.logger.Warn().Err(err).Msg("Two-way sync refused")
			s.emit(EventEnableTwoWayResponse, errArg(err))
			return err
		}

		switch {
		case !s.st.authenticated:
			return fail(newError(KindAuthenticationFailed, MsgNotAuthenticated, nil))
		case !s.st.config.TwoWay:
			return fail(newError(KindPolicyViolation, MsgTwoWayDisabled, nil))
		case s.st.boundDirectory == "":
			return fail(newError(KindDirectoryUnavailable, MsgNoServerDir, nil))
		case s.st.watcher != nil:
			return fail(newError(KindPolicyViolation, MsgAlreadyEnabled, nil))
		}

		s.st.generation++
		gen := s.st.generation
		sendBatch := batcher.New(s.cfg.Window, s.cfg.Clock, s.onLane(gen, s.pushFile))
		deleteBatch := batcher.New(s.cfg.Window, s.cfg.Clock, s.onLane(gen, s.requestRemoteDelete))

		w, err := s.cfg.Watchers(s.st.boundDirectory, routeEvents(sendBatch, deleteBatch))
		if err != nil {
			sendBatch.Close()
			deleteBatch.Close()
			return fail(newError(KindResourceUnavailable, fmt.Sprintf("cannot watch %s: %v", s.st.boundDirectory, err), err))
		}

		s.st.watcher = w
		s.st.sendBatch = sendBatch
		s.st.deleteBatch = deleteBatch
		s.cfg.Metrics.WatcherOpened()
		s.resendBacklog()

		s.logger.Info().
			Str("serverDir", s.st.boundDirectory).
			Bool("deleteOnRemote", s.st.config.DeleteOnRemote).
			Msg("Two-way sync enabled")
		s.emit(EventEnableTwoWayResponse, nil, EnableTwoWayReply{Success: true})
		return nil
	})
}

// DeleteFile removes a path the peer deleted. Refusals are reported to the
// peer and never affect the connection.
func (s *Session) DeleteFile(relative string) error {
	return s.do(func() error {
		var err error
		switch {
		case !s.st.authenticated:
			err = newError(KindAuthenticationFailed, MsgNotAuthenticated, nil)
		case !s.st.config.DeleteByRemote:
			err = newError(KindPolicyViolation, MsgDeleteByRemote, nil)
		case s.st.boundDirectory == "":
			err = newError(KindPolicyViolation, MsgNoServerDir, nil)
		default:
			err = removeLocal(s.cfg.Fs, s.st.boundDirectory, relative)
		}

		s.cfg.Metrics.Delete("local", err)
		record(s.cfg.Journal, s.logger, s.cfg.ID, journal.OpDelete, relative, err)

		if err != nil {
			s.logger.Warn().Err(err).Str("relative", relative).Msg("Refused to delete file")
			s.emit(EventDeleteFileResponse, errArg(err), DeleteFileReply{Relative: relative})
			return err
		}

		s.logger.Debug().Str("relative", relative).Msg("Deleted file")
		s.emit(EventDeleteFileResponse, nil, DeleteFileReply{Relative: relative})
		return nil
	})
}

// HandleTransfer applies a file pushed by the peer and acknowledges it
func (s *Session) HandleTransfer(msg channel.Message) error {
	var f transfer.File
	decodeErr := msg.Decode(0, &f)

	return s.do(func() error {
		err := decodeErr
		if err == nil {
			if gerr := s.gate.Allow(gate.Receive, s.gateState()); gerr != nil {
				err = newError(KindTransferRejected, gerr.Error(), gerr)
			}
		}

		changed := false
		if err == nil {
			changed, err = transfer.Receive(s.cfg.Fs, s.st.boundDirectory, f)
		}

		s.cfg.Metrics.Transfer(string(gate.Receive), err, len(f.Contents))
		record(s.cfg.Journal, s.logger, s.cfg.ID, journal.OpReceive, f.Relative, err)

		if err != nil {
			s.logger.Error().Err(err).Str("relative", f.Relative).Msg("Failed to receive file")
		} else if changed {
			s.logger.Debug().Str("relative", f.Relative).Msg("Received file")
		}
		if ackErr := msg.Ack(errArg(err)); ackErr != nil {
			s.logger.Debug().Err(ackErr).Msg("Failed to acknowledge file")
		}
		return err
	})
}

// HasWatcher reports whether two-way sync is active
func (s *Session) HasWatcher() bool {
	var has bool
	_ = s.lane.call(func() { has = s.st.watcher != nil })
	return has
}

// ReleaseWatcher closes the two-way watcher, if any. The session keeps its
// authentication and directory; enable-two-way must be sent again.
func (s *Session) ReleaseWatcher() bool {
	var released bool
	_ = s.lane.call(func() {
		released = s.st.watcher != nil
		s.releaseWatcher(true)
	})
	return released
}

// ReleaseIdleWatcher is ReleaseWatcher for a session no peer is attached
// to. It does nothing once a peer has attached again.
func (s *Session) ReleaseIdleWatcher() bool {
	var released bool
	_ = s.lane.call(func() {
		if s.st.emitter != nil {
			return
		}
		released = s.st.watcher != nil
		s.releaseWatcher(true)
	})
	return released
}

func (s *Session) releaseWatcher(reclaimed bool) {
	if s.st.watcher == nil {
		return
	}
	s.st.generation++
	s.st.sendBatch.Close()
	s.st.deleteBatch.Close()
	if err := s.st.watcher.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close file-watcher")
	}
	s.st.watcher = nil
	s.st.sendBatch = nil
	s.st.deleteBatch = nil
	s.cfg.Metrics.WatcherClosed(reclaimed)
}

// Snapshot returns a copy of the current state
func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	_ = s.lane.call(func() {
		snap = Snapshot{
			ID:             s.cfg.ID,
			State:          s.state(),
			Authenticated:  s.st.authenticated,
			BoundDirectory: s.st.boundDirectory,
			TwoWayEnabled:  s.st.watcher != nil,
			Attached:       s.st.emitter != nil,
			Config:         s.st.config,
		}
	})
	return snap
}

// Close releases every resource and stops the lane. Later operations
// return an error.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.lane.call(func() {
			s.releaseWatcher(false)
			s.st.emitter = nil
		})
		s.lane.close(true)
	})
}

func (s *Session) state() State {
	switch {
	case s.st.watcher != nil:
		return StateTwoWayEnabled
	case s.st.boundDirectory != "":
		return StateDirectoryBound
	case s.st.authenticated:
		return StateAuthenticated
	default:
		return StateUnauthenticated
	}
}

func (s *Session) gateState() gate.State {
	return gate.State{
		Authenticated:  s.st.authenticated,
		BoundDirectory: s.st.boundDirectory,
		TwoWayEnabled:  s.st.watcher != nil,
	}
}

// onLane moves a batch onto the lane, dropping it when the watcher that
// produced it has been replaced
func (s *Session) onLane(gen uint64, action func(relative string) error) batcher.FlushFunc {
	each := batcher.Each(action, func(relative string, err error) {
		s.logger.Error().Err(err).Str("relative", relative).Msg("Failed to sync file")
	})
	return func(paths []string) {
		_ = s.lane.submit(func() {
			if s.st.generation != gen {
				return
			}
			each(paths)
		})
	}
}

func (s *Session) pushFile(relative string) error {
	if err := s.gate.Allow(gate.Send, s.gateState()); err != nil {
		return newError(KindTransferRejected, err.Error(), err)
	}
	if s.st.emitter == nil {
		s.st.backlog.markSend(relative)
		s.logger.Debug().Str("relative", relative).Msg("Peer not connected, change kept")
		return nil
	}

	f, err := transfer.Read(s.cfg.Fs, s.st.boundDirectory, relative)
	if errors.Is(err, transfer.ErrVanished) || errors.Is(err, transfer.ErrNotRegular) {
		return nil
	}
	if err != nil {
		return err
	}

	size := len(f.Contents)
	logger := s.logger
	rec := s.cfg.Journal
	m := s.cfg.Metrics
	id := s.cfg.ID
	dir := s.st.boundDirectory
	transfer.Push(s.st.emitter, f, func(err error) {
		m.Transfer(string(gate.Send), err, size)
		record(rec, logger, id, journal.OpSend, relative, err)
		if channel.IsUndelivered(err) {
			logger.Debug().Err(err).Str("relative", relative).Msg("File not delivered, change kept")
			_ = s.lane.submit(func() {
				if s.st.boundDirectory == dir {
					s.st.backlog.markSend(relative)
				}
			})
			return
		}
		if err != nil {
			logger.Error().Err(err).Str("relative", relative).Msg("Peer refused file")
			return
		}
		logger.Debug().Str("relative", relative).Msg("Sent file")
	})
	return nil
}

func (s *Session) requestRemoteDelete(relative string) error {
	if !s.st.config.DeleteOnRemote {
		return nil
	}
	if s.st.emitter == nil {
		s.st.backlog.markDelete(relative)
		s.logger.Debug().Str("relative", relative).Msg("Peer not connected, deletion kept")
		return nil
	}
	s.logger.Info().Str("relative", relative).Msg("Deleting file on remote")
	record(s.cfg.Journal, s.logger, s.cfg.ID, journal.OpDeleteRemote, relative, nil)
	err := s.st.emitter.Emit(EventDeleteFile, DeleteFileRequest{Relative: relative})
	if channel.IsUndelivered(err) {
		s.st.backlog.markDelete(relative)
		s.logger.Debug().Err(err).Str("relative", relative).Msg("Deletion not delivered, kept")
		return nil
	}
	return err
}

// resendBacklog queues the changes kept while detached once a peer is
// attached and the directory is watched
func (s *Session) resendBacklog() {
	if s.st.emitter == nil || s.st.sendBatch == nil || s.st.backlog.len() == 0 {
		return
	}
	n := s.st.backlog.drain(s.st.sendBatch, s.st.deleteBatch)
	s.logger.Info().Int("paths", n).Msg("Resending changes made while disconnected")
}

func (s *Session) emit(event string, args ...interface{}) {
	if s.st.emitter == nil {
		s.logger.Debug().Str("event", event).Msg("Peer not connected, message dropped")
		return
	}
	if err := s.st.emitter.Emit(event, args...); err != nil {
		s.logger.Debug().Err(err).Str("event", event).Msg("Failed to send message")
	}
}

// routeEvents feeds watcher events into the matching batcher
func routeEvents(send, del *batcher.Batcher) watcher.Handler {
	return func(ev watcher.Event) {
		switch ev.Kind {
		case watcher.KindAdd, watcher.KindChange:
			send.Add(ev.Path)
		case watcher.KindUnlink:
			del.Add(ev.Path)
		}
	}
}

func logDeleteResponse(logger zerolog.Logger, relative string, err error) {
	if err != nil {
		logger.Error().Err(err).Str("relative", relative).Msg("Failed to delete file on remote")
		return
	}
	logger.Info().Str("relative", relative).Msg("Deleted file on remote")
}
