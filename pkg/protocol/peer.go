package protocol

import (
	"errors"
	"fmt"
	"path/filepath"
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

// PeerConfig holds the collaborators of the client side
type PeerConfig struct {
	SessionID string
	Root      string
	Config    config.Effective
	// InitialSync pushes every existing file once the server directory is bound
	InitialSync bool
	Fs          afero.Fs
	Watchers    watcher.Factory
	Clock       clockwork.Clock
	Window      time.Duration
	Journal     journal.Recorder
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// Peer is the client side of the protocol. It always pushes its own
// changes and applies the server's only as far as its own flags allow.
type Peer struct {
	cfg    PeerConfig
	logger zerolog.Logger
	lane   *lane
	gate   gate.Gate

	// owned by the lane
	emitter       channel.Emitter
	watcher       watcher.Watcher
	sendBatch     *batcher.Batcher
	deleteBatch   *batcher.Batcher
	initialSynced bool
	// backlog keeps changes made while disconnected
	backlog *backlog

	closeOnce sync.Once
}

// NewPeer validates cfg
func NewPeer(cfg PeerConfig) (*Peer, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root is required")
	}
	if cfg.Config.ServerDir == "" {
		return nil, fmt.Errorf("serverDir is required")
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
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("invalid root: %w", err)
	}
	cfg.Root = root

	return &Peer{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("sessionId", cfg.SessionID).Logger(),
		lane:    newLane(),
		gate:    gate.Gate{Role: gate.RoleClient, Policy: gate.Policy{AcceptIncoming: cfg.Config.TwoWay}},
		backlog: newBacklog(),
	}, nil
}

// Start watches the local root
func (p *Peer) Start() error {
	return p.do(func() error {
		if p.watcher != nil {
			return nil
		}
		if err := checkDir(p.cfg.Fs, p.cfg.Root); err != nil {
			return err
		}

		p.sendBatch = batcher.New(p.cfg.Window, p.cfg.Clock, p.onLane(p.pushFile))
		p.deleteBatch = batcher.New(p.cfg.Window, p.cfg.Clock, p.onLane(p.requestRemoteDelete))

		w, err := p.cfg.Watchers(p.cfg.Root, routeEvents(p.sendBatch, p.deleteBatch))
		if err != nil {
			p.sendBatch.Close()
			p.deleteBatch.Close()
			return newError(KindResourceUnavailable, fmt.Sprintf("cannot watch %s: %v", p.cfg.Root, err), err)
		}
		p.watcher = w

		if p.cfg.Config.DeleteOnRemote {
			p.logger.Info().Msg("delete-on-remote enabled")
		}
		return nil
	})
}

// Register binds the client's handlers to r
func (p *Peer) Register(r Router) {
	r.On(EventAuthResponse, func(msg channel.Message) {
		p.cfg.Metrics.MessageReceived(msg.Event)
		if err := msg.Err(0); err != nil {
			p.logger.Error().Err(err).Msg("Failed to authenticate")
			return
		}
		p.logger.Info().Msg("Authenticated")
	})
	r.On(EventServerDirResponse, func(msg channel.Message) {
		p.cfg.Metrics.MessageReceived(msg.Event)
		var reply ServerDirReply
		_ = msg.Decode(1, &reply)
		_ = p.ServerDirBound(reply, msg.Err(0))
	})
	r.On(EventEnableTwoWayResponse, func(msg channel.Message) {
		p.cfg.Metrics.MessageReceived(msg.Event)
		if err := msg.Err(0); err != nil {
			p.logger.Error().Err(err).Msg("Failed to enable two-way sync by server")
			return
		}
		p.logger.Info().Bool("deleteByRemote", p.cfg.Config.DeleteByRemote).Msg("Two-way enabled by server")
	})
	r.On(EventDeleteFile, func(msg channel.Message) {
		p.cfg.Metrics.MessageReceived(msg.Event)
		var req DeleteFileRequest
		_ = msg.Decode(0, &req)
		_ = p.DeleteFile(req.Relative)
	})
	r.On(EventDeleteFileResponse, func(msg channel.Message) {
		p.cfg.Metrics.MessageReceived(msg.Event)
		var reply DeleteFileReply
		_ = msg.Decode(1, &reply)
		logDeleteResponse(p.logger, reply.Relative, msg.Err(0))
	})
	r.On(transfer.Event, func(msg channel.Message) {
		p.cfg.Metrics.MessageReceived(msg.Event)
		_ = p.HandleTransfer(msg)
	})
}

func (p *Peer) do(fn func() error) error {
	var result error
	if err := p.lane.call(func() { result = fn() }); err != nil {
		return err
	}
	return result
}

// Handshake attaches em and sends auth followed by server-dir. It runs for
// the first connection and again after every reconnect.
func (p *Peer) Handshake(em channel.Emitter) error {
	return p.do(func() error {
		p.emitter = em
		if err := em.Emit(EventAuth, p.cfg.Config.Secret); err != nil {
			return fmt.Errorf("failed to send auth: %w", err)
		}
		if err := em.Emit(EventServerDir, p.cfg.Config.ServerDir); err != nil {
			return fmt.Errorf("failed to send server-dir: %w", err)
		}
		return nil
	})
}

// Detach forgets the current connection
func (p *Peer) Detach() {
	_ = p.lane.call(func() { p.emitter = nil })
}

// ServerDirBound handles the server's answer to server-dir. Two-way sync is
// requested when configured and not already active on the server, and
// changes made while disconnected are sent again.
func (p *Peer) ServerDirBound(reply ServerDirReply, bindErr error) error {
	return p.do(func() error {
		if bindErr != nil {
			p.logger.Error().Err(bindErr).Str("serverDir", reply.ServerDir).Msg("Cannot sync to")
			return bindErr
		}
		p.logger.Info().Str("serverDir", reply.ServerDir).Msg("Syncing to")

		if p.cfg.Config.TwoWay && !reply.TwoWayEnabled && p.emitter != nil {
			p.logger.Info().Msg("Enabling two-way sync from server...")
			if err := p.emitter.Emit(EventEnableTwoWay); err != nil {
				p.logger.Warn().Err(err).Msg("Failed to request two-way sync")
			}
		}

		if p.cfg.InitialSync && !p.initialSynced && p.sendBatch != nil {
			p.initialSynced = true
			files, err := scanFiles(p.cfg.Fs, p.cfg.Root)
			if err != nil {
				p.logger.Warn().Err(err).Msg("Initial scan failed")
			}
			for _, f := range files {
				p.sendBatch.Add(f)
			}
			p.logger.Info().Int("files", len(files)).Msg("Initial sync queued")
		}

		if p.emitter != nil && p.sendBatch != nil && p.backlog.len() > 0 {
			n := p.backlog.drain(p.sendBatch, p.deleteBatch)
			p.logger.Info().Int("paths", n).Msg("Resending changes made while disconnected")
		}
		return nil
	})
}

// DeleteFile removes a path the server asked to delete, if this side
// allows deletion by the remote
func (p *Peer) DeleteFile(relative string) error {
	return p.do(func() error {
		var err error
		if !p.cfg.Config.DeleteByRemote {
			err = newError(KindPolicyViolation, MsgDeleteByRemote, nil)
		} else {
			err = removeLocal(p.cfg.Fs, p.cfg.Root, relative)
		}

		p.cfg.Metrics.Delete("local", err)
		record(p.cfg.Journal, p.logger, p.cfg.SessionID, journal.OpDelete, relative, err)

		if err != nil {
			p.logger.Warn().Err(err).Str("relative", relative).Msg("Refused to delete file")
			p.emit(EventDeleteFileResponse, errArg(err), DeleteFileReply{Relative: relative})
			return err
		}
		p.logger.Info().Str("relative", relative).Msg("Deleted file")
		p.emit(EventDeleteFileResponse, nil, DeleteFileReply{Relative: relative})
		return nil
	})
}

// HandleTransfer applies a file pushed by the server when two-way sync is
// enabled locally, and rejects it otherwise
func (p *Peer) HandleTransfer(msg channel.Message) error {
	var f transfer.File
	decodeErr := msg.Decode(0, &f)

	return p.do(func() error {
		err := decodeErr
		if err == nil {
			if gerr := p.gate.Allow(gate.Receive, gate.State{}); gerr != nil {
				err = newError(KindTransferRejected, gerr.Error(), gerr)
			}
		}
		if err == nil {
			_, err = transfer.Receive(p.cfg.Fs, p.cfg.Root, f)
		}

		p.cfg.Metrics.Transfer(string(gate.Receive), err, len(f.Contents))
		record(p.cfg.Journal, p.logger, p.cfg.SessionID, journal.OpReceive, f.Relative, err)

		if err != nil {
			p.logger.Error().Err(err).Str("relative", f.Relative).Msg("Failed to receive file")
		} else {
			p.logger.Debug().Str("relative", f.Relative).Msg("Received file")
		}
		if ackErr := msg.Ack(errArg(err)); ackErr != nil {
			p.logger.Debug().Err(ackErr).Msg("Failed to acknowledge file")
		}
		return err
	})
}

// Flush pushes pending changes immediately
func (p *Peer) Flush() {
	var send, del *batcher.Batcher
	_ = p.lane.call(func() { send, del = p.sendBatch, p.deleteBatch })
	if send != nil {
		send.Flush()
	}
	if del != nil {
		del.Flush()
	}
}

// Close stops watching and the lane
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		_ = p.lane.call(func() {
			if p.sendBatch != nil {
				p.sendBatch.Close()
				p.deleteBatch.Close()
			}
			if p.watcher != nil {
				if err := p.watcher.Close(); err != nil {
					p.logger.Warn().Err(err).Msg("Failed to close file-watcher")
				}
				p.watcher = nil
			}
			p.emitter = nil
		})
		p.lane.close(true)
	})
}

func (p *Peer) onLane(action func(relative string) error) batcher.FlushFunc {
	each := batcher.Each(action, func(relative string, err error) {
		p.logger.Error().Err(err).Str("relative", relative).Msg("Failed to sync file")
	})
	return func(paths []string) {
		_ = p.lane.submit(func() { each(paths) })
	}
}

func (p *Peer) pushFile(relative string) error {
	if err := p.gate.Allow(gate.Send, gate.State{}); err != nil {
		return newError(KindTransferRejected, err.Error(), err)
	}
	if p.emitter == nil {
		p.backlog.markSend(relative)
		p.logger.Debug().Str("relative", relative).Msg("Not connected, change kept")
		return nil
	}

	f, err := transfer.Read(p.cfg.Fs, p.cfg.Root, relative)
	if errors.Is(err, transfer.ErrVanished) || errors.Is(err, transfer.ErrNotRegular) {
		return nil
	}
	if err != nil {
		return err
	}

	size := len(f.Contents)
	logger := p.logger
	rec := p.cfg.Journal
	m := p.cfg.Metrics
	id := p.cfg.SessionID
	transfer.Push(p.emitter, f, func(err error) {
		m.Transfer(string(gate.Send), err, size)
		record(rec, logger, id, journal.OpSend, relative, err)
		if channel.IsUndelivered(err) {
			logger.Debug().Err(err).Str("relative", relative).Msg("File not delivered, change kept")
			_ = p.lane.submit(func() { p.backlog.markSend(relative) })
			return
		}
		if err != nil {
			logger.Error().Err(err).Str("relative", relative).Msg("Server refused file")
			return
		}
		logger.Info().Str("relative", relative).Msg("Sent file")
	})
	return nil
}

func (p *Peer) requestRemoteDelete(relative string) error {
	if !p.cfg.Config.DeleteOnRemote {
		return nil
	}
	if p.emitter == nil {
		p.backlog.markDelete(relative)
		p.logger.Debug().Str("relative", relative).Msg("Not connected, deletion kept")
		return nil
	}
	p.logger.Info().Str("relative", relative).Msg("Deleting file")
	record(p.cfg.Journal, p.logger, p.cfg.SessionID, journal.OpDeleteRemote, relative, nil)
	err := p.emitter.Emit(EventDeleteFile, DeleteFileRequest{Relative: relative})
	if channel.IsUndelivered(err) {
		p.backlog.markDelete(relative)
		p.logger.Debug().Err(err).Str("relative", relative).Msg("Deletion not delivered, kept")
		return nil
	}
	return err
}

func (p *Peer) emit(event string, args ...interface{}) {
	if p.emitter == nil {
		return
	}
	if err := p.emitter.Emit(event, args...); err != nil {
		p.logger.Debug().Err(err).Str("event", event).Msg("Failed to send message")
	}
}
