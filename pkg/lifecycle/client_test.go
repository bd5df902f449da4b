package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesotion/socket-file-sync/internal/config"
	"github.com/wesotion/socket-file-sync/pkg/channel"
	"github.com/wesotion/socket-file-sync/pkg/protocol"
	"github.com/wesotion/socket-file-sync/pkg/watcher"
)

// recordingConn captures frames written by a channel
type recordingConn struct {
	mu     sync.Mutex
	frames []channel.Envelope
}

func (c *recordingConn) ReadJSON(v interface{}) error { return io.EOF }

func (c *recordingConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v.(channel.Envelope))
	return nil
}

func (c *recordingConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

// scriptedRunner replays connection events instead of dialing
type scriptedRunner struct {
	cfg   channel.DialerConfig
	conns []*recordingConn
}

func (r *scriptedRunner) Run(ctx context.Context) error {
	for i, conn := range r.conns {
		r.cfg.OnConnect(channel.New(conn, zerolog.Nop()), i > 0)
		r.cfg.OnDisconnect(io.ErrUnexpectedEOF)
	}
	return nil
}

func newTestPeer(t *testing.T) *protocol.Peer {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/work/app", 0755))

	p, err := protocol.NewPeer(protocol.PeerConfig{
		SessionID: "peer",
		Root:      "/work/app",
		Config:    config.Effective{Secret: secret, ServerDir: "/srv/app"},
		Fs:        fs,
		Watchers: func(string, watcher.Handler) (watcher.Watcher, error) {
			return &stubWatcher{}, nil
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return p
}

func TestClientRun(t *testing.T) {
	t.Run("should replay the handshake on every connection", func(t *testing.T) {
		runner := &scriptedRunner{conns: []*recordingConn{{}, {}}}

		c, err := NewClient(ClientConfig{
			URL:    "ws://localhost:50581/ws",
			Peer:   newTestPeer(t),
			Logger: zerolog.Nop(),
			Dial: func(cfg channel.DialerConfig) (Runner, error) {
				runner.cfg = cfg
				return runner, nil
			},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, runner.cfg.SessionID, "a session id is generated")

		require.NoError(t, c.Run(context.Background()))

		for _, conn := range runner.conns {
			assert.Equal(t, []string{protocol.EventAuth, protocol.EventServerDir}, conn.events())
		}
	})

	t.Run("should keep the configured session id", func(t *testing.T) {
		var got channel.DialerConfig
		_, err := NewClient(ClientConfig{
			URL:       "ws://localhost:50581/ws",
			SessionID: "fixed",
			Peer:      newTestPeer(t),
			Dial: func(cfg channel.DialerConfig) (Runner, error) {
				got = cfg
				return &scriptedRunner{}, nil
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "fixed", got.SessionID)
	})

	t.Run("should require a peer", func(t *testing.T) {
		_, err := NewClient(ClientConfig{URL: "ws://localhost/ws"})
		assert.Error(t, err)
	})

	t.Run("should pass dialer errors through", func(t *testing.T) {
		_, err := NewClient(ClientConfig{
			Peer: newTestPeer(t),
			Dial: func(channel.DialerConfig) (Runner, error) {
				return nil, errors.New("url is required")
			},
		})
		assert.Error(t, err)
	})

	t.Run("should fail when the local root cannot be watched", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		p, err := protocol.NewPeer(protocol.PeerConfig{
			Root:   "/missing",
			Config: config.Effective{ServerDir: "/srv/app"},
			Fs:     fs,
			Watchers: func(string, watcher.Handler) (watcher.Watcher, error) {
				return &stubWatcher{}, nil
			},
		})
		require.NoError(t, err)

		c, err := NewClient(ClientConfig{
			URL:  "ws://localhost/ws",
			Peer: p,
			Dial: func(channel.DialerConfig) (Runner, error) { return &scriptedRunner{}, nil },
		})
		require.NoError(t, err)
		assert.ErrorIs(t, c.Run(context.Background()), protocol.ErrDirectoryUnavailable)
	})
}
