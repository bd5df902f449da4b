package lifecycle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/wesotion/socket-file-sync/pkg/channel"
	"github.com/wesotion/socket-file-sync/pkg/protocol"
)

// Runner keeps a connection alive; *channel.Dialer is the real one
type Runner interface {
	Run(ctx context.Context) error
}

// ClientConfig configures a Client
type ClientConfig struct {
	URL       string
	SessionID string
	Peer      *protocol.Peer
	Logger    zerolog.Logger
	// Dial overrides how the connection loop is built
	Dial func(cfg channel.DialerConfig) (Runner, error)
}

// Client drives the client side: it keeps reconnecting and replays the
// handshake on every connection
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger
	runner Runner
}

// NewClient validates cfg and builds the connection loop
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Peer == nil {
		return nil, fmt.Errorf("peer is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = NewSessionID()
	}
	if cfg.Dial == nil {
		cfg.Dial = func(dc channel.DialerConfig) (Runner, error) {
			return channel.NewDialer(dc)
		}
	}

	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("sessionId", cfg.SessionID).Logger(),
	}

	runner, err := cfg.Dial(channel.DialerConfig{
		URL:          cfg.URL,
		SessionID:    cfg.SessionID,
		Logger:       cfg.Logger,
		OnConnect:    c.onConnect,
		OnDisconnect: c.onDisconnect,
	})
	if err != nil {
		return nil, err
	}
	c.runner = runner
	return c, nil
}

// Run starts the peer's watcher and connects until ctx is done
func (c *Client) Run(ctx context.Context) error {
	if err := c.cfg.Peer.Start(); err != nil {
		return err
	}
	defer c.cfg.Peer.Close()

	c.logger.Info().Str("url", c.cfg.URL).Msg("Connecting...")
	return c.runner.Run(ctx)
}

func (c *Client) onConnect(ch *channel.Channel, reconnect bool) {
	c.cfg.Peer.Register(ch)
	if reconnect {
		c.logger.Info().Msg("Reconnected. Re-initializing")
	} else {
		c.logger.Info().Msg("Connected. Initializing...")
	}
	if err := c.cfg.Peer.Handshake(ch); err != nil {
		c.logger.Error().Err(err).Msg("Handshake failed")
	}
}

func (c *Client) onDisconnect(err error) {
	c.cfg.Peer.Detach()
	if channel.IsPermanentClose(err) {
		c.logger.Warn().Err(err).Msg("Server closed the connection")
		return
	}
	c.logger.Info().Msg("Disconnected. Waiting to reconnect...")
}
