package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// SessionHeader carries the client session id so the server can resume the
// session after a transient disconnect
const SessionHeader = "X-Sync-Session"

// DialerConfig configures a reconnecting client connection
type DialerConfig struct {
	URL       string
	SessionID string
	Logger    zerolog.Logger

	// OnConnect runs for every established connection before its read loop
	// starts. reconnect is false only for the first one.
	OnConnect func(ch *Channel, reconnect bool)
	// OnDisconnect runs after a connection is lost
	OnDisconnect func(err error)

	InitialInterval time.Duration
	MaxInterval     time.Duration
	// PingInterval and PingTimeout configure the heartbeat of every
	// connection. Zero values use the channel defaults.
	PingInterval time.Duration
	PingTimeout  time.Duration
	Dialer       *websocket.Dialer
}

// Dialer keeps a connection to the server alive until its context ends
type Dialer struct {
	cfg DialerConfig
}

// NewDialer validates cfg
func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Dialer{cfg: cfg}, nil
}

// Run dials, serves and redials with exponential backoff. It returns when
// ctx is done or the server closes the connection permanently. Before
// returning on ctx it closes the current connection with a normal close so
// the server destroys the session.
func (d *Dialer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialInterval
	bo.MaxInterval = d.cfg.MaxInterval

	header := http.Header{}
	header.Set(SessionHeader, d.cfg.SessionID)

	connected := false
	for {
		conn, _, err := d.cfg.Dialer.DialContext(ctx, d.cfg.URL, header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			d.cfg.Logger.Debug().Err(err).Dur("retryIn", wait).Msg("Dial failed")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		bo.Reset()

		ch := New(conn, d.cfg.Logger, WithHeartbeat(d.cfg.PingInterval, d.cfg.PingTimeout))
		if d.cfg.OnConnect != nil {
			d.cfg.OnConnect(ch, connected)
		}
		connected = true

		serveErr := d.serve(ctx, ch)
		if ctx.Err() != nil {
			return nil
		}
		if d.cfg.OnDisconnect != nil {
			d.cfg.OnDisconnect(serveErr)
		}
		if IsPermanentClose(serveErr) {
			return fmt.Errorf("server closed the connection: %w", serveErr)
		}
	}
}

func (d *Dialer) serve(ctx context.Context, ch *Channel) error {
	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		_ = ch.CloseWith(websocket.CloseNormalClosure, "client shutdown")
	})
	defer stop()

	err := ch.Serve(serveCtx)
	_ = ch.CloseAfter(err)
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
