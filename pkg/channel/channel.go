// Package channel turns a raw duplex websocket connection into named,
// optionally acknowledged message exchange with error-first responses.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned for operations on a closed channel and passed to
	// acknowledgement callbacks that can no longer be answered
	ErrClosed = errors.New("channel closed")
	// ErrAlreadyAcked is returned when a message is acknowledged twice
	ErrAlreadyAcked = errors.New("message already acknowledged")
	// ErrWrite wraps failures to put a message on the wire
	ErrWrite = errors.New("failed to write")
	// ErrMalformedFrame ends the read loop when the peer sends a frame that
	// is not an envelope
	ErrMalformedFrame = errors.New("malformed frame")
)

// Conn is the subset of *websocket.Conn the channel needs
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// deadlineConn is implemented by connections that support keepalive
// pings and I/O deadlines, such as *websocket.Conn
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

const (
	// DefaultPingInterval is how often a channel pings its peer
	DefaultPingInterval = 25 * time.Second
	// DefaultPingTimeout is how long after a ping interval a silent peer
	// is considered gone
	DefaultPingTimeout = 20 * time.Second
	// DefaultWriteTimeout bounds every frame write
	DefaultWriteTimeout = 10 * time.Second
)

// Option configures a Channel
type Option func(*Channel)

// WithHeartbeat sets the ping interval and how long to wait past it for
// any reply before the read loop fails. A zero interval disables pings.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Channel) {
		c.pingInterval = interval
		c.pingTimeout = timeout
	}
}

// WithWriteTimeout bounds every frame write
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.writeTimeout = d
	}
}

// Handler processes one inbound event. Handlers run on the read loop in
// arrival order.
type Handler func(msg Message)

// AckFunc receives the acknowledgement of an emitted event, or a transport
// error when the channel closed before it arrived
type AckFunc func(reply Message, err error)

// Emitter sends events to the peer
type Emitter interface {
	Emit(event string, args ...interface{}) error
	EmitWithAck(event string, ack AckFunc, args ...interface{}) error
}

// Channel is a message channel over a single connection
type Channel struct {
	conn   Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]AckFunc

	pingInterval time.Duration
	pingTimeout  time.Duration
	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
}

// New wraps conn. Connections that support deadlines get a heartbeat and
// bounded writes.
func New(conn Conn, logger zerolog.Logger, opts ...Option) *Channel {
	c := &Channel{
		conn:         conn,
		logger:       logger,
		handlers:     make(map[string]Handler),
		pending:      make(map[string]AckFunc),
		pingInterval: DefaultPingInterval,
		pingTimeout:  DefaultPingTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// On registers the handler for event, replacing any previous one
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Emit sends event with args and does not wait for anything
func (c *Channel) Emit(event string, args ...interface{}) error {
	if event == "" {
		return fmt.Errorf("event is required")
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return err
	}
	return c.write(Envelope{Event: event, Args: raw})
}

// EmitWithAck sends event and calls ack once with the peer's
// acknowledgement. ack runs on the read loop and must not block.
func (c *Channel) EmitWithAck(event string, ack AckFunc, args ...interface{}) error {
	if event == "" {
		return fmt.Errorf("event is required")
	}
	if ack == nil {
		return c.Emit(event, args...)
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ack
	c.mu.Unlock()

	if err := c.write(Envelope{Event: event, ID: id, Args: raw}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Serve reads and dispatches messages until the connection fails or ctx is
// done. It returns the error that ended the read loop. A peer that stops
// answering pings fails the read loop with a timeout.
func (c *Channel) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()
	defer c.failPending()

	done := make(chan struct{})
	defer close(done)
	dc, heartbeat := c.conn.(deadlineConn)
	heartbeat = heartbeat && c.pingInterval > 0
	if heartbeat {
		c.startHeartbeat(dc, done)
	}

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			return err
		}
		if heartbeat {
			_ = dc.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))
		}
		c.dispatch(env)
	}
}

func (c *Channel) startHeartbeat(dc deadlineConn, done <-chan struct{}) {
	wait := c.pingInterval + c.pingTimeout
	_ = dc.SetReadDeadline(time.Now().Add(wait))
	dc.SetPongHandler(func(string) error {
		return dc.SetReadDeadline(time.Now().Add(wait))
	})

	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if c.closed.Load() {
					return
				}
				err := c.conn.WriteControl(websocket.PingMessage, nil, c.writeDeadline())
				if err != nil {
					c.logger.Debug().Err(err).Msg("Failed to send ping")
					return
				}
			}
		}
	}()
}

func (c *Channel) dispatch(env Envelope) {
	if env.AckID != "" {
		c.mu.Lock()
		cb, ok := c.pending[env.AckID]
		delete(c.pending, env.AckID)
		c.mu.Unlock()

		if !ok {
			c.logger.Debug().Str("ackId", env.AckID).Msg("Dropping unexpected acknowledgement")
			return
		}
		cb(Message{Event: env.Event, Args: env.Args}, nil)
		return
	}

	c.mu.Lock()
	h, ok := c.handlers[env.Event]
	c.mu.Unlock()

	msg := Message{Event: env.Event, Args: env.Args, acked: &atomic.Bool{}}
	if env.ID != "" {
		id := env.ID
		msg.ack = func(args ...interface{}) error {
			raw, err := encodeArgs(args)
			if err != nil {
				return err
			}
			return c.write(Envelope{AckID: id, Args: raw})
		}
	}

	if !ok {
		c.logger.Debug().Str("event", env.Event).Msg("No handler for event")
		if msg.WantsAck() {
			_ = msg.Ack(fmt.Sprintf("unknown event %q", env.Event))
		}
		return
	}
	h(msg)
}

func (c *Channel) write(env Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dc, ok := c.conn.(deadlineConn); ok {
		_ = dc.SetWriteDeadline(c.writeDeadline())
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w %q: %w", ErrWrite, env.Event, err)
	}
	return nil
}

// writeDeadline is the zero time, meaning no deadline, when writes are
// unbounded
func (c *Channel) writeDeadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

// CloseWith sends a close frame with code and closes the connection.
// CloseNormalClosure tells the peer the close is permanent.
func (c *Channel) CloseWith(code int, text string) error {
	if !c.closed.Load() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	return c.Close()
}

// CloseAfter closes the channel once its read loop ended with err. A peer
// that sent a malformed frame is told so with an unsupported-data close.
func (c *Channel) CloseAfter(err error) error {
	if errors.Is(err, ErrMalformedFrame) {
		return c.CloseWith(websocket.CloseUnsupportedData, "malformed frame")
	}
	return c.Close()
}

// Close closes the connection and fails pending acknowledgements
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		c.failPending()
	})
	return err
}

// Closed reports whether Close was called
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

func (c *Channel) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]AckFunc)
	c.mu.Unlock()

	for _, cb := range pending {
		cb(Message{}, ErrClosed)
	}
}

// IsUndelivered reports whether err means a message never reached the peer
// or its acknowledgement can no longer arrive, as opposed to the peer
// answering with an error
func IsUndelivered(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrWrite)
}

// IsPermanentClose reports whether err is the peer closing the connection
// on purpose. Any other read error is a transient disconnect.
func IsPermanentClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
