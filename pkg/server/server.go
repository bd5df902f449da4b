// Package server accepts sync clients over websocket and hands each
// connection to its protocol session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wesotion/socket-file-sync/internal/metrics"
	"github.com/wesotion/socket-file-sync/pkg/channel"
	"github.com/wesotion/socket-file-sync/pkg/lifecycle"
)

// Server is the sync server
type Server struct {
	host    string
	port    int
	manager *lifecycle.Manager
	metrics *metrics.Metrics
	logger  zerolog.Logger
	started time.Time

	pingInterval time.Duration
	pingTimeout  time.Duration

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	mu             sync.Mutex
	conns          map[*channel.Channel]struct{}
	isShuttingDown bool
	handlers       sync.WaitGroup
}

// Health is the body of the health endpoint
type Health struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// Config holds server configuration
type Config struct {
	Host    string
	Port    int
	Manager *lifecycle.Manager
	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	// PingInterval and PingTimeout configure the heartbeat of every
	// connection. Zero values use the channel defaults.
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// New creates a server
func New(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = channel.DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = channel.DefaultPingTimeout
	}

	return &Server{
		host:    cfg.Host,
		port:    cfg.Port,
		manager: cfg.Manager,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		started: time.Now(),

		pingInterval: cfg.PingInterval,
		pingTimeout:  cfg.PingTimeout,

		conns: make(map[*channel.Channel]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(Health{
			Status:        "ok",
			Sessions:      s.manager.Count(),
			UptimeSeconds: int64(time.Since(s.started).Seconds()),
		})
	})
	return mux
}

// Start listens and serves in the background. A port that cannot be bound
// is returned as an error.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := s.manager.Start(); err != nil {
		_ = ln.Close()
		return err
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Listening")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes every connection as going away, so clients reconnect to the
// next instance, and then destroys all sessions
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.isShuttingDown = true
	conns := make([]*channel.Channel, 0, len(s.conns))
	for ch := range s.conns {
		conns = append(conns, ch)
	}
	s.mu.Unlock()

	s.logger.Info().Int("connections", len(conns)).Msg("Shutting down")

	var err error
	if s.server != nil {
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shutdown server: %w", shutdownErr)
		}
	}

	for _, ch := range conns {
		_ = ch.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.manager.Shutdown()
	s.logger.Info().Msg("Server stopped")
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.isShuttingDown {
		s.mu.Unlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.handlers.Add(1)
	s.mu.Unlock()
	defer s.handlers.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id := r.Header.Get(channel.SessionHeader)
	if id == "" {
		id = lifecycle.NewSessionID()
	}
	logger := s.logger.With().Str("sessionId", id).Str("ip", r.RemoteAddr).Logger()

	ch := channel.New(conn, logger, channel.WithHeartbeat(s.pingInterval, s.pingTimeout))
	session, _, err := s.manager.Connect(id, ch)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open session")
		_ = ch.CloseWith(websocket.CloseTryAgainLater, "session unavailable")
		return
	}
	session.Register(ch)

	s.track(ch, true)
	defer s.track(ch, false)

	serveErr := ch.Serve(context.Background())
	_ = ch.CloseAfter(serveErr)

	if channel.IsPermanentClose(serveErr) {
		s.manager.Close(id)
		return
	}
	logger.Debug().Err(serveErr).Msg("Connection lost")
	s.manager.Disconnect(id, ch)
}

func (s *Server) track(ch *channel.Channel, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[ch] = struct{}{}
		return
	}
	delete(s.conns, ch)
}
