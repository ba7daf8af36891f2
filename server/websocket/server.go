// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves the command channel over WebSocket, one JSON
// request or reply per message.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/absmach/topicd/broker"
	"github.com/absmach/topicd/codec"
	"github.com/gorilla/websocket"
)

const defaultPath = "/topicd"

// ConnLimiter decides whether a new connection from addr is admitted.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	Limiter         ConnLimiter // nil admits everything
}

// Server upgrades HTTP requests on Config.Path and hands each socket to the
// broker as a command session.
type Server struct {
	config   Config
	broker   *broker.Broker
	logger   *slog.Logger
	http     *http.Server
	upgrader websocket.Upgrader
	// Hijacked sockets outlive http.Server.Shutdown, so sessions hang off
	// this context instead of the request's.
	sessions context.Context
	stop     context.CancelFunc
}

func New(cfg Config, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config: cfg,
		broker: b,
		logger: logger,
		// Command clients are not browsers; any origin may connect.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.sessions, s.stop = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.serveUpgrade)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	return s
}

// Handler exposes the upgrade endpoint for embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Listen serves until ctx is cancelled, then ends open sessions and drains
// the HTTP server within Config.ShutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.stop()
		return fmt.Errorf("websocket listen on %s: %w", s.config.Address, err)
	}
	s.logger.Info("websocket_server_started",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", s.config.Path))

	served := make(chan error, 1)
	go func() { served <- s.http.Serve(ln) }()

	select {
	case err := <-served:
		s.stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	s.stop()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("websocket_server_stopped")
	return nil
}

func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	remote := peerAddr(r.RemoteAddr)
	if s.config.Limiter != nil && !s.config.Limiter.Allow(remote) {
		s.logger.Warn("connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	if limit := s.broker.MaxMessageSize(); limit > 0 {
		ws.SetReadLimit(int64(limit))
	}

	err = s.broker.HandleConnection(s.sessions, &conn{ws: ws, remote: remote})
	if err != nil {
		s.logger.Debug("websocket_session_ended",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
	}
}

// conn adapts a WebSocket to broker.Conn. Each message carries one command.
type conn struct {
	ws     *websocket.Conn
	remote net.Addr
}

var _ broker.Conn = (*conn)(nil)

// ReadMessage accepts text and binary messages alike. A close frame from the
// peer reads as io.EOF and an expired read deadline as os.ErrDeadlineExceeded.
func (c *conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	var ne net.Error
	switch {
	case err == nil:
		return data, nil
	case errors.As(err, &ne) && ne.Timeout():
		// gorilla hides the deadline error; restore it so idle closes are
		// told apart from broken connections.
		return nil, fmt.Errorf("%w: %w", os.ErrDeadlineExceeded, err)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return nil, io.EOF
	case errors.Is(err, websocket.ErrReadLimit):
		return nil, fmt.Errorf("%w: %w", codec.ErrFrameTooLarge, err)
	}
	return nil, err
}

func (c *conn) WriteMessage(payload []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *conn) Close() error                       { return c.ws.Close() }
func (c *conn) RemoteAddr() net.Addr               { return c.remote }
func (c *conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// peerAddr turns the request's host:port into a TCP address so registration
// and rate limiting see the same peer IP as on the plain TCP listener.
func peerAddr(hostport string) net.Addr {
	if addr, err := net.ResolveTCPAddr("tcp", hostport); err == nil {
		return addr
	}
	return opaqueAddr(hostport)
}

type opaqueAddr string

func (a opaqueAddr) Network() string { return "websocket" }
func (a opaqueAddr) String() string  { return string(a) }
