// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp serves the length-prefixed command channel over TCP.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/topicd/broker"
	"github.com/absmach/topicd/codec"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// ConnLimiter decides whether a new connection from addr is admitted.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the TCP server configuration.
type Config struct {
	Address         string
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	TCPKeepAlive    time.Duration
	MaxConnections  int
	MaxMessageSize  int
	DisableNoDelay  bool
	Limiter         ConnLimiter // nil admits everything
}

// Server accepts command connections and hands each one to the broker as a
// framed session.
type Server struct {
	mu       sync.Mutex
	sessions sync.WaitGroup
	config   Config
	broker   *broker.Broker
	listener net.Listener
	// slots bounds concurrent sessions; nil means unbounded.
	slots chan struct{}
}

func New(cfg Config, b *broker.Broker) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = b.MaxMessageSize()
	}

	s := &Server{config: cfg, broker: b}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Listen binds the configured address and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("tcp listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// open sessions. The listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.config.Logger.Info("tcp_server_started", slog.String("address", ln.Addr().String()))

	// Sessions outlive ctx by up to ShutdownTimeout so in-flight commands
	// can finish.
	sessCtx, abort := context.WithCancel(context.Background())
	defer abort()

	accepting := s.acceptLoop(ctx, sessCtx, ln)
	<-ctx.Done()
	return s.drain(ln, accepting, abort)
}

func (s *Server) acceptLoop(ctx, sessCtx context.Context, ln net.Listener) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			switch {
			case err == nil:
			case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
				return
			default:
				s.config.Logger.Error("accept_failed", slog.String("error", err.Error()))
				continue
			}

			if !s.admit(ctx, conn) {
				conn.Close()
				continue
			}
			if err := s.tune(conn); err != nil {
				s.config.Logger.Error("configure_conn_failed", slog.String("error", err.Error()))
				s.release()
				conn.Close()
				continue
			}

			s.sessions.Add(1)
			go s.serveSession(sessCtx, conn)
		}
	}()
	return done
}

// admit applies the per-IP limiter and then takes a connection slot.
// Rejected connections are left for the caller to close.
func (s *Server) admit(ctx context.Context, conn net.Conn) bool {
	remote := conn.RemoteAddr()
	if s.config.Limiter != nil && !s.config.Limiter.Allow(remote) {
		s.config.Logger.Warn("connection_rate_limited", slog.String("remote", remote.String()))
		return false
	}
	if s.slots == nil {
		return true
	}

	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	default:
		s.config.Logger.Warn("connection_limit_reached", slog.String("remote", remote.String()))
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) serveSession(ctx context.Context, conn net.Conn) {
	defer s.sessions.Done()
	defer s.release()

	err := s.broker.HandleConnection(ctx, codec.NewConn(conn, s.config.MaxMessageSize))
	if err != nil {
		s.config.Logger.Debug("session_ended",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
	}
}

// drain closes the listener and waits for sessions to finish. Sessions
// still open after ShutdownTimeout are cancelled and given one more second.
func (s *Server) drain(ln net.Listener, accepting <-chan struct{}, abort context.CancelFunc) error {
	s.config.Logger.Info("tcp_server_stopping")

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Error("listener_close_failed", slog.String("error", err.Error()))
	}
	<-accepting

	idle := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(idle)
	}()

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-idle:
		s.config.Logger.Info("tcp_server_stopped")
		return nil
	case <-timer.C:
	}

	s.config.Logger.Warn("shutdown_timeout_exceeded")
	abort()
	select {
	case <-idle:
	case <-time.After(time.Second):
	}
	return ErrShutdownTimeout
}

// tune applies keepalive and TCP_NODELAY. Non-TCP conns pass through.
func (s *Server) tune(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if s.config.TCPKeepAlive > 0 {
		err := tc.SetKeepAliveConfig(net.KeepAliveConfig{Enable: true, Idle: s.config.TCPKeepAlive})
		if err != nil {
			return fmt.Errorf("tcp keepalive: %w", err)
		}
	}
	if !s.config.DisableNoDelay {
		if err := tc.SetNoDelay(true); err != nil {
			return fmt.Errorf("tcp nodelay: %w", err)
		}
	}
	return nil
}

// Addr returns the listener's network address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
