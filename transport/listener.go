// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/tevino/abool"
)

// Handler receives one datagram. The slice is only valid for the duration
// of the call.
type Handler func(payload []byte, from net.Addr)

// Listener receives datagrams on a UDP socket and hands each to a Handler
// on a single background goroutine.
type Listener struct {
	conn    *net.UDPConn
	handler Handler
	logger  *slog.Logger
	running *abool.AtomicBool
	done    chan struct{}
	once    sync.Once
}

// Listen binds addr (host:port, port 0 for ephemeral) and starts receiving.
func Listen(addr string, handler Handler, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		conn:    conn,
		handler: handler,
		logger:  logger,
		running: abool.NewBool(true),
		done:    make(chan struct{}),
	}
	go l.serve()

	logger.Info("udp_listener_started", slog.String("address", conn.LocalAddr().String()))
	return l, nil
}

func (l *Listener) serve() {
	defer close(l.done)

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if !l.running.IsSet() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("udp_read_error", slog.String("error", err.Error()))
			continue
		}
		l.handler(buf[:n], from)
	}
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Port returns the bound local port.
func (l *Listener) Port() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Running reports whether the listener has not been closed.
func (l *Listener) Running() bool {
	return l.running.IsSet()
}

// Close stops the listener and waits for the receive loop to exit.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.running.UnSet()
		err = l.conn.Close()
		<-l.done
		l.logger.Info("udp_listener_stopped", slog.String("address", l.conn.LocalAddr().String()))
	})
	return err
}
