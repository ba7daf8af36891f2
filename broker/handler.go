// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/absmach/topicd/broker/events"
	"github.com/absmach/topicd/codec"
	"github.com/absmach/topicd/protocol"
)

// ErrConnectionClosed reports that the peer went away in the middle of a
// message or the stream failed.
var ErrConnectionClosed = errors.New("connection closed")

// Session close reasons.
const (
	reasonNormal    = "normal"
	reasonMalformed = "malformed"
	reasonIdle      = "idle"
	reasonError     = "error"
	reasonShutdown  = "shutdown"
)

type session struct {
	conn         Conn
	remote       net.Addr
	writeTimeout time.Duration
	commands     int
}

func (s *session) remoteString() string {
	if s.remote == nil {
		return ""
	}
	return s.remote.String()
}

// reply encodes v as JSON and writes it as one frame.
func (s *session) reply(v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(data)
}

func (s *session) replyError(msg string) error {
	return s.reply(protocol.ErrorReply{Error: msg})
}

// HandleConnection runs the command loop for one connection: read a request,
// dispatch it, reply if the command has a reply, repeat. It returns when the
// peer disconnects, sends a malformed request, stays idle past the idle
// timeout, or ctx is cancelled. The connection is always closed on return.
// A clean disconnect between requests returns nil.
func (b *Broker) HandleConnection(ctx context.Context, conn Conn) error {
	s := &session{
		conn:         conn,
		remote:       conn.RemoteAddr(),
		writeTimeout: b.writeTimeout,
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	b.stats.IncrementSessions()
	network := "unknown"
	if s.remote != nil {
		network = s.remote.Network()
	}
	b.metrics.RecordSessionOpened(network)
	b.logOp("session_opened", slog.String("remote", s.remoteString()))
	b.notify(events.SessionOpened{RemoteAddr: s.remoteString()})

	reason, err := b.serve(ctx, s)

	b.stats.DecrementSessions()
	b.metrics.RecordSessionClosed(reason)
	b.logOp("session_closed",
		slog.String("remote", s.remoteString()),
		slog.String("reason", reason),
		slog.Int("commands", s.commands))
	b.notify(events.SessionClosed{RemoteAddr: s.remoteString(), Reason: reason, Commands: s.commands})

	return err
}

func (b *Broker) serve(ctx context.Context, s *session) (string, error) {
	for {
		if b.idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(b.idleTimeout))
		}

		data, err := s.conn.ReadMessage()
		if err != nil {
			return b.readFailed(ctx, s, err)
		}
		s.commands++
		b.stats.IncrementCommands()

		req, err := protocol.DecodeRequest(data)
		switch {
		case errors.Is(err, protocol.ErrUnknownCommand):
			b.stats.IncrementUnknownCommands()
			b.metrics.RecordError("unknown_command")
			b.logger.Warn("unknown_command",
				slog.String("command", string(req.Command)),
				slog.String("remote", s.remoteString()))
			if err := s.replyError(protocol.MsgUnknownCommand); err != nil {
				return reasonError, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
			}
			continue
		case err != nil:
			b.rejectMalformed(s, err)
			return reasonMalformed, err
		}

		b.metrics.RecordCommand(string(req.Command), len(data))
		if err := b.dispatch(ctx, s, req); err != nil {
			return reasonError, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
	}
}

func (b *Broker) readFailed(ctx context.Context, s *session, err error) (string, error) {
	switch {
	case errors.Is(err, io.EOF):
		return reasonNormal, nil
	case ctx.Err() != nil:
		return reasonShutdown, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return reasonIdle, nil
	case errors.Is(err, codec.ErrFrameTooLarge):
		err = fmt.Errorf("%w: %w", protocol.ErrMalformedRequest, err)
		b.rejectMalformed(s, err)
		return reasonMalformed, err
	default:
		return reasonError, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
}

// rejectMalformed answers best-effort; the session is closed by the caller.
func (b *Broker) rejectMalformed(s *session, err error) {
	b.stats.IncrementMalformedRequests()
	b.metrics.RecordError("malformed_request")
	b.logger.Warn("malformed_request",
		slog.String("remote", s.remoteString()),
		slog.String("error", err.Error()))
	_ = s.replyError(protocol.MsgMalformedRequest)
}
