// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"net"
	"time"

	"github.com/absmach/topicd/broker/events"
)

// Conn is one framed command connection, independent of the transport.
type Conn interface {
	// ReadMessage returns the next request payload. It returns io.EOF when
	// the peer closed the stream between messages.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one reply payload.
	WriteMessage(payload []byte) error

	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Deliverer pushes one payload to a subscriber address (host:port).
type Deliverer interface {
	Send(ctx context.Context, addr string, payload []byte) error
}

// Notifier receives broker events, typically for webhooks.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
	Close() error
}

// RateLimiter throttles commands per username.
type RateLimiter interface {
	AllowPublish(username string) bool
	AllowSubscribe(username string) bool
}
