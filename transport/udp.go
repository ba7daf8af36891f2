// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport pushes payloads to subscribers over UDP, independently
// of the command channel, and receives them on the client side.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

// DefaultSendTimeout bounds a single datagram write.
const DefaultSendTimeout = 2 * time.Second

var (
	ErrDeliveryFailed  = errors.New("delivery failed")
	ErrPayloadTooLarge = errors.New("payload exceeds datagram size")
)

// UDPSender sends one-shot datagrams. It is connectionless and best-effort:
// there is no acknowledgment and no retry.
type UDPSender struct {
	timeout time.Duration
	dialer  net.Dialer
}

// NewUDPSender creates a sender whose writes are bounded by timeout.
// A non-positive timeout uses DefaultSendTimeout.
func NewUDPSender(timeout time.Duration) *UDPSender {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &UDPSender{timeout: timeout}
}

// Send writes payload as a single datagram to addr (host:port). Failures
// wrap ErrDeliveryFailed.
func (s *UDPSender) Send(ctx context.Context, addr string, payload []byte) error {
	if len(payload) > MaxDatagramSize {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, ErrPayloadTooLarge)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrDeliveryFailed, addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrDeliveryFailed, addr, err)
	}
	return nil
}
