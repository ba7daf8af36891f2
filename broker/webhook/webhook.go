// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook forwards broker events to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/topicd/broker/events"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues an event for every matching endpoint without blocking.
	Notify(ctx context.Context, event events.Event) error

	// Close gracefully shuts down, flushing pending events.
	Close() error
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, url string, headers map[string]string, payload []byte) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, url string, headers map[string]string, payload []byte) error {
	return f(ctx, url, headers, payload)
}

const defaultHTTPTimeout = 30 * time.Second
