// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"time"

	"github.com/absmach/topicd/protocol"
)

// Default values.
const (
	DefaultServer         = "127.0.0.1:65432"
	DefaultListenHost     = "0.0.0.0"
	DefaultDialTimeout    = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultSendTimeout    = 2 * time.Second
)

// Options configures the client.
type Options struct {
	Server         string        // Broker command address (host:port)
	Username       string        // Identity registered with the broker
	UDPPort        int           // Delivery port (0 picks a free one)
	ListenHost     string        // Interface the delivery listener binds
	DialTimeout    time.Duration // Timeout for connecting to the broker
	RequestTimeout time.Duration // Deadline for one command round trip
	SendTimeout    time.Duration // Deadline for direct messages
	MaxMessageSize int           // Largest reply frame accepted (0 = codec default)
	Persistent     bool          // Reuse one connection for all commands

	// Callbacks run on the listener goroutine.
	OnMessage       func(topic, content string) // Topic delivery
	OnDirectMessage func(from, content string)  // Message from another user

	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Server:         DefaultServer,
		ListenHost:     DefaultListenHost,
		DialTimeout:    DefaultDialTimeout,
		RequestTimeout: DefaultRequestTimeout,
		SendTimeout:    DefaultSendTimeout,
	}
}

// SetServer sets the broker address.
func (o *Options) SetServer(addr string) *Options {
	o.Server = addr
	return o
}

// SetUsername sets the identity to register.
func (o *Options) SetUsername(username string) *Options {
	o.Username = username
	return o
}

// SetUDPPort sets the delivery port.
func (o *Options) SetUDPPort(port int) *Options {
	o.UDPPort = port
	return o
}

// SetListenHost sets the interface for the delivery listener.
func (o *Options) SetListenHost(host string) *Options {
	o.ListenHost = host
	return o
}

// SetDialTimeout sets the connect timeout.
func (o *Options) SetDialTimeout(d time.Duration) *Options {
	o.DialTimeout = d
	return o
}

// SetRequestTimeout sets the per-command deadline.
func (o *Options) SetRequestTimeout(d time.Duration) *Options {
	o.RequestTimeout = d
	return o
}

// SetPersistent selects one long-lived connection instead of one per command.
func (o *Options) SetPersistent(persistent bool) *Options {
	o.Persistent = persistent
	return o
}

// SetOnMessage sets the topic delivery callback.
func (o *Options) SetOnMessage(fn func(topic, content string)) *Options {
	o.OnMessage = fn
	return o
}

// SetOnDirectMessage sets the direct message callback.
func (o *Options) SetOnDirectMessage(fn func(from, content string)) *Options {
	o.OnDirectMessage = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(logger *slog.Logger) *Options {
	o.Logger = logger
	return o
}

// Validate checks the options and fills in zero-valued defaults.
func (o *Options) Validate() error {
	if o.Server == "" {
		return ErrNoServer
	}
	if o.Username == "" {
		return ErrEmptyUsername
	}
	if o.UDPPort < 0 || o.UDPPort > protocol.MaxPort {
		return ErrInvalidPort
	}
	if o.ListenHost == "" {
		o.ListenHost = DefaultListenHost
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
