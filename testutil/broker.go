// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil runs a real broker on loopback for end-to-end tests.
package testutil

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/topicd/broker"
	"github.com/absmach/topicd/broker/middleware"
	"github.com/absmach/topicd/config"
	"github.com/absmach/topicd/server/tcp"
	"github.com/absmach/topicd/transport"
)

// TestBroker is a broker served over TCP on an ephemeral loopback port.
type TestBroker struct {
	Broker *broker.Broker
	Addr   string

	cancel context.CancelFunc
	done   chan error
}

// StartBroker starts a broker with the default configuration, adjusted by
// opts. It is stopped when the test ends.
func StartBroker(t testing.TB, opts ...func(*config.Config)) *TestBroker {
	t.Helper()

	cfg := config.Default()
	cfg.Delivery.Timeout = time.Second
	for _, opt := range opts {
		opt(cfg)
	}

	logger := slog.New(slog.DiscardHandler)
	deliverer := middleware.NewLogging(transport.NewUDPSender(cfg.Delivery.Timeout), logger)
	b := broker.NewBroker(nil, deliverer, logger, nil, nil, nil, nil, cfg.Broker, cfg.Delivery)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := tcp.New(tcp.Config{
		Logger:          logger,
		ShutdownTimeout: time.Second,
		MaxConnections:  cfg.Server.TCP.MaxConnections,
	}, b)

	ctx, cancel := context.WithCancel(context.Background())
	tb := &TestBroker{
		Broker: b,
		Addr:   ln.Addr().String(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { tb.done <- srv.Serve(ctx, ln) }()

	t.Cleanup(tb.Stop)
	return tb
}

// Stop shuts the server down and drains pending deliveries. It is safe to
// call more than once.
func (tb *TestBroker) Stop() {
	tb.cancel()
	if tb.done != nil {
		<-tb.done
		tb.done = nil
	}
	tb.Broker.Close()
}
