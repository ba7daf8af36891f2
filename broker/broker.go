// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the command sessions and the publish fan-out of
// the topic broker on top of the shared directory.
package broker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/topicd/broker/events"
	"github.com/absmach/topicd/config"
	"github.com/absmach/topicd/directory"
	"github.com/absmach/topicd/server/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultDeliveryTimeout = 2 * time.Second

// Broker owns the directory and serves command sessions against it.
type Broker struct {
	dir             *directory.Directory
	deliverer       Deliverer
	pool            *fanOutPool
	logger          *slog.Logger
	stats           *Stats
	webhooks        Notifier      // nil if webhooks disabled
	metrics         *otel.Metrics // nil if metrics disabled
	tracer          trace.Tracer  // nil if tracing disabled
	rateLimiter     RateLimiter   // nil if rate limiting disabled
	maxMessageSize  int
	idleTimeout     time.Duration
	writeTimeout    time.Duration
	deliveryTimeout time.Duration
	includeContent  bool
	closed          atomic.Bool
}

// NewBroker creates a broker.
// Parameters:
//   - dir: shared directory (nil creates an empty one)
//   - deliverer: pushes fan-out payloads to subscribers
//   - logger: Logger instance (nil uses default)
//   - stats: Stats collector (nil creates new one)
//   - webhooks: event notifier (nil if webhooks disabled)
//   - metrics: OTel metrics instance (nil if metrics disabled)
//   - tracer: OTel tracer (nil if tracing disabled)
func NewBroker(dir *directory.Directory, deliverer Deliverer, logger *slog.Logger, stats *Stats, webhooks Notifier, metrics *otel.Metrics, tracer trace.Tracer, brokerCfg config.BrokerConfig, deliveryCfg config.DeliveryConfig) *Broker {
	if dir == nil {
		dir = directory.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	timeout := deliveryCfg.Timeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}

	return &Broker{
		dir:             dir,
		deliverer:       deliverer,
		pool:            newFanOutPool(deliveryCfg.Workers, deliveryCfg.QueueSize),
		logger:          logger,
		stats:           stats,
		webhooks:        webhooks,
		metrics:         metrics,
		tracer:          tracer,
		maxMessageSize:  brokerCfg.MaxMessageSize,
		idleTimeout:     brokerCfg.IdleTimeout,
		writeTimeout:    brokerCfg.WriteTimeout,
		deliveryTimeout: timeout,
	}
}

// SetRateLimiter sets the per-user publish/subscribe limiter.
func (b *Broker) SetRateLimiter(rl RateLimiter) {
	b.rateLimiter = rl
}

// SetIncludeContent controls whether published content is copied into
// message.published events.
func (b *Broker) SetIncludeContent(include bool) {
	b.includeContent = include
}

// Directory returns the shared directory.
func (b *Broker) Directory() *directory.Directory {
	return b.dir
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// MaxMessageSize is the largest request frame sessions accept.
func (b *Broker) MaxMessageSize() int {
	return b.maxMessageSize
}

// Ready reports whether the broker still accepts sessions.
func (b *Broker) Ready() bool {
	return !b.closed.Load()
}

// Close stops accepting publishes and waits for queued deliveries to finish.
// Sessions are owned by the servers and should be stopped first; publishes
// arriving afterwards are dropped.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.pool.Close()
	b.logger.Info("broker_closed", slog.Uint64("deliveries", b.stats.GetDeliveries()))
	return nil
}

func (b *Broker) notify(ev events.Event) {
	if b.webhooks == nil {
		return
	}
	if err := b.webhooks.Notify(context.Background(), ev); err != nil {
		b.logError("webhook_notify", err, slog.String("event_type", ev.Type()))
	}
}

func (b *Broker) logOp(op string, attrs ...any) {
	b.logger.Debug(op, attrs...)
}

func (b *Broker) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		b.logger.Error(op, allAttrs...)
	}
}
