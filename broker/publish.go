// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/topicd/broker/events"
	"github.com/absmach/topicd/directory"
	"github.com/absmach/topicd/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Publish fans content out to every subscriber of topic except the
// originator and returns the number of deliveries queued. An unknown topic
// or a topic with no other subscribers is a silent no-op. Delivery outcomes
// are never reported back to the caller.
func (b *Broker) Publish(ctx context.Context, originator, topic, content string) int {
	start := time.Now()

	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "topicd.publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("topicd.topic", topic),
				attribute.String("topicd.originator", originator),
				attribute.Int("topicd.content_size", len(content)),
			))
		defer span.End()
	}

	recipients := b.dir.Recipients(topic, originator)
	if len(recipients) == 0 {
		b.logOp("publish_no_recipients", slog.String("topic", topic), slog.String("username", originator))
		return 0
	}

	payload, err := protocol.EncodeDelivery(topic, content)
	if err != nil {
		b.logError("publish_encode", err, slog.String("topic", topic))
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetStatus(codes.Error, err.Error())
		}
		return 0
	}

	queued := 0
	for _, r := range recipients {
		if !b.pool.Submit(func() { b.deliver(topic, r, payload) }) {
			b.stats.IncrementDeliveriesDropped()
			b.logger.Warn("delivery_dropped",
				slog.String("topic", topic),
				slog.String("username", r.Username),
				slog.String("reason", "broker_closed"))
			continue
		}
		queued++
	}

	b.stats.IncrementPublishes()
	b.metrics.RecordPublish(queued, float64(time.Since(start).Microseconds())/1000)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.Int("topicd.recipients", queued))
	}
	b.logOp("published",
		slog.String("topic", topic),
		slog.String("username", originator),
		slog.Int("recipients", queued))

	ev := events.MessagePublished{
		Username:    originator,
		TopicName:   topic,
		Recipients:  queued,
		ContentSize: len(content),
	}
	if b.includeContent {
		ev.Content = content
	}
	b.notify(ev)

	return queued
}

// deliver runs on the fan-out pool with its own timeout, detached from the
// publishing session.
func (b *Broker) deliver(topic string, r directory.Recipient, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.deliveryTimeout)
	defer cancel()

	addr := r.Address.String()
	if err := b.deliverer.Send(ctx, addr, payload); err != nil {
		b.stats.IncrementDeliveryFailures()
		b.logger.Error("delivery_failed",
			slog.String("topic", topic),
			slog.String("username", r.Username),
			slog.String("address", addr),
			slog.String("error", err.Error()))
		b.notify(events.DeliveryFailed{
			Username:  r.Username,
			TopicName: topic,
			Address:   addr,
			Error:     err.Error(),
		})
		return
	}
	b.stats.IncrementDeliveries()
}
