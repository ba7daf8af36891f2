// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/absmach/topicd"

// Metrics holds the broker's metric instruments. A nil *Metrics records
// nothing, so callers do not need to guard every call.
type Metrics struct {
	sessionsTotal      metric.Int64Counter
	sessionsCurrent    metric.Int64UpDownCounter
	commandsTotal      metric.Int64Counter
	bytesReceived      metric.Int64Counter
	deliveriesSent     metric.Int64Counter
	deliveriesFailed   metric.Int64Counter
	errorsTotal        metric.Int64Counter
	subscriptionsTotal metric.Int64UpDownCounter

	fanoutSize       metric.Int64Histogram
	publishDuration  metric.Float64Histogram
	deliveryDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on mp, or on the global provider when
// mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	m := &Metrics{}
	var err error

	if m.sessionsTotal, err = meter.Int64Counter("topicd.sessions.total",
		metric.WithDescription("Command sessions accepted")); err != nil {
		return nil, fmt.Errorf("failed to create sessionsTotal counter: %w", err)
	}
	if m.sessionsCurrent, err = meter.Int64UpDownCounter("topicd.sessions.current",
		metric.WithDescription("Command sessions currently open")); err != nil {
		return nil, fmt.Errorf("failed to create sessionsCurrent gauge: %w", err)
	}
	if m.commandsTotal, err = meter.Int64Counter("topicd.commands.total",
		metric.WithDescription("Requests processed by command")); err != nil {
		return nil, fmt.Errorf("failed to create commandsTotal counter: %w", err)
	}
	if m.bytesReceived, err = meter.Int64Counter("topicd.bytes.received.total",
		metric.WithDescription("Request bytes received"), metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}
	if m.deliveriesSent, err = meter.Int64Counter("topicd.deliveries.sent.total",
		metric.WithDescription("Datagrams pushed to subscribers")); err != nil {
		return nil, fmt.Errorf("failed to create deliveriesSent counter: %w", err)
	}
	if m.deliveriesFailed, err = meter.Int64Counter("topicd.deliveries.failed.total",
		metric.WithDescription("Datagrams that could not be sent")); err != nil {
		return nil, fmt.Errorf("failed to create deliveriesFailed counter: %w", err)
	}
	if m.errorsTotal, err = meter.Int64Counter("topicd.errors.total",
		metric.WithDescription("Errors by type")); err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}
	if m.subscriptionsTotal, err = meter.Int64UpDownCounter("topicd.subscriptions",
		metric.WithDescription("Subscriptions in the directory")); err != nil {
		return nil, fmt.Errorf("failed to create subscriptions gauge: %w", err)
	}
	if m.fanoutSize, err = meter.Int64Histogram("topicd.publish.recipients",
		metric.WithDescription("Recipients per publish")); err != nil {
		return nil, fmt.Errorf("failed to create fanoutSize histogram: %w", err)
	}
	if m.publishDuration, err = meter.Float64Histogram("topicd.publish.duration",
		metric.WithDescription("Publish processing duration"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}
	if m.deliveryDuration, err = meter.Float64Histogram("topicd.delivery.duration",
		metric.WithDescription("Single datagram send duration"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	return m, nil
}

// RecordSessionOpened records an accepted command connection.
func (m *Metrics) RecordSessionOpened(transport string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.sessionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
	m.sessionsCurrent.Add(ctx, 1)
}

// RecordSessionClosed records a finished command connection.
func (m *Metrics) RecordSessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsCurrent.Add(context.Background(), -1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCommand records one processed request.
func (m *Metrics) RecordCommand(command string, sizeBytes int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.commandsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command)))
	m.bytesReceived.Add(ctx, int64(sizeBytes))
}

// RecordSubscriptionAdded records a new directory subscription.
func (m *Metrics) RecordSubscriptionAdded() {
	if m == nil {
		return
	}
	m.subscriptionsTotal.Add(context.Background(), 1)
}

// RecordPublish records a publish that resolved the given number of recipients.
func (m *Metrics) RecordPublish(recipients int, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.fanoutSize.Record(ctx, int64(recipients))
	m.publishDuration.Record(ctx, durationMs)
}

// RecordDelivery records the outcome of one datagram send.
func (m *Metrics) RecordDelivery(ok bool, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if ok {
		m.deliveriesSent.Add(ctx, 1)
	} else {
		m.deliveriesFailed.Add(ctx, 1)
	}
	m.deliveryDuration.Record(ctx, durationMs)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", errorType)))
}
