// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"time"

	"github.com/absmach/topicd/broker"
	"github.com/absmach/topicd/server/otel"
)

var _ broker.Deliverer = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	metrics *otel.Metrics
	next    broker.Deliverer
}

// NewMetrics creates metrics middleware that wraps a deliverer. A nil
// metrics instance returns next unchanged.
func NewMetrics(next broker.Deliverer, metrics *otel.Metrics) broker.Deliverer {
	if metrics == nil {
		return next
	}
	return &metricsMiddleware{metrics, next}
}

// Send records outcome and latency of each delivery.
func (mm *metricsMiddleware) Send(ctx context.Context, addr string, payload []byte) error {
	start := time.Now()
	err := mm.next.Send(ctx, addr, payload)
	mm.metrics.RecordDelivery(err == nil, float64(time.Since(start).Microseconds())/1000)
	return err
}
