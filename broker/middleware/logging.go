// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package middleware decorates the broker's delivery path.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/topicd/broker"
)

var _ broker.Deliverer = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	next   broker.Deliverer
}

// NewLogging creates logging middleware that wraps a deliverer.
func NewLogging(next broker.Deliverer, logger *slog.Logger) broker.Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingMiddleware{logger, next}
}

// Send logs every datagram at debug level.
func (lm *loggingMiddleware) Send(ctx context.Context, addr string, payload []byte) (err error) {
	defer func(begin time.Time) {
		lm.logger.Debug("delivery_send",
			slog.String("address", addr),
			slog.Int("size", len(payload)),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.Send(ctx, addr, payload)
}
