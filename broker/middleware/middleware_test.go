// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/absmach/topicd/server/otel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type stubDeliverer struct {
	err   error
	calls int
}

func (s *stubDeliverer) Send(_ context.Context, _ string, _ []byte) error {
	s.calls++
	return s.err
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	next := &stubDeliverer{err: errors.New("boom")}
	d := NewLogging(next, logger)

	err := d.Send(context.Background(), "127.0.0.1:9000", []byte(`{}`))
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, next.calls)

	out := buf.String()
	assert.Contains(t, out, "delivery_send")
	assert.Contains(t, out, "address=127.0.0.1:9000")
	assert.Contains(t, out, "error=boom")
}

func TestMetricsMiddlewareNil(t *testing.T) {
	next := &stubDeliverer{}
	assert.Same(t, next, NewMetrics(next, nil))
}

func TestMetricsMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := otel.NewMetrics(mp)
	require.NoError(t, err)

	ok := NewMetrics(&stubDeliverer{}, m)
	failing := NewMetrics(&stubDeliverer{err: errors.New("unreachable")}, m)

	require.NoError(t, ok.Send(context.Background(), "127.0.0.1:1", nil))
	require.NoError(t, ok.Send(context.Background(), "127.0.0.1:1", nil))
	require.Error(t, failing.Send(context.Background(), "127.0.0.1:2", nil))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			sum, isSum := metric.Data.(metricdata.Sum[int64])
			if !isSum {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), totals["topicd.deliveries.sent.total"])
	assert.Equal(t, int64(1), totals["topicd.deliveries.failed.total"])
}
