// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/topicd/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const exportTimeout = 30 * time.Second

// Provider owns the OTLP exporters installed for one broker process.
type Provider struct {
	tracer    trace.Tracer
	meters    *sdkmetric.MeterProvider
	shutdowns []func(context.Context) error
}

// Setup installs global tracer and meter providers that export to
// cfg.Endpoint over OTLP gRPC. Signals disabled in cfg are not exported.
func Setup(ctx context.Context, cfg config.TelemetryConfig, brokerID string) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(brokerID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{}

	if cfg.Traces {
		if err := p.startTraces(ctx, cfg, res); err != nil {
			return nil, err
		}
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.Metrics {
		if err := p.startMetrics(ctx, cfg, res); err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
	}

	return p, nil
}

func (p *Provider) startTraces(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) error {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRate))),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)

	p.tracer = tp.Tracer(instrumentationName)
	p.shutdowns = append(p.shutdowns, tp.Shutdown)
	return nil
}

func (p *Provider) startMetrics(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) error {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(10*time.Second),
		)),
	)
	otel.SetMeterProvider(mp)

	p.meters = mp
	p.shutdowns = append(p.shutdowns, mp.Shutdown)
	return nil
}

// Tracer returns nil when traces are not exported, which the broker treats
// as tracing disabled.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Metrics creates the broker instruments, or returns nil when metrics are
// not exported.
func (p *Provider) Metrics() (*Metrics, error) {
	if p.meters == nil {
		return nil, nil
	}
	return NewMetrics(p.meters)
}

// Shutdown flushes and stops every exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		errs = append(errs, fn(ctx))
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}
