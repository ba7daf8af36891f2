// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/topicd/broker"
	"github.com/absmach/topicd/broker/middleware"
	"github.com/absmach/topicd/broker/webhook"
	"github.com/absmach/topicd/config"
	"github.com/absmach/topicd/directory"
	"github.com/absmach/topicd/ratelimit"
	"github.com/absmach/topicd/server/health"
	"github.com/absmach/topicd/server/otel"
	"github.com/absmach/topicd/server/tcp"
	"github.com/absmach/topicd/server/websocket"
	"github.com/absmach/topicd/transport"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	brokerID, err := os.Hostname()
	if err != nil || brokerID == "" {
		brokerID = "topicd"
	}

	slog.Info("Starting topicd", "version", cfg.Telemetry.ServiceVersion, "broker_id", brokerID)
	slog.Info("Configuration loaded",
		"tcp_addr", cfg.Server.TCP.Addr,
		"ws_enabled", cfg.Server.WebSocket.Enabled,
		"health_enabled", cfg.Server.Health.Enabled,
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"rate_limit_enabled", cfg.RateLimit.Enabled,
		"webhooks_enabled", cfg.Webhook.Enabled,
		"log_level", cfg.Log.Level)

	var webhooks broker.Notifier
	if cfg.Webhook.Enabled {
		wh, err := webhook.NewNotifier(cfg.Webhook, brokerID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		webhooks = wh
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	}

	var (
		telemetry *otel.Provider
		metrics   *otel.Metrics
		tracer    trace.Tracer
	)
	if cfg.Telemetry.Enabled {
		telemetry, err = otel.Setup(context.Background(), cfg.Telemetry, brokerID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		if metrics, err = telemetry.Metrics(); err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		tracer = telemetry.Tracer()
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"metrics", cfg.Telemetry.Metrics,
			"traces", cfg.Telemetry.Traces,
			"sample_rate", cfg.Telemetry.TraceSampleRate)
	}

	var deliverer broker.Deliverer = transport.NewUDPSender(cfg.Delivery.Timeout)
	deliverer = middleware.NewLogging(deliverer, logger)
	deliverer = middleware.NewMetrics(deliverer, metrics)

	b := broker.NewBroker(directory.New(), deliverer, logger, broker.NewStats(), webhooks, metrics, tracer, cfg.Broker, cfg.Delivery)
	b.SetIncludeContent(cfg.Webhook.IncludeContent)

	limits := ratelimit.NewManager(cfg.RateLimit)
	defer limits.Stop()
	if cfg.RateLimit.Enabled {
		b.SetRateLimiter(limits)
		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("publish", cfg.RateLimit.Publish.Enabled),
			slog.Bool("subscribe", cfg.RateLimit.Subscribe.Enabled))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)
	run := func(name string, listen func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listen(ctx); err != nil {
				slog.Error("Listener failed", "server", name, "error", err)
				serverErr <- err
			}
		}()
	}

	run("tcp", tcp.New(tcp.Config{
		Address:         cfg.Server.TCP.Addr,
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		TCPKeepAlive:    cfg.Server.TCP.KeepAlive,
		MaxConnections:  cfg.Server.TCP.MaxConnections,
		MaxMessageSize:  cfg.Broker.MaxMessageSize,
		Limiter:         limits,
	}, b).Listen)

	if cfg.Server.WebSocket.Enabled {
		run("websocket", websocket.New(websocket.Config{
			Address:         cfg.Server.WebSocket.Addr,
			Path:            cfg.Server.WebSocket.Path,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Limiter:         limits,
		}, b, logger).Listen)
	}

	if cfg.Server.Health.Enabled {
		run("health", health.New(health.Config{
			Address:         cfg.Server.Health.Addr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger).Listen)
	}

	slog.Info("topicd started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-serverErr:
	}

	// Servers drain their sessions first so no publish races the pool shutdown.
	cancel()
	wg.Wait()

	if err := b.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if webhooks != nil {
		if err := webhooks.Close(); err != nil {
			slog.Error("Failed to close webhooks", "error", err)
		}
	}

	if telemetry != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := telemetry.Shutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	slog.Info("topicd stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
