// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the broker's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Drop policies for the webhook queue.
const (
	DropOldest = "oldest"
	DropNewest = "newest"
)

// Config holds all configuration for the topic broker.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig groups the network listeners.
type ServerConfig struct {
	TCP             TCPConfig       `yaml:"tcp"`
	WebSocket       WebSocketConfig `yaml:"websocket"`
	Health          HealthConfig    `yaml:"health"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

// TCPConfig is the framed command listener.
type TCPConfig struct {
	Addr           string        `yaml:"addr"`
	MaxConnections int           `yaml:"max_connections"` // 0 = unlimited
	KeepAlive      time.Duration `yaml:"keep_alive"`
}

// WebSocketConfig is the optional browser-facing command listener.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// HealthConfig is the HTTP probe and inspection listener.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// BrokerConfig holds session handler settings.
type BrokerConfig struct {
	// Maximum request frame size in bytes
	MaxMessageSize int `yaml:"max_message_size"`

	// Idle sessions are closed after this long without a request. Zero disables.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DeliveryConfig holds fan-out settings.
type DeliveryConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"` // per datagram
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Connection LimitConfig   `yaml:"connection"`
	Publish    LimitConfig   `yaml:"publish"`
	Subscribe  LimitConfig   `yaml:"subscribe"`
	Cleanup    time.Duration `yaml:"cleanup_interval"`
}

// LimitConfig is a token bucket: Rate tokens per second, up to Burst.
type LimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// TelemetryConfig controls OTLP export of metrics and traces.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	Metrics         bool    `yaml:"metrics"`
	Traces          bool    `yaml:"traces"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`
	Workers         int               `yaml:"workers"`
	IncludeContent  bool              `yaml:"include_content"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults apply to every endpoint that does not override them.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig is exponential backoff between webhook attempts.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig trips an endpoint after consecutive failures.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint is one receiver of broker events.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // empty = all
	TopicFilters []string          `yaml:"topic_filters"` // path.Match patterns, empty = all
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"`
	Retry        *RetryConfig      `yaml:"retry,omitempty"`
}

// Default returns a configuration that serves the command port on
// localhost with health probes and no optional integrations.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCP: TCPConfig{
				Addr:           "127.0.0.1:65432",
				MaxConnections: 10000,
				KeepAlive:      30 * time.Second,
			},
			WebSocket: WebSocketConfig{
				Addr: ":8083",
				Path: "/topicd",
			},
			Health: HealthConfig{
				Enabled: true,
				Addr:    ":8081",
			},
			ShutdownTimeout: 30 * time.Second,
		},
		Broker: BrokerConfig{
			MaxMessageSize: 64 * 1024,
			IdleTimeout:    5 * time.Minute,
			WriteTimeout:   10 * time.Second,
		},
		Delivery: DeliveryConfig{
			Workers:   16,
			QueueSize: 1024,
			Timeout:   2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Connection: LimitConfig{Enabled: true, Rate: 100.0 / 60.0, Burst: 20},
			Publish:    LimitConfig{Enabled: true, Rate: 100, Burst: 20},
			Subscribe:  LimitConfig{Enabled: true, Rate: 10, Burst: 5},
			Cleanup:    5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "topicd",
			ServiceVersion:  "1.0.0",
			Metrics:         true,
			TraceSampleRate: 0.1,
		},
		Webhook: WebhookConfig{
			QueueSize:       10000,
			DropPolicy:      DropOldest,
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     time.Minute,
				},
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. An empty or missing path
// yields Default().
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks every section and reports the first problem found.
func (c *Config) Validate() error {
	checks := []func() error{
		c.Server.validate,
		c.Broker.validate,
		c.Delivery.validate,
		c.RateLimit.validate,
		c.Telemetry.validate,
		c.Webhook.validate,
		c.Log.validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (s ServerConfig) validate() error {
	if s.TCP.Addr == "" {
		return fmt.Errorf("server.tcp.addr cannot be empty")
	}
	if s.TCP.MaxConnections < 0 {
		return fmt.Errorf("server.tcp.max_connections cannot be negative")
	}
	if s.WebSocket.Enabled && (s.WebSocket.Addr == "" || s.WebSocket.Path == "") {
		return fmt.Errorf("server.websocket requires addr and path when enabled")
	}
	if s.Health.Enabled && s.Health.Addr == "" {
		return fmt.Errorf("server.health.addr cannot be empty when enabled")
	}
	return nil
}

func (b BrokerConfig) validate() error {
	if b.MaxMessageSize < 1024 {
		return fmt.Errorf("broker.max_message_size must be at least 1KB")
	}
	if b.IdleTimeout < 0 {
		return fmt.Errorf("broker.idle_timeout cannot be negative")
	}
	if b.WriteTimeout < 0 {
		return fmt.Errorf("broker.write_timeout cannot be negative")
	}
	return nil
}

func (d DeliveryConfig) validate() error {
	switch {
	case d.Workers < 1:
		return fmt.Errorf("delivery.workers must be at least 1")
	case d.QueueSize < 1:
		return fmt.Errorf("delivery.queue_size must be at least 1")
	case d.Timeout < 10*time.Millisecond:
		return fmt.Errorf("delivery.timeout must be at least 10ms")
	}
	return nil
}

func (r RateLimitConfig) validate() error {
	if !r.Enabled {
		return nil
	}
	limits := map[string]LimitConfig{
		"connection": r.Connection,
		"publish":    r.Publish,
		"subscribe":  r.Subscribe,
	}
	for name, l := range limits {
		if l.Enabled && (l.Rate <= 0 || l.Burst < 1) {
			return fmt.Errorf("rate_limit.%s requires positive rate and burst", name)
		}
	}
	return nil
}

func (t TelemetryConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	if t.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint cannot be empty when enabled")
	}
	if t.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name cannot be empty when enabled")
	}
	if t.TraceSampleRate < 0.0 || t.TraceSampleRate > 1.0 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}
	return nil
}

func (w WebhookConfig) validate() error {
	if !w.Enabled {
		return nil
	}
	switch {
	case w.QueueSize < 100:
		return fmt.Errorf("webhook.queue_size must be at least 100")
	case w.DropPolicy != DropOldest && w.DropPolicy != DropNewest:
		return fmt.Errorf("webhook.drop_policy must be %q or %q", DropOldest, DropNewest)
	case w.Workers < 1:
		return fmt.Errorf("webhook.workers must be at least 1")
	case w.ShutdownTimeout < time.Second:
		return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
	case w.Defaults.Timeout < time.Second:
		return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
	case w.Defaults.Retry.MaxAttempts < 1:
		return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
	case w.Defaults.Retry.Multiplier < 1.0:
		return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
	case w.Defaults.CircuitBreaker.FailureThreshold < 1:
		return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
	}

	for i, ep := range w.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
		}
		if ep.URL == "" {
			return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
		}
	}
	return nil
}

func (l LogConfig) validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
