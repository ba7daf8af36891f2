// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/topicd/broker/events"
	"github.com/absmach/topicd/config"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu       sync.Mutex
	count    atomic.Int32
	payloads [][]byte
	urls     []string
	fn       func() error
}

func (s *recordingSender) Send(_ context.Context, url string, _ map[string]string, payload []byte) error {
	s.count.Add(1)
	s.mu.Lock()
	s.urls = append(s.urls, url)
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn()
	}
	return nil
}

func (s *recordingSender) sent() int {
	return int(s.count.Load())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:    true,
		QueueSize:  100,
		DropPolicy: "oldest",
		Workers:    2,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 20 * time.Millisecond,
				MaxInterval:     200 * time.Millisecond,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 10,
				ResetTimeout:     10 * time.Second,
			},
		},
		ShutdownTimeout: time.Second,
		Endpoints:       endpoints,
	}
}

func TestNewNotifier_NilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "broker-1", nil, testLogger())
	assert.Error(t, err)
}

func TestNewNotifier_InvalidTopicFilter(t *testing.T) {
	cfg := testConfig(config.WebhookEndpoint{Name: "bad", URL: "http://x", TopicFilters: []string{"["}})
	_, err := NewNotifier(cfg, "broker-1", &recordingSender{}, testLogger())
	assert.Error(t, err)
}

func TestNotifier_Notify_Envelope(t *testing.T) {
	sender := &recordingSender{}
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "audit", URL: "http://example.com/hook"}), "broker-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.TopicCreated{Name: "sports"}))

	require.Eventually(t, func() bool { return sender.sent() == 1 }, time.Second, 10*time.Millisecond)

	sender.mu.Lock()
	payload := sender.payloads[0]
	url := sender.urls[0]
	sender.mu.Unlock()

	assert.Equal(t, "http://example.com/hook", url)

	var env struct {
		EventType string            `json:"event_type"`
		EventID   string            `json:"event_id"`
		BrokerID  string            `json:"broker_id"`
		Data      map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, events.TypeTopicCreated, env.EventType)
	assert.Equal(t, "broker-1", env.BrokerID)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "sports", env.Data["topic"])
}

func TestNotifier_Notify_EventTypeFilter(t *testing.T) {
	sender := &recordingSender{}
	cfg := testConfig(config.WebhookEndpoint{
		Name:   "subs-only",
		URL:    "http://example.com/hook",
		Events: []string{events.TypeSubscriptionCreated},
	})
	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Notify(context.Background(), events.TopicCreated{Name: "sports"})
	n.Notify(context.Background(), events.SubscriptionCreated{Username: "bob", TopicName: "sports"})

	require.Eventually(t, func() bool { return sender.sent() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.sent())
}

func TestNotifier_Notify_TopicFilter(t *testing.T) {
	sender := &recordingSender{}
	cfg := testConfig(config.WebhookEndpoint{
		Name:         "news",
		URL:          "http://example.com/hook",
		TopicFilters: []string{"news.*"},
	})
	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Notify(context.Background(), events.MessagePublished{Username: "alice", TopicName: "sports"})
	n.Notify(context.Background(), events.MessagePublished{Username: "alice", TopicName: "news.world"})
	// Events without a topic bypass topic filters.
	n.Notify(context.Background(), events.UserRegistered{Username: "alice"})

	require.Eventually(t, func() bool { return sender.sent() == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sender.sent())
}

func TestNotifier_Retry(t *testing.T) {
	sender := &recordingSender{}
	var attempts atomic.Int32
	sender.fn = func() error {
		if attempts.Add(1) < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "flaky", URL: "http://example.com/hook"})
	cfg.Workers = 1
	cfg.Defaults.Retry.MaxAttempts = 3
	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Notify(context.Background(), events.DeliveryFailed{Username: "bob", TopicName: "sports"})

	require.Eventually(t, func() bool { return attempts.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestNotifier_NoRetryOnClientError(t *testing.T) {
	sender := &recordingSender{fn: func() error {
		return &StatusError{Code: 400}
	}}

	cfg := testConfig(config.WebhookEndpoint{Name: "strict", URL: "http://example.com/hook"})
	cfg.Workers = 1
	cfg.Defaults.Retry.MaxAttempts = 3
	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Notify(context.Background(), events.TopicCreated{Name: "sports"})

	require.Eventually(t, func() bool { return sender.sent() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sender.sent())
}

func TestNotifier_QueueOverflow_DropOldest(t *testing.T) {
	sender := &recordingSender{fn: func() error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}}

	cfg := testConfig(config.WebhookEndpoint{Name: "slow", URL: "http://example.com/hook"})
	cfg.Workers = 1
	cfg.QueueSize = 3
	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	for i := 0; i < 10; i++ {
		n.Notify(context.Background(), events.SessionOpened{RemoteAddr: "127.0.0.1:1"})
	}

	require.Eventually(t, func() bool { return sender.sent() > 0 }, time.Second, 10*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Less(t, sender.sent(), 10)
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"sports", "sports", true},
		{"sports", "news", false},
		{"news.*", "news.world", true},
		{"news.*", "news", false},
		{"*", "anything", true},
		{"team-?", "team-a", true},
		{"team-?", "team-ab", false},
		{"[", "x", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.match, topicMatches(tt.filter, tt.topic), "%q vs %q", tt.filter, tt.topic)
	}
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}

	assert.Equal(t, 200*time.Millisecond, retryDelay(1, cfg))
	assert.Equal(t, 400*time.Millisecond, retryDelay(2, cfg))
	assert.Equal(t, time.Second, retryDelay(10, cfg))
}

func TestNotifier_GracefulShutdown(t *testing.T) {
	sender := &recordingSender{fn: func() error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}}

	cfg := testConfig(config.WebhookEndpoint{Name: "audit", URL: "http://example.com/hook"})
	cfg.Workers = 3
	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		n.Notify(context.Background(), events.SessionClosed{RemoteAddr: "127.0.0.1:1", Reason: "normal"})
	}
	time.Sleep(50 * time.Millisecond)

	assert.NoError(t, n.Close())
	assert.NoError(t, n.Close())
	assert.Positive(t, sender.sent())
}
