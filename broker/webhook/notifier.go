// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sync"
	"time"

	"github.com/absmach/topicd/broker/events"
	"github.com/absmach/topicd/config"
	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

var errNilSender = errors.New("sender cannot be nil")

// GenericNotifier implements webhook notifications with a worker pool and a
// circuit breaker per endpoint.
type GenericNotifier struct {
	cfg       config.WebhookConfig
	brokerID  string
	endpoints []endpoint
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type endpoint struct {
	name         string
	url          string
	eventFilters map[string]bool
	topicFilters []string
	headers      map[string]string
	timeout      time.Duration
	retry        config.RetryConfig
}

type job struct {
	event    events.Event
	endpoint endpoint
	attempt  int
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, errNilSender
	}

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filters := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			filters[t] = true
		}
		for _, f := range ep.TopicFilters {
			if _, err := path.Match(f, ""); err != nil {
				return nil, fmt.Errorf("endpoint %s: invalid topic filter %q: %w", ep.Name, f, err)
			}
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, endpoint{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: filters,
			topicFilters: ep.TopicFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retry:        retry,
		})
	}

	threshold := uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:       cfg,
		brokerID:  brokerID,
		endpoints: endpoints,
		queue:     make(chan job, queueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook_notifier_started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", queueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues ev for every endpoint whose filters match. When the queue
// is full the configured drop policy decides which event is lost.
func (n *GenericNotifier) Notify(_ context.Context, ev events.Event) error {
	if ev == nil {
		return nil
	}

	for _, ep := range n.endpoints {
		if !ep.matches(ev) {
			continue
		}
		n.enqueue(job{event: ev, endpoint: ep})
	}
	return nil
}

func (n *GenericNotifier) enqueue(j job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.queue:
		default:
		}
		select {
		case n.queue <- j:
			return
		default:
		}
	}
	n.logger.Error("webhook_queue_full",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

func (ep endpoint) matches(ev events.Event) bool {
	if len(ep.eventFilters) > 0 && !ep.eventFilters[ev.Type()] {
		return false
	}

	topic := ev.Topic()
	if topic == "" || len(ep.topicFilters) == 0 {
		return true
	}
	for _, f := range ep.topicFilters {
		if topicMatches(f, topic) {
			return true
		}
	}
	return false
}

// topicMatches reports whether topic matches a shell-style pattern such as
// "sports" or "news.*".
func topicMatches(pattern, topic string) bool {
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.queue:
			n.process(j)
		}
	}
}

func (n *GenericNotifier) process(j job) {
	breaker := n.breakers[j.endpoint.name]

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.send(j)
	})
	if err == nil {
		return
	}

	var status *StatusError
	final := errors.As(err, &status) && !status.Retryable()
	if final || j.attempt >= j.endpoint.retry.MaxAttempts-1 {
		n.logger.Error("webhook_delivery_failed",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := retryDelay(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook_retry_scheduled",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.queue <- j:
		default:
			n.logger.Error("webhook_requeue_failed",
				slog.String("endpoint", j.endpoint.name),
				slog.String("event_type", j.event.Type()))
		}
	})
}

func (n *GenericNotifier) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(n.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload); err != nil {
		return err
	}

	n.logger.Debug("webhook_delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

// retryDelay is exponential backoff capped at MaxInterval.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, waiting up to the configured shutdown timeout.
func (n *GenericNotifier) Close() error {
	n.closeOnce.Do(func() {
		n.logger.Info("webhook_notifier_stopping")
		n.cancel()

		done := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(done)
		}()

		timeout := n.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		select {
		case <-done:
			n.logger.Info("webhook_notifier_stopped")
		case <-time.After(timeout):
			n.logger.Warn("webhook_notifier_shutdown_timeout",
				slog.Int("queue_depth", len(n.queue)))
		}
	})
	return nil
}
