// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the broker events delivered to webhook endpoints.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeSessionOpened       = "session.opened"
	TypeSessionClosed       = "session.closed"
	TypeUserRegistered      = "user.registered"
	TypeTopicCreated        = "topic.created"
	TypeSubscriptionCreated = "subscription.created"
	TypeMessagePublished    = "message.published"
	TypeDeliveryFailed      = "delivery.failed"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "topic.created").
	Type() string

	// Topic returns the topic the event concerns, empty for session and
	// registration events.
	Topic() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// SessionOpened is emitted when a command connection is accepted.
type SessionOpened struct {
	RemoteAddr string `json:"remote_addr"`
}

func (e SessionOpened) Type() string                   { return TypeSessionOpened }
func (e SessionOpened) Topic() string                  { return "" }
func (e SessionOpened) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SessionClosed is emitted when a command connection ends.
type SessionClosed struct {
	RemoteAddr string `json:"remote_addr"`
	Reason     string `json:"reason"` // "normal", "malformed", "idle", "error", "shutdown"
	Commands   int    `json:"commands"`
}

func (e SessionClosed) Type() string                   { return TypeSessionClosed }
func (e SessionClosed) Topic() string                  { return "" }
func (e SessionClosed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// UserRegistered is emitted on every register command.
type UserRegistered struct {
	Username     string `json:"username"`
	Address      string `json:"address"`
	Reregistered bool   `json:"reregistered"`
}

func (e UserRegistered) Type() string                   { return TypeUserRegistered }
func (e UserRegistered) Topic() string                  { return "" }
func (e UserRegistered) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// TopicCreated is emitted when a new topic is added.
type TopicCreated struct {
	Name string `json:"topic"`
}

func (e TopicCreated) Type() string                   { return TypeTopicCreated }
func (e TopicCreated) Topic() string                  { return e.Name }
func (e TopicCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a user joins a topic.
type SubscriptionCreated struct {
	Username  string `json:"username"`
	TopicName string `json:"topic"`
}

func (e SubscriptionCreated) Type() string                   { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string                  { return e.TopicName }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessagePublished is emitted once per publish that reached the fan-out.
type MessagePublished struct {
	Username    string `json:"username"`
	TopicName   string `json:"topic"`
	Recipients  int    `json:"recipients"`
	ContentSize int    `json:"content_size"`
	Content     string `json:"content,omitempty"` // only when configured
}

func (e MessagePublished) Type() string                   { return TypeMessagePublished }
func (e MessagePublished) Topic() string                  { return e.TopicName }
func (e MessagePublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// DeliveryFailed is emitted when a datagram could not be sent to a subscriber.
type DeliveryFailed struct {
	Username  string `json:"username"` // subscriber
	TopicName string `json:"topic"`
	Address   string `json:"address"`
	Error     string `json:"error"`
}

func (e DeliveryFailed) Type() string                   { return TypeDeliveryFailed }
func (e DeliveryFailed) Topic() string                  { return e.TopicName }
func (e DeliveryFailed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
