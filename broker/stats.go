// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics.
type Stats struct {
	startTime time.Time

	// Session stats
	totalSessions   atomic.Uint64
	currentSessions atomic.Int64
	commands        atomic.Uint64

	// Directory stats
	registrations     atomic.Uint64
	topicsCreated     atomic.Uint64
	subscriptions     atomic.Uint64
	subscribeRejected atomic.Uint64

	// Fan-out stats
	publishes         atomic.Uint64
	deliveries        atomic.Uint64
	deliveryFailures  atomic.Uint64
	deliveriesDropped atomic.Uint64

	// Error stats
	malformedRequests atomic.Uint64
	unknownCommands   atomic.Uint64
	rateLimited       atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Session tracking.
func (s *Stats) IncrementSessions() {
	s.totalSessions.Add(1)
	s.currentSessions.Add(1)
}

func (s *Stats) DecrementSessions() {
	s.currentSessions.Add(-1)
}

func (s *Stats) IncrementCommands() {
	s.commands.Add(1)
}

func (s *Stats) GetTotalSessions() uint64 {
	return s.totalSessions.Load()
}

func (s *Stats) GetCurrentSessions() int64 {
	return s.currentSessions.Load()
}

// Directory tracking.
func (s *Stats) IncrementRegistrations() {
	s.registrations.Add(1)
}

func (s *Stats) IncrementTopicsCreated() {
	s.topicsCreated.Add(1)
}

func (s *Stats) IncrementSubscriptions() {
	s.subscriptions.Add(1)
}

func (s *Stats) IncrementSubscribeRejected() {
	s.subscribeRejected.Add(1)
}

func (s *Stats) GetSubscribeRejected() uint64 {
	return s.subscribeRejected.Load()
}

// Fan-out tracking.
func (s *Stats) IncrementPublishes() {
	s.publishes.Add(1)
}

func (s *Stats) IncrementDeliveries() {
	s.deliveries.Add(1)
}

func (s *Stats) IncrementDeliveryFailures() {
	s.deliveryFailures.Add(1)
}

func (s *Stats) IncrementDeliveriesDropped() {
	s.deliveriesDropped.Add(1)
}

func (s *Stats) GetPublishes() uint64 {
	return s.publishes.Load()
}

func (s *Stats) GetDeliveries() uint64 {
	return s.deliveries.Load()
}

func (s *Stats) GetDeliveryFailures() uint64 {
	return s.deliveryFailures.Load()
}

// Error tracking.
func (s *Stats) IncrementMalformedRequests() {
	s.malformedRequests.Add(1)
}

func (s *Stats) IncrementUnknownCommands() {
	s.unknownCommands.Add(1)
}

func (s *Stats) IncrementRateLimited() {
	s.rateLimited.Add(1)
}

func (s *Stats) GetMalformedRequests() uint64 {
	return s.malformedRequests.Load()
}

func (s *Stats) GetUnknownCommands() uint64 {
	return s.unknownCommands.Load()
}

func (s *Stats) GetRateLimited() uint64 {
	return s.rateLimited.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds     int64  `json:"uptime_seconds"`
	TotalSessions     uint64 `json:"total_sessions"`
	CurrentSessions   int64  `json:"current_sessions"`
	Commands          uint64 `json:"commands"`
	Registrations     uint64 `json:"registrations"`
	TopicsCreated     uint64 `json:"topics_created"`
	Subscriptions     uint64 `json:"subscriptions"`
	SubscribeRejected uint64 `json:"subscribe_rejected"`
	Publishes         uint64 `json:"publishes"`
	Deliveries        uint64 `json:"deliveries"`
	DeliveryFailures  uint64 `json:"delivery_failures"`
	DeliveriesDropped uint64 `json:"deliveries_dropped"`
	MalformedRequests uint64 `json:"malformed_requests"`
	UnknownCommands   uint64 `json:"unknown_commands"`
	RateLimited       uint64 `json:"rate_limited"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:     int64(s.GetUptime().Seconds()),
		TotalSessions:     s.totalSessions.Load(),
		CurrentSessions:   s.currentSessions.Load(),
		Commands:          s.commands.Load(),
		Registrations:     s.registrations.Load(),
		TopicsCreated:     s.topicsCreated.Load(),
		Subscriptions:     s.subscriptions.Load(),
		SubscribeRejected: s.subscribeRejected.Load(),
		Publishes:         s.publishes.Load(),
		Deliveries:        s.deliveries.Load(),
		DeliveryFailures:  s.deliveryFailures.Load(),
		DeliveriesDropped: s.deliveriesDropped.Load(),
		MalformedRequests: s.malformedRequests.Load(),
		UnknownCommands:   s.unknownCommands.Load(),
		RateLimited:       s.rateLimited.Load(),
	}
}
