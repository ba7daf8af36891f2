// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles new connections per remote IP and
// publish/subscribe commands per username.
package ratelimit

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/topicd/config"
	"github.com/alphadose/haxmap"
	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	limiters *haxmap.Map[string, *ipEntry]
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// NewIPRateLimiter creates a limiter allowing r connections per second per
// IP with the given burst. Entries idle for two cleanup intervals are dropped.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: haxmap.New[string, *ipEntry](),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	entry, _ := l.limiters.GetOrCompute(ip, func() *ipEntry {
		return &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
	})
	entry.lastSeen.Store(time.Now().UnixNano())
	return entry.limiter.Allow()
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	return int(l.limiters.Len())
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale(threshold time.Time) {
	var stale []string
	l.limiters.ForEach(func(ip string, e *ipEntry) bool {
		if e.lastSeen.Load() < threshold.UnixNano() {
			stale = append(stale, ip)
		}
		return true
	})
	if len(stale) > 0 {
		l.limiters.Del(stale...)
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// UserRateLimiter keeps one token bucket per username.
type UserRateLimiter struct {
	limiters *haxmap.Map[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// NewUserRateLimiter creates a limiter allowing r operations per second per
// user with the given burst.
func NewUserRateLimiter(r float64, burst int) *UserRateLimiter {
	return &UserRateLimiter{
		limiters: haxmap.New[string, *rate.Limiter](),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow consumes a token for username.
func (l *UserRateLimiter) Allow(username string) bool {
	limiter, _ := l.limiters.GetOrCompute(username, func() *rate.Limiter {
		return rate.NewLimiter(l.rate, l.burst)
	})
	return limiter.Allow()
}

// Remove forgets the bucket for username.
func (l *UserRateLimiter) Remove(username string) {
	l.limiters.Del(username)
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Manager coordinates all rate limiters. A nil or disabled Manager allows
// everything.
type Manager struct {
	ip        *IPRateLimiter
	publish   *UserRateLimiter
	subscribe *UserRateLimiter
}

// NewManager builds the limiters enabled in cfg. A disabled cfg yields a
// Manager that allows everything.
func NewManager(cfg config.RateLimitConfig) *Manager {
	m := &Manager{}
	if !cfg.Enabled {
		return m
	}

	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Cleanup)
	}
	if cfg.Publish.Enabled {
		m.publish = NewUserRateLimiter(cfg.Publish.Rate, cfg.Publish.Burst)
	}
	if cfg.Subscribe.Enabled {
		m.subscribe = NewUserRateLimiter(cfg.Subscribe.Rate, cfg.Subscribe.Burst)
	}
	return m
}

// Allow checks a new connection from addr. It satisfies the limiter
// interface of the TCP and WebSocket servers.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPublish checks a publish_message from username.
func (m *Manager) AllowPublish(username string) bool {
	if m == nil || m.publish == nil {
		return true
	}
	return m.publish.Allow(username)
}

// AllowSubscribe checks a subscribe from username.
func (m *Manager) AllowSubscribe(username string) bool {
	if m == nil || m.subscribe == nil {
		return true
	}
	return m.subscribe.Allow(username)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
