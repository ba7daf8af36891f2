// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/topicd/codec"
	"github.com/absmach/topicd/protocol"
	"github.com/absmach/topicd/transport"
)

// Default timeouts.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReplyTimeout   = 5 * time.Second
)

// ErrTimeout is returned when expected messages do not arrive in time.
var ErrTimeout = errors.New("operation timed out")

// InMemoryStore keeps received datagrams in arrival order.
type InMemoryStore struct {
	messages []protocol.Inbound
	mu       sync.RWMutex
}

// NewInMemoryStore creates a new in-memory message store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: make([]protocol.Inbound, 0),
	}
}

// Store adds a message to the store.
func (s *InMemoryStore) Store(msg protocol.Inbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// Get returns all topic deliveries for a topic.
func (s *InMemoryStore) Get(topic string) []protocol.Inbound {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []protocol.Inbound
	for _, msg := range s.messages {
		if msg.Topic == topic {
			result = append(result, msg)
		}
	}
	return result
}

// GetAll returns all stored messages.
func (s *InMemoryStore) GetAll() []protocol.Inbound {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]protocol.Inbound, len(s.messages))
	copy(result, s.messages)
	return result
}

// Clear removes all messages from the store.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = s.messages[:0]
}

// Count returns the number of stored messages.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Capture is a UDP listener that stores every valid datagram it receives.
type Capture struct {
	*InMemoryStore
	listener *transport.Listener
}

// ListenUDP starts a capture on an ephemeral loopback port, closed when the
// test ends.
func ListenUDP(t testing.TB) *Capture {
	t.Helper()

	c := &Capture{InMemoryStore: NewInMemoryStore()}
	l, err := transport.Listen("127.0.0.1:0", func(payload []byte, _ net.Addr) {
		if msg, err := protocol.DecodeInbound(payload); err == nil {
			c.Store(msg)
		}
	}, nil)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	c.listener = l
	t.Cleanup(func() { l.Close() })
	return c
}

// Port returns the capture's UDP port.
func (c *Capture) Port() int {
	return c.listener.Port()
}

// WaitForMessages polls until count messages arrived or timeout elapses.
func (c *Capture) WaitForMessages(count int, timeout time.Duration) ([]protocol.Inbound, error) {
	deadline := time.Now().Add(timeout)
	for {
		if msgs := c.GetAll(); len(msgs) >= count {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return c.GetAll(), fmt.Errorf("%w: received %d of %d messages", ErrTimeout, c.Count(), count)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// CommandConn is a raw framed connection to the broker.
type CommandConn struct {
	t    testing.TB
	conn *codec.Conn
}

// Dial opens a command connection, closed when the test ends.
func Dial(t testing.TB, addr string) *CommandConn {
	t.Helper()

	nc, err := net.DialTimeout("tcp", addr, DefaultConnectTimeout)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", addr, err)
	}
	c := &CommandConn{t: t, conn: codec.NewConn(nc, 0)}
	t.Cleanup(func() { c.conn.Close() })
	return c
}

// Send writes one request without waiting for a reply.
func (c *CommandConn) Send(req protocol.Request) {
	c.t.Helper()

	data, err := protocol.Marshal(req)
	if err != nil {
		c.t.Fatalf("failed to encode request: %v", err)
	}
	c.SendRaw(data)
}

// SendRaw writes data as one frame.
func (c *CommandConn) SendRaw(data []byte) {
	c.t.Helper()

	if err := c.conn.WriteMessage(data); err != nil {
		c.t.Fatalf("failed to send: %v", err)
	}
}

// Request writes req and returns the raw reply.
func (c *CommandConn) Request(req protocol.Request) string {
	c.t.Helper()

	c.Send(req)
	return c.Read()
}

// Read returns the next reply frame.
func (c *CommandConn) Read() string {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(DefaultReplyTimeout))
	data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("failed to read reply: %v", err)
	}
	return string(data)
}

// ReadErr returns the next reply frame or the read error.
func (c *CommandConn) ReadErr() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(DefaultReplyTimeout))
	return c.conn.ReadMessage()
}

// Close closes the connection.
func (c *CommandConn) Close() error {
	return c.conn.Close()
}
