// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/topicd/broker/events"
	"github.com/absmach/topicd/codec"
	"github.com/absmach/topicd/config"
	"github.com/absmach/topicd/directory"
	"github.com/absmach/topicd/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	addr    string
	payload string
}

// fakeDeliverer records every send; addresses in fail return an error.
type fakeDeliverer struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]bool
}

func (f *fakeDeliverer) Send(_ context.Context, addr string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail[addr] {
		return errors.New("unreachable")
	}
	f.sent = append(f.sent, sent{addr: addr, payload: string(payload)})
	return nil
}

func (f *fakeDeliverer) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type())
	}
	return out
}

type denyLimiter struct{}

func (denyLimiter) AllowPublish(string) bool   { return false }
func (denyLimiter) AllowSubscribe(string) bool { return false }

func newTestBroker(t *testing.T, d Deliverer, webhooks Notifier) *Broker {
	t.Helper()

	cfg := config.Default()
	b := NewBroker(nil, d, slog.New(slog.DiscardHandler), nil, webhooks, nil, nil, cfg.Broker, cfg.Delivery)
	t.Cleanup(func() { b.Close() })
	return b
}

// addrConn gives a pipe a routable remote address.
type addrConn struct {
	Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

type testClient struct {
	t    *testing.T
	conn *codec.Conn
	done chan error
}

func startSession(t *testing.T, b *Broker, ctx context.Context) *testClient {
	t.Helper()

	server, client := net.Pipe()
	conn := addrConn{
		Conn:   codec.NewConn(server, 0),
		remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 50000},
	}

	c := &testClient{t: t, conn: codec.NewConn(client, 0), done: make(chan error, 1)}
	go func() { c.done <- b.HandleConnection(ctx, conn) }()
	t.Cleanup(func() { client.Close() })
	return c
}

func (c *testClient) send(req protocol.Request) {
	c.t.Helper()
	data, err := protocol.Marshal(req)
	require.NoError(c.t, err)
	c.sendRaw(data)
}

func (c *testClient) sendRaw(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(data))
}

func (c *testClient) recv() string {
	c.t.Helper()
	data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	return string(data)
}

func (c *testClient) wait() error {
	c.t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(2 * time.Second):
		c.t.Fatal("session did not end")
		return nil
	}
}

func TestSessionRegisterAndQuery(t *testing.T) {
	b := newTestBroker(t, &fakeDeliverer{}, nil)
	c := startSession(t, b, context.Background())

	c.send(protocol.Request{Command: protocol.Register, Username: "alice", UDPPort: 9001})
	c.send(protocol.Request{Command: protocol.GetTCPIP, Username: "alice"})
	assert.JSONEq(t, `{"tcp_ip":"127.0.0.1"}`, c.recv())

	c.send(protocol.Request{Command: protocol.GetUDPPort, Username: "alice"})
	assert.JSONEq(t, `{"udp_port":9001}`, c.recv())

	c.send(protocol.Request{Command: protocol.GetUsers})
	assert.JSONEq(t, `[{"username":"alice"}]`, c.recv())

	c.send(protocol.Request{Command: protocol.GetTCPIP, Username: "ghost"})
	assert.JSONEq(t, `{"error":"User not found"}`, c.recv())

	c.send(protocol.Request{Command: protocol.GetUDPPort, Username: "ghost"})
	assert.JSONEq(t, `{"error":"User not found"}`, c.recv())

	require.NoError(t, c.conn.Close())
	assert.NoError(t, c.wait())
	assert.Equal(t, uint64(1), b.Stats().GetTotalSessions())
	assert.Equal(t, int64(0), b.Stats().GetCurrentSessions())
}

func TestSessionTopics(t *testing.T) {
	b := newTestBroker(t, &fakeDeliverer{}, nil)
	c := startSession(t, b, context.Background())

	c.send(protocol.Request{Command: protocol.GetTopics})
	assert.JSONEq(t, `[]`, c.recv())

	c.send(protocol.Request{Command: protocol.Register, Username: "alice", UDPPort: 9001})
	c.send(protocol.Request{Command: protocol.CreateTopic, Topic: "sports"})
	c.send(protocol.Request{Command: protocol.CreateTopic, Topic: "news"})
	c.send(protocol.Request{Command: protocol.CreateTopic, Topic: "sports"})
	c.send(protocol.Request{Command: protocol.Subscribe, Username: "alice", Topic: "sports"})

	c.send(protocol.Request{Command: protocol.GetTopics})
	assert.JSONEq(t, `["sports","news"]`, c.recv())

	c.send(protocol.Request{Command: protocol.GetUsersByTopic, Topic: "sports"})
	assert.JSONEq(t, `["alice"]`, c.recv())

	c.send(protocol.Request{Command: protocol.GetUsersByTopic, Topic: "unknown"})
	assert.JSONEq(t, `[]`, c.recv())
}

func TestSessionSubscribeUnknownTopic(t *testing.T) {
	b := newTestBroker(t, &fakeDeliverer{}, nil)
	c := startSession(t, b, context.Background())

	c.send(protocol.Request{Command: protocol.Register, Username: "alice", UDPPort: 9001})
	c.send(protocol.Request{Command: protocol.Subscribe, Username: "alice", Topic: "nope"})
	c.send(protocol.Request{Command: protocol.Subscribe, Username: "ghost", Topic: "nope"})

	c.send(protocol.Request{Command: protocol.GetTopics})
	assert.JSONEq(t, `[]`, c.recv())
	assert.Equal(t, uint64(2), b.Stats().GetSubscribeRejected())
}

func TestSessionUnknownCommandKeepsSession(t *testing.T) {
	b := newTestBroker(t, &fakeDeliverer{}, nil)
	c := startSession(t, b, context.Background())

	c.sendRaw([]byte(`{"command":"delete_everything"}`))
	assert.JSONEq(t, `{"error":"Unknown command"}`, c.recv())

	c.send(protocol.Request{Command: protocol.GetUsers})
	assert.JSONEq(t, `[]`, c.recv())
	assert.Equal(t, uint64(1), b.Stats().GetUnknownCommands())
}

func TestSessionMalformedRequestCloses(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "invalid json", data: `{"command":`},
		{name: "missing command", data: `{"username":"alice"}`},
		{name: "missing username", data: `{"command":"register","udp_port":9001}`},
		{name: "port out of range", data: `{"command":"register","username":"alice","udp_port":70000}`},
		{name: "missing topic", data: `{"command":"create_topic"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBroker(t, &fakeDeliverer{}, nil)
			c := startSession(t, b, context.Background())

			c.sendRaw([]byte(tt.data))
			assert.JSONEq(t, `{"error":"Malformed request"}`, c.recv())

			_, err := c.conn.ReadMessage()
			assert.ErrorIs(t, err, io.EOF)

			assert.ErrorIs(t, c.wait(), protocol.ErrMalformedRequest)
			assert.Equal(t, uint64(1), b.Stats().GetMalformedRequests())
			assert.Empty(t, b.Directory().Users())
		})
	}
}

func TestSessionOversizedFrameCloses(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.MaxMessageSize = 16
	b := NewBroker(nil, &fakeDeliverer{}, slog.New(slog.DiscardHandler), nil, nil, nil, nil, cfg.Broker, cfg.Delivery)
	defer b.Close()

	server, client := net.Pipe()
	defer client.Close()
	done := make(chan error, 1)
	go func() {
		done <- b.HandleConnection(context.Background(), codec.NewConn(server, b.MaxMessageSize()))
	}()

	cc := codec.NewConn(client, 0)
	require.NoError(t, cc.WriteMessage([]byte(`{"command":"get_users","padding":"xxxxxxxx"}`)))

	reply, err := cc.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Malformed request"}`, string(reply))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, codec.ErrFrameTooLarge)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.IdleTimeout = 50 * time.Millisecond
	b := NewBroker(nil, &fakeDeliverer{}, slog.New(slog.DiscardHandler), nil, nil, nil, nil, cfg.Broker, cfg.Delivery)
	defer b.Close()

	c := startSession(t, b, context.Background())
	assert.NoError(t, c.wait())

	_, err := c.conn.ReadMessage()
	assert.Error(t, err)
}

func TestSessionContextCancel(t *testing.T) {
	b := newTestBroker(t, &fakeDeliverer{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	c := startSession(t, b, ctx)
	c.send(protocol.Request{Command: protocol.GetUsers})
	c.recv()

	cancel()
	assert.NoError(t, c.wait())
}

func TestSessionPublishFanOut(t *testing.T) {
	d := &fakeDeliverer{}
	b := newTestBroker(t, d, nil)

	alice := startSession(t, b, context.Background())
	alice.send(protocol.Request{Command: protocol.Register, Username: "alice", UDPPort: 9001})
	alice.send(protocol.Request{Command: protocol.CreateTopic, Topic: "sports"})
	alice.send(protocol.Request{Command: protocol.Subscribe, Username: "alice", Topic: "sports"})

	bob := startSession(t, b, context.Background())
	bob.send(protocol.Request{Command: protocol.Register, Username: "bob", UDPPort: 9002})
	bob.send(protocol.Request{Command: protocol.Subscribe, Username: "bob", Topic: "sports"})
	bob.send(protocol.Request{Command: protocol.GetUsersByTopic, Topic: "sports"})
	assert.JSONEq(t, `["alice","bob"]`, bob.recv())

	alice.send(protocol.Request{Command: protocol.PublishMessage, Username: "alice", Topic: "sports", Content: "goal"})

	require.Eventually(t, func() bool { return len(d.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	got := d.snapshot()[0]
	assert.Equal(t, "127.0.0.1:9002", got.addr)
	assert.JSONEq(t, `{"topic":"sports","content":"goal"}`, got.payload)
}

func TestPublish(t *testing.T) {
	tests := []struct {
		name      string
		subscribe []string
		topic     string
		want      []string
	}{
		{name: "unknown topic", topic: "nope"},
		{name: "no subscribers", topic: "sports"},
		{name: "only originator", subscribe: []string{"alice"}, topic: "sports"},
		{
			name:      "other subscribers",
			subscribe: []string{"alice", "bob", "carol"},
			topic:     "sports",
			want:      []string{"127.0.0.1:9002", "127.0.0.1:9003"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDeliverer{}
			b := newTestBroker(t, d, nil)
			dir := b.Directory()
			dir.Register("alice", directory.Address{IP: "127.0.0.1", Port: 9001})
			dir.Register("bob", directory.Address{IP: "127.0.0.1", Port: 9002})
			dir.Register("carol", directory.Address{IP: "127.0.0.1", Port: 9003})
			dir.CreateTopic("sports")
			for _, u := range tt.subscribe {
				_, err := dir.Subscribe(u, "sports")
				require.NoError(t, err)
			}

			n := b.Publish(context.Background(), "alice", tt.topic, "hello")
			assert.Equal(t, len(tt.want), n)

			// Close drains the pool so every queued delivery has run.
			require.NoError(t, b.Close())

			var addrs []string
			for _, s := range d.snapshot() {
				addrs = append(addrs, s.addr)
				assert.JSONEq(t, `{"topic":"sports","content":"hello"}`, s.payload)
			}
			assert.ElementsMatch(t, tt.want, addrs)
		})
	}
}

func TestPublishDeliveryFailure(t *testing.T) {
	d := &fakeDeliverer{fail: map[string]bool{"127.0.0.1:9002": true}}
	n := &recordingNotifier{}
	b := newTestBroker(t, d, n)

	dir := b.Directory()
	dir.Register("alice", directory.Address{IP: "127.0.0.1", Port: 9001})
	dir.Register("bob", directory.Address{IP: "127.0.0.1", Port: 9002})
	dir.Register("carol", directory.Address{IP: "127.0.0.1", Port: 9003})
	dir.CreateTopic("sports")
	for _, u := range []string{"alice", "bob", "carol"} {
		_, err := dir.Subscribe(u, "sports")
		require.NoError(t, err)
	}

	assert.Equal(t, 2, b.Publish(context.Background(), "alice", "sports", "hello"))
	require.NoError(t, b.Close())

	assert.Equal(t, uint64(1), b.Stats().GetDeliveries())
	assert.Equal(t, uint64(1), b.Stats().GetDeliveryFailures())
	assert.Contains(t, n.types(), events.TypeDeliveryFailed)
	assert.Contains(t, n.types(), events.TypeMessagePublished)
}

func TestPublishAfterClose(t *testing.T) {
	d := &fakeDeliverer{}
	b := newTestBroker(t, d, nil)

	dir := b.Directory()
	dir.Register("alice", directory.Address{IP: "127.0.0.1", Port: 9001})
	dir.Register("bob", directory.Address{IP: "127.0.0.1", Port: 9002})
	dir.CreateTopic("sports")
	_, err := dir.Subscribe("bob", "sports")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.False(t, b.Ready())

	assert.Equal(t, 0, b.Publish(context.Background(), "alice", "sports", "late"))
	assert.Empty(t, d.snapshot())
	assert.Equal(t, uint64(1), b.Stats().Snapshot().DeliveriesDropped)
}

func TestSessionRateLimited(t *testing.T) {
	d := &fakeDeliverer{}
	b := newTestBroker(t, d, nil)
	b.SetRateLimiter(denyLimiter{})

	dir := b.Directory()
	dir.Register("bob", directory.Address{IP: "127.0.0.1", Port: 9002})
	dir.CreateTopic("sports")
	_, err := dir.Subscribe("bob", "sports")
	require.NoError(t, err)

	c := startSession(t, b, context.Background())
	c.send(protocol.Request{Command: protocol.Register, Username: "alice", UDPPort: 9001})
	c.send(protocol.Request{Command: protocol.Subscribe, Username: "alice", Topic: "sports"})
	c.send(protocol.Request{Command: protocol.PublishMessage, Username: "alice", Topic: "sports", Content: "spam"})
	c.send(protocol.Request{Command: protocol.GetUsersByTopic, Topic: "sports"})
	assert.JSONEq(t, `["bob"]`, c.recv())

	require.NoError(t, b.Close())
	assert.Empty(t, d.snapshot())
	assert.Equal(t, uint64(2), b.Stats().GetRateLimited())
}

func TestSessionEvents(t *testing.T) {
	n := &recordingNotifier{}
	b := newTestBroker(t, &fakeDeliverer{}, n)
	b.SetIncludeContent(true)

	c := startSession(t, b, context.Background())
	c.send(protocol.Request{Command: protocol.Register, Username: "alice", UDPPort: 9001})
	c.send(protocol.Request{Command: protocol.CreateTopic, Topic: "sports"})
	c.send(protocol.Request{Command: protocol.Subscribe, Username: "alice", Topic: "sports"})
	c.send(protocol.Request{Command: protocol.Subscribe, Username: "alice", Topic: "sports"})
	c.send(protocol.Request{Command: protocol.GetUsers})
	c.recv()
	require.NoError(t, c.conn.Close())
	require.NoError(t, c.wait())

	assert.Equal(t, []string{
		events.TypeSessionOpened,
		events.TypeUserRegistered,
		events.TypeTopicCreated,
		events.TypeSubscriptionCreated,
		events.TypeSessionClosed,
	}, n.types())
}

func TestObservedIP(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{name: "nil", addr: nil, want: ""},
		{name: "tcp", addr: &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 5000}, want: "10.1.2.3"},
		{name: "tcp6", addr: &net.TCPAddr{IP: net.ParseIP("::1"), Port: 5000}, want: "::1"},
		{name: "udp", addr: &net.UDPAddr{IP: net.ParseIP("192.168.0.9"), Port: 53}, want: "192.168.0.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, observedIP(tt.addr))
		})
	}
}
