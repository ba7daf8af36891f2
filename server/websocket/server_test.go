// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/topicd/broker"
	"github.com/absmach/topicd/config"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopDeliverer struct{}

func (nopDeliverer) Send(context.Context, string, []byte) error { return nil }

func setup(t *testing.T, maxSize int) (*broker.Broker, *websocket.Conn) {
	t.Helper()

	cfg := config.Default()
	if maxSize > 0 {
		cfg.Broker.MaxMessageSize = maxSize
	}
	b := broker.NewBroker(nil, nopDeliverer{}, slog.New(slog.DiscardHandler), nil, nil, nil, nil, cfg.Broker, cfg.Delivery)
	t.Cleanup(func() { b.Close() })

	s := New(Config{Path: "/topicd"}, b, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(s.stop)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/topicd"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return b, ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, req string) string {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(req)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestWebSocketCommands(t *testing.T) {
	b, ws := setup(t, 0)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"register","username":"alice","udp_port":9001}`)))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage,
		[]byte(`{"command":"create_topic","topic":"sports"}`)))

	assert.JSONEq(t, `["sports"]`, roundTrip(t, ws, `{"command":"get_topics"}`))
	assert.JSONEq(t, `{"tcp_ip":"127.0.0.1"}`, roundTrip(t, ws, `{"command":"get_tcp_ip","username":"alice"}`))
	assert.JSONEq(t, `{"error":"Unknown command"}`, roundTrip(t, ws, `{"command":"nope"}`))
	assert.Equal(t, []string{"alice"}, b.Directory().Users())
}

func TestWebSocketMalformedCloses(t *testing.T) {
	_, ws := setup(t, 0)

	assert.JSONEq(t, `{"error":"Malformed request"}`, roundTrip(t, ws, `not json`))

	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketCloseIsNormal(t *testing.T) {
	b, ws := setup(t, 0)

	roundTrip(t, ws, `{"command":"get_users"}`)
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	require.Eventually(t, func() bool {
		return b.Stats().GetCurrentSessions() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, b.Stats().GetMalformedRequests())
}

func TestConnReadDeadlineExceeded(t *testing.T) {
	errs := make(chan error, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			errs <- err
			return
		}
		defer ws.Close()

		c := &conn{ws: ws, remote: peerAddr(r.RemoteAddr)}
		_ = c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, err = c.ReadMessage()
		errs <- err
	}))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not time out")
	}
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func TestIdleSessionClosed(t *testing.T) {
	logs := &logBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := config.Default()
	cfg.Broker.IdleTimeout = 100 * time.Millisecond
	b := broker.NewBroker(nil, nopDeliverer{}, logger, nil, nil, nil, nil, cfg.Broker, cfg.Delivery)
	t.Cleanup(func() { b.Close() })

	s := New(Config{}, b, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(s.stop)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+defaultPath, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "reason=idle")
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, logs.String(), "websocket_session_ended")
}

func TestPeerAddrResolvesTCP(t *testing.T) {
	addr := peerAddr("192.0.2.7:40000")
	tcp, ok := addr.(*net.TCPAddr)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.7", tcp.IP.String())

	assert.Equal(t, "pipe", peerAddr("pipe").String())
	assert.Equal(t, "websocket", peerAddr("pipe").Network())
}
