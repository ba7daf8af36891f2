// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client talks to a topicd broker: it registers a delivery address,
// issues commands over the framed TCP channel and receives topic deliveries
// and direct messages on a UDP listener.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/topicd/codec"
	"github.com/absmach/topicd/protocol"
	"github.com/absmach/topicd/transport"
	"github.com/tevino/abool"
)

// Client is a thread-safe broker client. Commands are serialized.
type Client struct {
	opts     *Options
	logger   *slog.Logger
	listener *transport.Listener
	sender   *transport.UDPSender
	closed   *abool.AtomicBool

	// mu serializes commands and guards the persistent connection.
	mu         sync.Mutex
	conn       *codec.Conn
	persistent bool
}

// New starts the delivery listener and registers with the broker. The
// registration happens once; it is not repeated on reconnect.
func New(opts *Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:       opts,
		logger:     opts.Logger,
		sender:     transport.NewUDPSender(opts.SendTimeout),
		closed:     abool.New(),
		persistent: opts.Persistent,
	}

	addr := net.JoinHostPort(opts.ListenHost, strconv.Itoa(opts.UDPPort))
	l, err := transport.Listen(addr, c.handleDatagram, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start listener: %w", err)
	}
	c.listener = l

	err = c.send(protocol.Request{
		Command:  protocol.Register,
		Username: opts.Username,
		UDPPort:  l.Port(),
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register: %w", err)
	}

	c.logger.Info("client_registered",
		slog.String("username", opts.Username),
		slog.Int("udp_port", l.Port()))
	return c, nil
}

// Username returns the registered identity.
func (c *Client) Username() string {
	return c.opts.Username
}

// ListenPort returns the local delivery port.
func (c *Client) ListenPort() int {
	return c.listener.Port()
}

// SetPersistent switches between one connection per command and one shared
// connection. Switching off closes the shared connection.
func (c *Client) SetPersistent(persistent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.persistent = persistent
	if !persistent {
		c.dropLocked()
	}
}

// CreateTopic creates a topic. Creating an existing topic is not an error.
func (c *Client) CreateTopic(topic string) error {
	return c.send(protocol.Request{Command: protocol.CreateTopic, Topic: topic})
}

// Subscribe joins a topic. The broker ignores unknown topics.
func (c *Client) Subscribe(topic string) error {
	return c.send(protocol.Request{
		Command:  protocol.Subscribe,
		Username: c.opts.Username,
		Topic:    topic,
	})
}

// Publish sends content to every other subscriber of topic.
func (c *Client) Publish(topic, content string) error {
	return c.send(protocol.Request{
		Command:  protocol.PublishMessage,
		Username: c.opts.Username,
		Topic:    topic,
		Content:  content,
	})
}

// Topics lists all topics in creation order.
func (c *Client) Topics() ([]string, error) {
	var topics []string
	if err := c.request(protocol.Request{Command: protocol.GetTopics}, &topics); err != nil {
		return nil, err
	}
	return topics, nil
}

// UsersByTopic lists the subscribers of topic. An unknown topic yields an
// empty list.
func (c *Client) UsersByTopic(topic string) ([]string, error) {
	var users []string
	if err := c.request(protocol.Request{Command: protocol.GetUsersByTopic, Topic: topic}, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Users lists all registered usernames.
func (c *Client) Users() ([]string, error) {
	var records []protocol.UserRecord
	if err := c.request(protocol.Request{Command: protocol.GetUsers}, &records); err != nil {
		return nil, err
	}
	users := make([]string, 0, len(records))
	for _, r := range records {
		users = append(users, r.Username)
	}
	return users, nil
}

// TCPIP returns the address username registered from.
func (c *Client) TCPIP(username string) (string, error) {
	var reply protocol.TCPIPReply
	if err := c.request(protocol.Request{Command: protocol.GetTCPIP, Username: username}, &reply); err != nil {
		return "", err
	}
	return reply.TCPIP, nil
}

// UDPPort returns the delivery port of username.
func (c *Client) UDPPort(username string) (int, error) {
	var reply protocol.UDPPortReply
	if err := c.request(protocol.Request{Command: protocol.GetUDPPort, Username: username}, &reply); err != nil {
		return 0, err
	}
	return reply.UDPPort, nil
}

// MessageUser sends content straight to another user's listener, bypassing
// the broker after the address lookup.
func (c *Client) MessageUser(username, content string) error {
	ip, err := c.TCPIP(username)
	if err != nil {
		return err
	}
	port, err := c.UDPPort(username)
	if err != nil {
		return err
	}

	payload, err := protocol.EncodeDirectMessage(c.opts.Username, content)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
	defer cancel()
	return c.sender.Send(ctx, net.JoinHostPort(ip, strconv.Itoa(port)), payload)
}

// Close stops the listener and drops the persistent connection.
func (c *Client) Close() error {
	if !c.closed.SetToIf(false, true) {
		return nil
	}

	c.mu.Lock()
	c.dropLocked()
	c.mu.Unlock()

	if c.listener != nil {
		return c.listener.Close()
	}
	return nil
}

// send issues a command that has no reply.
func (c *Client) send(req protocol.Request) error {
	_, err := c.do(req, false)
	return err
}

// request issues a command and decodes its reply into v.
func (c *Client) request(req protocol.Request, v any) error {
	reply, err := c.do(req, true)
	if err != nil {
		return err
	}
	if err := protocol.Unmarshal(reply, v); err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	return nil
}

func (c *Client) do(req protocol.Request, wantReply bool) ([]byte, error) {
	if c.closed.IsSet() {
		return nil, ErrClientClosed
	}

	data, err := protocol.Marshal(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reply, reused, err := c.exchangeLocked(data, req.Command, wantReply)
	if err != nil && reused && resendable(err) {
		// The broker closed the shared connection between the liveness
		// check and the exchange; send once more on a fresh one.
		c.logger.Debug("command_connection_reset",
			slog.String("command", string(req.Command)),
			slog.String("error", err.Error()))
		reply, _, err = c.exchangeLocked(data, req.Command, wantReply)
	}
	return reply, err
}

// exchangeLocked runs one command on the current connection. reused reports
// whether that connection was carried over from an earlier command.
func (c *Client) exchangeLocked(data []byte, cmd protocol.Command, wantReply bool) (reply []byte, reused bool, err error) {
	conn, reused, err := c.connLocked()
	if err != nil {
		return nil, false, err
	}
	if !c.persistent {
		defer c.dropLocked()
	}

	deadline := time.Now().Add(c.opts.RequestTimeout)
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	if err := conn.WriteMessage(data); err != nil {
		c.dropLocked()
		return nil, reused, err
	}

	if !wantReply {
		if c.persistent {
			return nil, reused, nil
		}
		return nil, reused, c.finish(conn, cmd)
	}

	reply, err = conn.ReadMessage()
	if err != nil {
		c.dropLocked()
		return nil, reused, err
	}
	if msg, ok := protocol.PeekError(reply); ok {
		return nil, reused, &ReplyError{Command: cmd, Message: msg}
	}
	return reply, reused, nil
}

// resendable reports whether err means the connection was gone before the
// broker could act on the command. Timeouts and broker replies are final.
func resendable(err error) bool {
	var re *ReplyError
	if errors.As(err, &re) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// finish half-closes a one-shot connection and waits for the broker to
// close its side, so the command is applied before the next one starts on
// a new connection. Any frame read meanwhile is an error reply.
func (c *Client) finish(conn *codec.Conn, cmd protocol.Command) error {
	if err := conn.CloseWrite(); err != nil {
		return err
	}
	for {
		reply, err := conn.ReadMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg, ok := protocol.PeekError(reply); ok {
			return &ReplyError{Command: cmd, Message: msg}
		}
	}
}

// connLocked returns the shared connection when it is still open, dialing a
// new one otherwise. The broker closes sessions that stay idle, so a cached
// connection is checked before reuse.
func (c *Client) connLocked() (*codec.Conn, bool, error) {
	if c.conn != nil {
		if c.conn.Alive() {
			return c.conn, true, nil
		}
		c.logger.Debug("command_connection_stale", slog.String("server", c.opts.Server))
		c.dropLocked()
	}

	d := net.Dialer{Timeout: c.opts.DialTimeout}
	nc, err := d.Dial("tcp", c.opts.Server)
	if err != nil {
		return nil, false, fmt.Errorf("failed to connect to %s: %w", c.opts.Server, err)
	}
	c.conn = codec.NewConn(nc, c.opts.MaxMessageSize)
	return c.conn, false, nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) handleDatagram(payload []byte, from net.Addr) {
	in, err := protocol.DecodeInbound(payload)
	if err != nil {
		c.logger.Warn("invalid_datagram",
			slog.String("from", from.String()),
			slog.String("error", err.Error()))
		return
	}

	switch {
	case in.Direct() && c.opts.OnDirectMessage != nil:
		c.opts.OnDirectMessage(in.From, in.Content)
	case !in.Direct() && c.opts.OnMessage != nil:
		c.opts.OnMessage(in.Topic, in.Content)
	default:
		c.logger.Info("message_received",
			slog.String("topic", in.Topic),
			slog.String("from", in.From),
			slog.String("content", in.Content))
	}
}
