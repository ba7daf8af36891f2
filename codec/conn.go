// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"
)

const (
	readBufferSize = 8192
	// aliveWait bounds the read attempted by Alive. A deadline already in the
	// past would fail the read before the socket is checked.
	aliveWait = time.Millisecond
)

// Conn is a framed message connection over a stream socket. Reads are
// expected from a single goroutine; writes are serialized internally.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	maxSize int
	writeMu sync.Mutex
}

// NewConn wraps c. maxSize bounds both inbound and outbound frames; zero
// selects DefaultMaxFrameSize.
func NewConn(c net.Conn, maxSize int) *Conn {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Conn{
		conn:    c,
		reader:  bufio.NewReaderSize(c, readBufferSize),
		maxSize: maxSize,
	}
}

// ReadMessage reads the next frame payload.
func (c *Conn) ReadMessage() ([]byte, error) {
	return ReadFrame(c.reader, c.maxSize)
}

// Alive reports whether the peer still has the connection open. It must not
// run concurrently with ReadMessage and it clears the read deadline. Pending
// unread data counts as alive.
func (c *Conn) Alive() bool {
	if c.reader.Buffered() > 0 {
		return true
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(aliveWait)); err != nil {
		return false
	}
	defer c.conn.SetReadDeadline(time.Time{})

	_, err := c.reader.Peek(1)
	var ne net.Error
	return err == nil || (errors.As(err, &ne) && ne.Timeout())
}

// WriteMessage writes payload as one frame.
func (c *Conn) WriteMessage(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, payload, c.maxSize)
}

// CloseWrite half-closes the write side when the underlying connection
// supports it, signalling end of requests while replies can still be read.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
