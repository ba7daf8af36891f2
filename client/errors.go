// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"

	"github.com/absmach/topicd/protocol"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoServer      = errors.New("no server configured")
	ErrEmptyUsername = errors.New("username cannot be empty")
	ErrInvalidPort   = errors.New("invalid UDP port (must be 0-65535)")

	// Operation errors.
	ErrClientClosed    = errors.New("client has been closed")
	ErrUnexpectedReply = errors.New("unexpected reply")

	// Broker error replies, matched through errors.Is on *ReplyError.
	ErrUserNotFound     = errors.New("user not found")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMalformedRequest = errors.New("malformed request")
)

// ReplyError is an {"error": ...} reply from the broker.
type ReplyError struct {
	Command protocol.Command
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// Is maps the broker's error text to the matching sentinel.
func (e *ReplyError) Is(target error) bool {
	switch target {
	case ErrUserNotFound:
		return e.Message == protocol.MsgUserNotFound
	case ErrUnknownCommand:
		return e.Message == protocol.MsgUnknownCommand
	case ErrMalformedRequest:
		return e.Message == protocol.MsgMalformedRequest
	}
	return false
}
