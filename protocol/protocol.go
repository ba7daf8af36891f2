// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the command tags and the JSON request, reply and
// delivery shapes exchanged between clients and the broker.
package protocol

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Command is the tag carried in the "command" field of every request.
type Command string

// Command tags.
const (
	Register        Command = "register"
	CreateTopic     Command = "create_topic"
	Subscribe       Command = "subscribe"
	PublishMessage  Command = "publish_message"
	GetTopics       Command = "get_topics"
	GetUsersByTopic Command = "get_users_by_topic"
	GetUsers        Command = "get_users"
	GetTCPIP        Command = "get_tcp_ip"
	GetUDPPort      Command = "get_udp_port"
)

// MaxPort is the largest valid delivery port.
const MaxPort = 65535

// Error reply messages.
const (
	MsgUserNotFound     = "User not found"
	MsgUnknownCommand   = "Unknown command"
	MsgMalformedRequest = "Malformed request"
)

var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrUnknownCommand   = errors.New("unknown command")
)

// Known reports whether c is one of the supported command tags.
func (c Command) Known() bool {
	switch c {
	case Register, CreateTopic, Subscribe, PublishMessage,
		GetTopics, GetUsersByTopic, GetUsers, GetTCPIP, GetUDPPort:
		return true
	}
	return false
}

// HasReply reports whether the broker answers c with a reply message.
func (c Command) HasReply() bool {
	switch c {
	case GetTopics, GetUsersByTopic, GetUsers, GetTCPIP, GetUDPPort:
		return true
	}
	return false
}

// Request is a single client command.
type Request struct {
	Command  Command `json:"command"`
	Username string  `json:"username,omitempty"`
	Topic    string  `json:"topic,omitempty"`
	Content  string  `json:"content,omitempty"`
	UDPPort  int     `json:"udp_port,omitempty"`
}

// Validate checks that the fields required by the command are present.
func (r Request) Validate() error {
	switch r.Command {
	case Register:
		if r.Username == "" {
			return missing("username")
		}
		if r.UDPPort <= 0 || r.UDPPort > MaxPort {
			return fmt.Errorf("%w: udp_port %d out of range", ErrMalformedRequest, r.UDPPort)
		}
	case CreateTopic, GetUsersByTopic:
		if r.Topic == "" {
			return missing("topic")
		}
	case Subscribe, PublishMessage:
		if r.Username == "" {
			return missing("username")
		}
		if r.Topic == "" {
			return missing("topic")
		}
	case GetTCPIP, GetUDPPort:
		if r.Username == "" {
			return missing("username")
		}
	case GetTopics, GetUsers:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, r.Command)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformedRequest, field)
}

// PeekCommand extracts the command tag without decoding the whole request.
func PeekCommand(data []byte) (Command, bool) {
	tag := gjson.GetBytes(data, "command")
	if tag.Type != gjson.String || tag.Str == "" {
		return "", false
	}
	return Command(tag.Str), true
}

// DecodeRequest parses and validates one request. An unrecognized tag yields
// ErrUnknownCommand with the tag set on the returned request; anything else
// that cannot be served yields ErrMalformedRequest.
func DecodeRequest(data []byte) (Request, error) {
	if !gjson.ValidBytes(data) {
		return Request{}, fmt.Errorf("%w: invalid json", ErrMalformedRequest)
	}
	cmd, ok := PeekCommand(data)
	if !ok {
		return Request{}, missing("command")
	}
	if !cmd.Known() {
		return Request{Command: cmd}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{Command: cmd}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	// A repeated "command" key peeks as the first value but decodes as the
	// last; only an unambiguous tag is dispatched.
	if req.Command != cmd {
		return Request{Command: cmd}, fmt.Errorf("%w: conflicting command %q and %q", ErrMalformedRequest, cmd, req.Command)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
