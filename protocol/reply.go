// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrorReply is sent for failed queries and rejected requests.
type ErrorReply struct {
	Error string `json:"error"`
}

// UserRecord is one entry of the get_users reply.
type UserRecord struct {
	Username string `json:"username"`
}

// TCPIPReply answers get_tcp_ip.
type TCPIPReply struct {
	TCPIP string `json:"tcp_ip"`
}

// UDPPortReply answers get_udp_port.
type UDPPortReply struct {
	UDPPort int `json:"udp_port"`
}

// Delivery is the payload pushed to a subscriber's listener.
type Delivery struct {
	Topic   string `json:"topic"`
	Content string `json:"content"`
}

// DirectMessage is the payload one client sends straight to another.
type DirectMessage struct {
	From    string `json:"from"`
	Content string `json:"content"`
}

// Inbound is anything a client listener can receive. Exactly one of Topic
// or From is set.
type Inbound struct {
	Topic   string
	From    string
	Content string
}

// Direct reports whether the message came from another client rather than
// a topic fan-out.
func (in Inbound) Direct() bool {
	return in.From != ""
}

var (
	deliveryJSON = []byte(`{"topic":""}`)
	directJSON   = []byte(`{"from":""}`)
)

// EncodeDelivery builds the {"topic","content"} datagram for a fan-out.
func EncodeDelivery(topic, content string) ([]byte, error) {
	out, err := sjson.SetBytes(append([]byte(nil), deliveryJSON...), "topic", topic)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "content", content)
}

// EncodeDirectMessage builds the {"from","content"} datagram for a
// user-to-user message.
func EncodeDirectMessage(from, content string) ([]byte, error) {
	out, err := sjson.SetBytes(append([]byte(nil), directJSON...), "from", from)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "content", content)
}

// DecodeInbound parses a datagram received by a client listener.
func DecodeInbound(data []byte) (Inbound, error) {
	if !gjson.ValidBytes(data) {
		return Inbound{}, ErrMalformedRequest
	}
	content := gjson.GetBytes(data, "content")
	if content.Type != gjson.String {
		return Inbound{}, missing("content")
	}
	if topic := gjson.GetBytes(data, "topic"); topic.Type == gjson.String {
		return Inbound{Topic: topic.Str, Content: content.Str}, nil
	}
	if from := gjson.GetBytes(data, "from"); from.Type == gjson.String {
		return Inbound{From: from.Str, Content: content.Str}, nil
	}
	return Inbound{}, missing("topic or from")
}

// PeekError returns the message of an error reply. Non-object replies and
// objects without an "error" string are not errors.
func PeekError(data []byte) (string, bool) {
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return "", false
	}
	msg := res.Get("error")
	if msg.Type != gjson.String {
		return "", false
	}
	return msg.Str, true
}
