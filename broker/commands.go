// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/absmach/topicd/broker/events"
	"github.com/absmach/topicd/directory"
	"github.com/absmach/topicd/protocol"
)

// dispatch executes one validated request. Only reply write failures are
// returned; directory outcomes never end the session.
func (b *Broker) dispatch(ctx context.Context, s *session, req protocol.Request) error {
	b.logOp("command",
		slog.String("command", string(req.Command)),
		slog.String("remote", s.remoteString()))

	switch req.Command {
	case protocol.Register:
		b.register(s, req.Username, req.UDPPort)
	case protocol.CreateTopic:
		b.createTopic(req.Topic)
	case protocol.Subscribe:
		b.subscribe(req.Username, req.Topic)
	case protocol.PublishMessage:
		if !b.allow(protocol.PublishMessage, req.Username) {
			return nil
		}
		b.Publish(ctx, req.Username, req.Topic, req.Content)
	case protocol.GetTopics:
		return s.reply(b.dir.Topics())
	case protocol.GetUsersByTopic:
		return s.reply(b.dir.SubscribersOf(req.Topic))
	case protocol.GetUsers:
		users := b.dir.Users()
		records := make([]protocol.UserRecord, 0, len(users))
		for _, u := range users {
			records = append(records, protocol.UserRecord{Username: u})
		}
		return s.reply(records)
	case protocol.GetTCPIP:
		addr, err := b.dir.AddressOf(req.Username)
		if err != nil {
			return s.replyError(protocol.MsgUserNotFound)
		}
		return s.reply(protocol.TCPIPReply{TCPIP: addr.IP})
	case protocol.GetUDPPort:
		addr, err := b.dir.AddressOf(req.Username)
		if err != nil {
			return s.replyError(protocol.MsgUserNotFound)
		}
		return s.reply(protocol.UDPPortReply{UDPPort: addr.Port})
	}
	return nil
}

func (b *Broker) register(s *session, username string, port int) {
	addr := directory.Address{IP: observedIP(s.remote), Port: port}
	existed := b.dir.Register(username, addr)

	b.stats.IncrementRegistrations()
	b.logger.Info("user_registered",
		slog.String("username", username),
		slog.String("address", addr.String()),
		slog.Bool("reregistered", existed))
	b.notify(events.UserRegistered{Username: username, Address: addr.String(), Reregistered: existed})
}

func (b *Broker) createTopic(name string) {
	if !b.dir.CreateTopic(name) {
		b.logOp("topic_exists", slog.String("topic", name))
		return
	}
	b.stats.IncrementTopicsCreated()
	b.logger.Info("topic_created", slog.String("topic", name))
	b.notify(events.TopicCreated{Name: name})
}

// subscribe is a logged no-op when the topic or user is unknown.
func (b *Broker) subscribe(username, topic string) {
	if !b.allow(protocol.Subscribe, username) {
		return
	}

	added, err := b.dir.Subscribe(username, topic)
	if err != nil {
		reason := "unknown_topic"
		if errors.Is(err, directory.ErrUserNotFound) {
			reason = "unknown_user"
		}
		b.stats.IncrementSubscribeRejected()
		b.metrics.RecordError("subscribe_" + reason)
		b.logger.Warn("subscribe_rejected",
			slog.String("username", username),
			slog.String("topic", topic),
			slog.String("reason", reason))
		return
	}
	if !added {
		b.logOp("already_subscribed", slog.String("username", username), slog.String("topic", topic))
		return
	}

	b.stats.IncrementSubscriptions()
	b.metrics.RecordSubscriptionAdded()
	b.logger.Info("subscribed", slog.String("username", username), slog.String("topic", topic))
	b.notify(events.SubscriptionCreated{Username: username, TopicName: topic})
}

// allow applies the per-user limit for publish and subscribe. Throttled
// commands are dropped since neither has a reply to carry an error.
func (b *Broker) allow(cmd protocol.Command, username string) bool {
	if b.rateLimiter == nil {
		return true
	}
	var ok bool
	switch cmd {
	case protocol.PublishMessage:
		ok = b.rateLimiter.AllowPublish(username)
	case protocol.Subscribe:
		ok = b.rateLimiter.AllowSubscribe(username)
	default:
		return true
	}
	if !ok {
		b.stats.IncrementRateLimited()
		b.metrics.RecordError("rate_limited")
		b.logger.Warn("rate_limited",
			slog.String("command", string(cmd)),
			slog.String("username", username))
	}
	return ok
}

// observedIP is the IP the connection arrived from.
func observedIP(addr net.Addr) string {
	switch a := addr.(type) {
	case nil:
		return ""
	case *net.TCPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
