// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package directory holds the broker's registry of identities, topics and
// subscriptions. A single RWMutex guards all state: mutations take the write
// lock and every query copies its result out under the read lock, so callers
// always observe a consistent snapshot.
package directory

import (
	"errors"
	"net"
	"strconv"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Lookup errors.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrTopicNotFound = errors.New("topic not found")
)

// Address is where an identity receives pushed deliveries.
type Address struct {
	IP   string
	Port int
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// Identity is a snapshot of a registered participant.
type Identity struct {
	Username string
	Address  Address
	Topics   []string
}

// Recipient is a fan-out target resolved from a topic's subscriber set.
type Recipient struct {
	Username string
	Address  Address
}

// Counts summarizes the directory size.
type Counts struct {
	Users         int `json:"users"`
	Topics        int `json:"topics"`
	Subscriptions int `json:"subscriptions"`
}

type set = orderedmap.OrderedMap[string, struct{}]

type user struct {
	addr   Address
	topics *set
}

type topic struct {
	subscribers *set
}

// Directory is the in-memory registry shared by all sessions.
type Directory struct {
	mu            sync.RWMutex
	users         *orderedmap.OrderedMap[string, *user]
	topics        *orderedmap.OrderedMap[string, *topic]
	subscriptions int
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		users:  orderedmap.New[string, *user](),
		topics: orderedmap.New[string, *topic](),
	}
}

// Register inserts an identity or overwrites the address of an existing one.
// The last registration for a username wins; topics it already joined are kept.
// Returns true if the username was already registered.
func (d *Directory) Register(username string, addr Address) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u, ok := d.users.Get(username); ok {
		u.addr = addr
		return true
	}

	d.users.Set(username, &user{
		addr:   addr,
		topics: orderedmap.New[string, struct{}](),
	})
	return false
}

// CreateTopic inserts the topic if absent and reports whether it was created.
func (d *Directory) CreateTopic(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.topics.Get(name); ok {
		return false
	}
	d.topics.Set(name, &topic{subscribers: orderedmap.New[string, struct{}]()})
	return true
}

// Subscribe adds username to the topic's subscriber set and the topic to the
// user's joined set and reports whether the subscription is new.
// Subscribing twice is a no-op. Both the topic and the user must exist.
func (d *Directory) Subscribe(username, topicName string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.topics.Get(topicName)
	if !ok {
		return false, ErrTopicNotFound
	}
	u, ok := d.users.Get(username)
	if !ok {
		return false, ErrUserNotFound
	}

	u.topics.Set(topicName, struct{}{})
	if _, present := t.subscribers.Set(username, struct{}{}); present {
		return false, nil
	}
	d.subscriptions++
	return true, nil
}

// HasTopic reports whether the topic exists.
func (d *Directory) HasTopic(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.topics.Get(name)
	return ok
}

// Topics returns topic names in creation order.
func (d *Directory) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return keys(d.topics)
}

// SubscribersOf returns the usernames subscribed to a topic in subscription
// order. An unknown topic yields an empty slice.
func (d *Directory) SubscribersOf(name string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.topics.Get(name)
	if !ok {
		return []string{}
	}
	return keys(t.subscribers)
}

// Users returns registered usernames in registration order.
func (d *Directory) Users() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return keys(d.users)
}

// AddressOf returns the delivery address registered for username.
func (d *Directory) AddressOf(username string) (Address, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users.Get(username)
	if !ok {
		return Address{}, ErrUserNotFound
	}
	return u.addr, nil
}

// Lookup returns a snapshot of the identity registered as username.
func (d *Directory) Lookup(username string) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users.Get(username)
	if !ok {
		return Identity{}, ErrUserNotFound
	}
	return Identity{
		Username: username,
		Address:  u.addr,
		Topics:   keys(u.topics),
	}, nil
}

// Recipients resolves every subscriber of a topic except exclude to its
// delivery address. The subscriber set and the addresses are read under the
// same lock. An unknown topic yields nil.
func (d *Directory) Recipients(topicName, exclude string) []Recipient {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.topics.Get(topicName)
	if !ok {
		return nil
	}

	out := make([]Recipient, 0, t.subscribers.Len())
	for pair := t.subscribers.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == exclude {
			continue
		}
		u, ok := d.users.Get(pair.Key)
		if !ok {
			continue
		}
		out = append(out, Recipient{Username: pair.Key, Address: u.addr})
	}
	return out
}

// Counts returns the number of users, topics and subscriptions.
func (d *Directory) Counts() Counts {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return Counts{
		Users:         d.users.Len(),
		Topics:        d.topics.Len(),
		Subscriptions: d.subscriptions,
	}
}

func keys[V any](m *orderedmap.OrderedMap[string, V]) []string {
	out := make([]string, 0, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}
