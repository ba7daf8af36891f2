// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch buffers used to assemble outgoing frames.
package bufpool

import (
	"bytes"
	"sync"
)

const (
	initialCap   = 512
	maxPooledCap = 64 * 1024
)

var pool = sync.Pool{New: func() any { return bytes.NewBuffer(make([]byte, 0, initialCap)) }}

// Get returns an empty buffer from the pool.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// GetSized returns an empty buffer able to hold at least n bytes without growing.
func GetSized(n int) *bytes.Buffer {
	b := Get()
	b.Grow(n)
	return b
}

// Put returns b to the pool. Buffers grown past 64KB are dropped so one large
// frame does not pin memory for the life of the process.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
