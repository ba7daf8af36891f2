// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"runtime"
	"sync"
)

// fanOutPool is a bounded goroutine pool for subscriber deliveries.
// Each task sends one datagram. The pool owns its goroutines and stops them
// cleanly via Close.
type fanOutPool struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan func()
	wg     sync.WaitGroup
}

func newFanOutPool(workers, queueSize int) *fanOutPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if queueSize < workers {
		queueSize = workers
	}
	p := &fanOutPool{
		tasks: make(chan func(), queueSize),
	}
	p.wg.Add(workers)
	for range workers {
		go p.run()
	}
	return p
}

func (p *fanOutPool) run() {
	defer p.wg.Done()
	for fn := range p.tasks {
		fn()
	}
}

// Submit enqueues a delivery. It blocks while the queue is full, which
// pushes back on the publishing session instead of dropping deliveries.
// It returns false once the pool is closed.
func (p *fanOutPool) Submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	p.tasks <- fn
	return true
}

// Close drains queued tasks and waits for all workers to finish.
func (p *fanOutPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
