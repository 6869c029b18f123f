// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

// Package poolmgr defers memory allocation across the privilege boundary.
// Code running in the engine's exit-handling path cannot allocate; it records
// what it needs here, and the dispatcher drains the queue on its next entry,
// which always runs in an ordinary, allocation-safe context.
package poolmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueFull reports that the fixed-capacity request queue had no free
// entry. The requester sees the failure through its slot and may re-enqueue.
var ErrQueueFull = errors.New("allocation queue is full")

// ErrNotFulfilled is returned by Slot.Result before fulfillment.
var ErrNotFulfilled = errors.New("allocation not fulfilled yet")

// Tag identifies the intended use of a deferred allocation.
type Tag uint32

// Slot receives the outcome of one deferred allocation. The requester owns
// the slot and must allocate it ahead of time, from a context where
// allocation is still permitted.
type Slot struct {
	buf   []byte
	err   error
	ready atomic.Bool
}

// fulfill publishes the outcome. The ready flag is stored last so that a
// reader observing Ready also observes buf and err.
func (s *Slot) fulfill(buf []byte, err error) {
	s.buf = buf
	s.err = err
	s.ready.Store(true)
}

// Ready reports whether the request has been fulfilled or failed.
func (s *Slot) Ready() bool {
	return s.ready.Load()
}

// Result returns the allocated buffer, or the failure. Before fulfillment it
// returns ErrNotFulfilled.
func (s *Slot) Result() ([]byte, error) {
	if !s.ready.Load() {
		return nil, ErrNotFulfilled
	}

	return s.buf, s.err
}

// request is one pending entry in the preallocated ring.
type request struct {
	size        int
	tag         Tag
	slot        *Slot
	requestedAt time.Duration // monotonic marker, for logs only
}

// Allocator performs the real allocation during a drain.
type Allocator func(size int) ([]byte, error)

// Pool queues allocation requests made in the restricted context and
// fulfills them later from the unrestricted one.
type Pool struct {
	logger *slog.Logger
	alloc  Allocator
	start  time.Time

	mu    sync.Mutex
	ring  []request
	head  int
	count int
}

// New builds a pool with a fixed request capacity. The ring is allocated
// here, once; Enqueue never grows it.
func New(logger *slog.Logger, capacity int, alloc Allocator) *Pool {
	if alloc == nil {
		alloc = func(size int) ([]byte, error) {
			return make([]byte, size), nil
		}
	}

	return &Pool{
		logger: logger,
		alloc:  alloc,
		start:  time.Now(),
		ring:   make([]request, capacity),
	}
}

// Enqueue records an allocation request. Callable from the restricted
// context: it never blocks on anything but the ring lock and never allocates.
// When the ring is full the slot is failed immediately with ErrQueueFull
// rather than growing the queue.
func (p *Pool) Enqueue(size int, tag Tag, slot *Slot) {
	p.mu.Lock()

	if p.count == len(p.ring) {
		p.mu.Unlock()
		slot.fulfill(nil, ErrQueueFull)

		return
	}

	idx := (p.head + p.count) % len(p.ring)
	p.ring[idx] = request{
		size:        size,
		tag:         tag,
		slot:        slot,
		requestedAt: time.Since(p.start),
	}
	p.count++

	p.mu.Unlock()
}

// Pending returns the number of requests waiting for a drain.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.count
}

// DrainAndFulfill services every pending request in arrival order and
// reports how many it handled. Callable only from the unrestricted context;
// the dispatcher runs it on every entry. Each entry is fulfilled or failed
// exactly once; an allocator failure is written to the slot, not retried.
func (p *Pool) DrainAndFulfill() int {
	drained := 0

	for {
		p.mu.Lock()

		if p.count == 0 {
			p.mu.Unlock()

			return drained
		}

		req := p.ring[p.head]
		p.ring[p.head] = request{}
		p.head = (p.head + 1) % len(p.ring)
		p.count--

		p.mu.Unlock()

		buf, err := p.alloc(req.size)
		if err != nil {
			err = fmt.Errorf("fulfilling %d-byte allocation (tag 0x%x): %w", req.size, uint32(req.tag), err)
			p.logger.Error("deferred allocation failed", "size", req.size, "tag", req.tag, "err", err)
		}

		req.slot.fulfill(buf, err)
		drained++
	}
}
