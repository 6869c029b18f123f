// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

// Package debugger hosts the command-execution engine the control plane
// brings up after the virtualization engine. Command semantics are out of
// scope here; this package owns the engine's lifecycle and the event-capture
// slots its exit-path code fills through the allocation proxy.
package debugger

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lujiawen/HyperDbg/internal/logsink"
	"github.com/lujiawen/HyperDbg/internal/poolmgr"
)

// ErrNotInitialized is returned when the engine is used before Initialize.
var ErrNotInitialized = errors.New("debugger engine not initialized")

// ErrNoCaptureSlot is returned when every preallocated capture slot is busy.
var ErrNoCaptureSlot = errors.New("no free capture slot")

// captureSlots is how many in-flight event captures the engine supports.
// Slots are preallocated at Initialize because the exit path cannot allocate.
const captureSlots = 32

// tagEventCapture marks allocations requested for guest event buffers.
const tagEventCapture poolmgr.Tag = 0x45564e54

// Engine is the debugger command engine as seen by the lifecycle gate.
type Engine interface {
	Initialize() error
}

type capture struct {
	slot *poolmgr.Slot
	busy bool
}

// CommandEngine implements Engine.
type CommandEngine struct {
	logger      *slog.Logger
	sink        *logsink.Sink
	pool        *poolmgr.Pool
	initialized atomic.Bool

	mu       sync.Mutex
	captures []capture
}

// New builds the command engine. Initialize must run before any event is
// captured.
func New(logger *slog.Logger, sink *logsink.Sink, pool *poolmgr.Pool) *CommandEngine {
	return &CommandEngine{
		logger: logger,
		sink:   sink,
		pool:   pool,
	}
}

// Initialize prepares the engine: the capture slot arena is allocated here,
// in the unrestricted context, so the exit path never has to.
func (e *CommandEngine) Initialize() error {
	e.mu.Lock()
	e.captures = make([]capture, captureSlots)

	for i := range e.captures {
		e.captures[i].slot = new(poolmgr.Slot)
	}
	e.mu.Unlock()

	e.initialized.Store(true)
	e.sink.Infof("debugger engine loaded")

	return nil
}

// CaptureGuestEvent requests a buffer for a guest event of the given size.
// Invoked from the engine's exit-handling path: the buffer cannot be
// allocated here, so the request goes through the allocation proxy and the
// returned slot becomes ready after the dispatcher's next drain.
func (e *CommandEngine) CaptureGuestEvent(size int) (*poolmgr.Slot, error) {
	if !e.initialized.Load() {
		return nil, ErrNotInitialized
	}

	e.mu.Lock()

	var slot *poolmgr.Slot

	for i := range e.captures {
		if !e.captures[i].busy {
			e.captures[i].busy = true
			slot = e.captures[i].slot

			break
		}
	}
	e.mu.Unlock()

	if slot == nil {
		return nil, ErrNoCaptureSlot
	}

	e.pool.Enqueue(size, tagEventCapture, slot)

	return slot, nil
}

// ReleaseCapture returns a capture slot to the arena once its buffer has
// been consumed.
func (e *CommandEngine) ReleaseCapture(slot *poolmgr.Slot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.captures {
		if e.captures[i].slot == slot {
			e.captures[i].busy = false
			e.captures[i].slot = new(poolmgr.Slot)

			return
		}
	}
}
