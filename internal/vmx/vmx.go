// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

// Package vmx defines the boundary to the virtualization engine. The
// instruction-level VMX/EPT bring-up and exit handling live behind the Engine
// interface; this package only owns the per-processor guest-state array and a
// thin host-support probe.
package vmx

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ErrVTUnsupported is returned by Initialize when the host CPU does not
// advertise VT-x or AMD-V.
var ErrVTUnsupported = errors.New("host CPU lacks VT-x/AMD-V support")

// Engine is the virtualization engine as seen by the control plane.
type Engine interface {
	// Initialize brings virtualization up on every logical processor.
	Initialize() error
	// Terminate tears virtualization down. Safe to call regardless of how
	// many processors are inside the exit-handling path.
	Terminate()
}

// stateRecordSize is the size of one per-processor state block. The layout
// belongs to the engine; the control plane never looks inside.
const stateRecordSize = 128

// StateRecord is one logical processor's virtualization state block.
type StateRecord struct {
	_ [stateRecordSize]byte
}

// StateArray holds one opaque state record per logical processor. It is
// allocated once at load, re-zeroed on every successful session open, and
// freed exactly once at unload.
type StateArray struct {
	records   []StateRecord
	zeroCount atomic.Uint64
	freed     atomic.Bool
}

// NewStateArray allocates a zeroed array sized to the given processor count.
func NewStateArray(processors int) (*StateArray, error) {
	if processors <= 0 {
		return nil, fmt.Errorf("invalid processor count %d", processors)
	}

	return &StateArray{records: make([]StateRecord, processors)}, nil
}

// Len returns the processor count the array was sized for.
func (a *StateArray) Len() int {
	return len(a.records)
}

// Zero clears every record. Called on load and again on each successful
// session open so the device can be reopened after a prior session.
func (a *StateArray) Zero() {
	clear(a.records)
	a.zeroCount.Add(1)
}

// ZeroCount returns how many times the array has been zeroed. A failed open
// must leave it unchanged; a successful reopen must bump it.
func (a *StateArray) ZeroCount() uint64 {
	return a.zeroCount.Load()
}

// Free releases the array. Only the first call does anything.
func (a *StateArray) Free() {
	if !a.freed.CompareAndSwap(false, true) {
		return
	}

	a.records = nil
}

// Freed reports whether Free ran.
func (a *StateArray) Freed() bool {
	return a.freed.Load()
}

// hostEngine is the built-in engine veneer: it verifies hardware support and
// tracks bring-up state. The exit-handling machinery plugs in below it.
type hostEngine struct {
	logger      *slog.Logger
	guests      *StateArray
	initialized atomic.Bool
}

// New returns the host virtualization engine bound to the guest-state array.
func New(logger *slog.Logger, guests *StateArray) Engine {
	return &hostEngine{
		logger: logger,
		guests: guests,
	}
}

func (e *hostEngine) Initialize() error {
	supported, err := hostSupportsVT()
	if err != nil {
		return fmt.Errorf("probing virtualization support: %w", err)
	}

	if !supported {
		return ErrVTUnsupported
	}

	e.initialized.Store(true)
	e.logger.Info("virtualization engine initialized", "processors", e.guests.Len())

	return nil
}

func (e *hostEngine) Terminate() {
	if !e.initialized.CompareAndSwap(true, false) {
		return
	}

	e.logger.Info("virtualization engine terminated")
}
