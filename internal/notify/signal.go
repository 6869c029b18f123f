// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EventFD is a Signaler backed by a Linux eventfd the operator handed to the
// driver over the control socket.
type EventFD struct {
	fd     int
	closed atomic.Bool
}

// NewEventFD wraps a received eventfd descriptor. The registry takes
// ownership and closes it when the session ends.
func NewEventFD(fd int) *EventFD {
	return &EventFD{fd: fd}
}

// Set pulses the eventfd by adding one to its counter.
func (e *EventFD) Set() error {
	if e.closed.Load() {
		return fmt.Errorf("signal object already closed")
	}

	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], 1)

	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return fmt.Errorf("signalling eventfd %d: %w", e.fd, err)
	}

	return nil
}

// Close releases the descriptor. Only the first call does anything.
func (e *EventFD) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	return unix.Close(e.fd)
}
