// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

// Package notify binds user-mode completion mechanisms to kernel-originated
// event streams. Two delivery kinds exist: a held request the driver answers
// only when an event occurs, and a reusable signal object pulsed per event
// with the payload carried out of band.
package notify

import (
	"log/slog"
	"sync"

	"github.com/lujiawen/HyperDbg/pkg/devio"
)

// Completer completes a held control request. Implementations must tolerate
// being called after the underlying transport is gone.
type Completer interface {
	Complete(status devio.Status, payload []byte) error
}

// Signaler is a reusable user-mode synchronization object. Set carries no
// payload; the operator re-queries a side channel for content.
type Signaler interface {
	Set() error
	Close() error
}

// Registry tracks the active notification bindings of the current session.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	held    Completer
	signals []Signaler
}

// New builds an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// RegisterHeld parks a request for later completion. A registration arriving
// while another is outstanding replaces it: the prior request is completed
// with StatusCancelled so neither request leaks or completes twice.
func (r *Registry) RegisterHeld(c Completer) {
	r.mu.Lock()
	prior := r.held
	r.held = c
	r.mu.Unlock()

	if prior != nil {
		r.logger.Debug("held notification replaced, cancelling prior request")

		if err := prior.Complete(devio.StatusCancelled, nil); err != nil {
			r.logger.Warn("error cancelling superseded request", "err", err)
		}
	}
}

// RegisterSignal adds a signal-object binding. The binding lives until the
// session ends; each published event pulses it once.
func (r *Registry) RegisterSignal(s Signaler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.signals = append(r.signals, s)
}

// HasHeld reports whether a held request is outstanding.
func (r *Registry) HasHeld() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.held != nil
}

// Publish delivers one event. A held request, if any, is consumed by the
// delivery and must be re-armed by the operator; signal bindings stay armed.
func (r *Registry) Publish(payload []byte) {
	r.mu.Lock()
	held := r.held
	r.held = nil
	signals := make([]Signaler, len(r.signals))
	copy(signals, r.signals)
	r.mu.Unlock()

	if held != nil {
		if err := held.Complete(devio.StatusSuccess, payload); err != nil {
			r.logger.Warn("error completing held notification", "err", err)
		}
	}

	for _, s := range signals {
		if err := s.Set(); err != nil {
			r.logger.Warn("error signalling notification object", "err", err)
		}
	}
}

// CancelAll tears the bindings down. The outstanding held request, if any,
// completes with StatusCancelled; signal objects are closed and dropped.
// This is the session's cancellation point: disconnect must never leave a
// held request pending forever.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	signals := r.signals
	r.signals = nil
	r.mu.Unlock()

	if held != nil {
		if err := held.Complete(devio.StatusCancelled, nil); err != nil {
			r.logger.Warn("error cancelling held notification", "err", err)
		}
	}

	for _, s := range signals {
		if err := s.Close(); err != nil {
			r.logger.Warn("error closing notification object", "err", err)
		}
	}
}
