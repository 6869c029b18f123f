// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch is the single funnel for post-connect control requests.
// It consults the service-enabled flag, drains the allocation proxy, then
// routes by operation code to exactly one registered handler.
package dispatch

import (
	"log/slog"

	"github.com/lujiawen/HyperDbg/internal/gate"
	"github.com/lujiawen/HyperDbg/internal/logsink"
	"github.com/lujiawen/HyperDbg/internal/notify"
	"github.com/lujiawen/HyperDbg/internal/poolmgr"
	"github.com/lujiawen/HyperDbg/pkg/devio"
)

// Request is one decoded control frame plus its completion context.
type Request struct {
	Op      devio.Op
	Payload []byte

	// Completer answers the request later when the handler returns
	// StatusPending. Nil on transports that cannot hold a request open.
	Completer notify.Completer

	// Files are descriptors the client attached to the frame (SCM_RIGHTS).
	// The dispatcher owns them until a handler takes one.
	Files []int
}

// Handler services one operation code.
type Handler func(req *Request) devio.Status

// Dispatcher routes control requests.
type Dispatcher struct {
	logger   *slog.Logger
	gate     *gate.Gate
	pool     *poolmgr.Pool
	notify   *notify.Registry
	sink     *logsink.Sink
	registry map[devio.Op]Handler
}

// New builds a dispatcher with the built-in operations registered.
func New(logger *slog.Logger, g *gate.Gate, pool *poolmgr.Pool, reg *notify.Registry, sink *logsink.Sink) *Dispatcher {
	d := &Dispatcher{
		logger:   logger,
		gate:     g,
		pool:     pool,
		notify:   reg,
		sink:     sink,
		registry: make(map[devio.Op]Handler),
	}

	d.RegisterHandler(devio.OpRegisterNotification, d.handleRegisterNotification)
	d.RegisterHandler(devio.OpDisableService, d.handleDisableService)
	d.RegisterHandler(devio.OpTerminateEngine, d.handleTerminateEngine)

	return d
}

// RegisterHandler binds a handler to an operation code.
func (d *Dispatcher) RegisterHandler(op devio.Op, h Handler) {
	d.logger.Debug("registering control handler", "op", op)
	d.registry[op] = h
}

// Dispatch services one request and returns its status. StatusPending means
// the request stays outstanding and its Completer answers it later; every
// other status completes the request immediately with no payload.
func (d *Dispatcher) Dispatch(req *Request) devio.Status {
	if !d.gate.ServiceEnabled() {
		// Drain mode: the session is winding down, so requests complete
		// cheaply as successes instead of surfacing spurious errors.
		return devio.StatusSuccess
	}

	// Every dispatch entry runs in the unrestricted context, which makes it
	// a safe point to perform allocations deferred by the exit path. This
	// runs before routing so even a rejected request services the queue.
	if n := d.pool.DrainAndFulfill(); n > 0 {
		d.logger.Debug("fulfilled deferred allocations", "count", n)
	}

	l := d.logger.With("op", req.Op)

	handler, ok := d.registry[req.Op]
	if !ok {
		l.Warn("unknown control operation")

		return devio.StatusNotImplemented
	}

	status := handler(req)
	l.Debug("dispatched", "status", status)

	return status
}

func (d *Dispatcher) handleRegisterNotification(req *Request) devio.Status {
	reg, err := devio.DecodeNotifyRegistration(req.Payload)
	if err != nil {
		d.logger.Warn("invalid notification registration", "err", err)

		return devio.StatusInvalidParameter
	}

	switch devio.NotifyKind(reg.Kind) {
	case devio.NotifyHeldRequest:
		if req.Completer == nil {
			return devio.StatusInvalidParameter
		}

		d.notify.RegisterHeld(req.Completer)

		return devio.StatusPending

	case devio.NotifySignalObject:
		if len(req.Files) == 0 {
			d.logger.Warn("signal registration without a signal object")

			return devio.StatusInvalidParameter
		}

		fd := req.Files[0]
		req.Files = req.Files[1:]
		d.notify.RegisterSignal(notify.NewEventFD(fd))

		return devio.StatusSuccess

	default:
		d.logger.Warn("unknown notification kind", "kind", reg.Kind)

		return devio.StatusInvalidParameter
	}
}

func (d *Dispatcher) handleDisableService(*Request) devio.Status {
	d.gate.DisableService()

	// Announced on the immediate path: after this record no further
	// requests reach a handler for the rest of the session.
	d.sink.InfoImmediatef("no longer serving control requests from user-mode")

	return devio.StatusSuccess
}

func (d *Dispatcher) handleTerminateEngine(*Request) devio.Status {
	d.gate.TerminateEngine()

	return devio.StatusSuccess
}
