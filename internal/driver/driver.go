// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

// Package driver is the shell that ties the control plane together: it owns
// the process-wide state (guest-state array, session gate), registers the
// device entry points on a Unix socket, and sequences load and unload.
package driver

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/lujiawen/HyperDbg/internal/debugger"
	"github.com/lujiawen/HyperDbg/internal/dispatch"
	"github.com/lujiawen/HyperDbg/internal/gate"
	"github.com/lujiawen/HyperDbg/internal/logsink"
	"github.com/lujiawen/HyperDbg/internal/notify"
	"github.com/lujiawen/HyperDbg/internal/poolmgr"
	"github.com/lujiawen/HyperDbg/internal/vmx"
)

const (
	defaultAllocationQueueDepth = 64
	defaultLogBufferDepth       = 256
)

// Config carries the shell's load-time settings.
type Config struct {
	// SocketPath is where the control device listens.
	SocketPath string

	// SkipPrivilegeCheck admits peers without the debug capability. It
	// mirrors the detection escape hatch used for development setups.
	SkipPrivilegeCheck bool

	// AllocationQueueDepth bounds the allocation proxy's request ring.
	AllocationQueueDepth int

	// LogBufferDepth bounds the relay's side-channel buffer.
	LogBufferDepth int

	// Engine overrides the built-in virtualization engine when set.
	Engine vmx.Engine
}

// Driver is a loaded instance of the control plane.
type Driver struct {
	logger *slog.Logger
	cfg    Config

	guests     *vmx.StateArray
	engine     vmx.Engine
	dbg        *debugger.CommandEngine
	pool       *poolmgr.Pool
	registry   *notify.Registry
	sink       *logsink.Sink
	gate       *gate.Gate
	dispatcher *dispatch.Dispatcher

	listener *net.UnixListener
	connsMu  sync.Mutex
	conns    map[*net.UnixConn]struct{}
	wg       sync.WaitGroup
	unloaded atomic.Bool
}

// Load brings the driver up: it sizes and zeroes the guest-state array from
// the processor count observed now, builds the control-plane components and
// binds the control socket. Failure to allocate the guest-state array is the
// one condition that aborts loading entirely.
func Load(logger *slog.Logger, cfg Config) (*Driver, error) {
	if cfg.AllocationQueueDepth <= 0 {
		cfg.AllocationQueueDepth = defaultAllocationQueueDepth
	}

	if cfg.LogBufferDepth <= 0 {
		cfg.LogBufferDepth = defaultLogBufferDepth
	}

	processors := runtime.NumCPU()

	guests, err := vmx.NewStateArray(processors)
	if err != nil {
		return nil, fmt.Errorf("allocating guest-state array: %w", err)
	}

	guests.Zero()

	registry := notify.New(logger.With("module", "notify"))
	sink := logsink.New(logger.With("module", "logsink"), registry, cfg.LogBufferDepth)
	pool := poolmgr.New(logger.With("module", "poolmgr"), cfg.AllocationQueueDepth, nil)

	engine := cfg.Engine
	if engine == nil {
		engine = vmx.New(logger.With("module", "vmx"), guests)
	}

	dbg := debugger.New(logger.With("module", "debugger"), sink, pool)
	g := gate.New(logger.With("module", "gate"), sink, engine, dbg, guests)
	dispatcher := dispatch.New(logger.With("module", "dispatch"), g, pool, registry, sink)

	// Replace any stale socket from a previous run.
	os.Remove(cfg.SocketPath) //nolint:errcheck

	laddr := &net.UnixAddr{Name: cfg.SocketPath, Net: "unix"}

	listener, err := net.ListenUnix("unix", laddr)
	if err != nil {
		guests.Free()

		return nil, fmt.Errorf("binding control socket %s: %w", cfg.SocketPath, err)
	}

	d := &Driver{
		logger:     logger,
		cfg:        cfg,
		guests:     guests,
		engine:     engine,
		dbg:        dbg,
		pool:       pool,
		registry:   registry,
		sink:       sink,
		gate:       g,
		dispatcher: dispatcher,
		listener:   listener,
		conns:      make(map[*net.UnixConn]struct{}),
	}

	sink.Infof("driver loaded, %d logical processors", processors)

	return d, nil
}

// Gate exposes the lifecycle gate, mainly so callers can observe session
// state during shutdown.
func (d *Driver) Gate() *gate.Gate {
	return d.gate
}

// Debugger exposes the command engine.
func (d *Driver) Debugger() *debugger.CommandEngine {
	return d.dbg
}

// Notifications exposes the notification registry.
func (d *Driver) Notifications() *notify.Registry {
	return d.registry
}

// Sink exposes the log relay.
func (d *Driver) Sink() *logsink.Sink {
	return d.sink
}

// Unload tears the driver down: stops accepting, cancels outstanding
// notifications, drops any session and frees the guest-state array exactly
// once. Safe to call regardless of how many requests are outstanding.
func (d *Driver) Unload() {
	if !d.unloaded.CompareAndSwap(false, true) {
		return
	}

	d.listener.Close() //nolint:errcheck

	// Cancel before closing connections so a parked held request is answered
	// with a cancellation status instead of a torn transport.
	d.registry.CancelAll()

	d.connsMu.Lock()

	for conn := range d.conns {
		conn.Close() //nolint:errcheck
	}
	d.connsMu.Unlock()

	d.wg.Wait()

	d.gate.Disconnect()
	d.guests.Free()

	os.Remove(d.cfg.SocketPath) //nolint:errcheck

	d.logger.Info("driver unloaded")
}
