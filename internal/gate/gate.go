// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

// Package gate owns the device's session lifecycle: the single-client
// exclusivity invariant and the bring-up and teardown ordering of the
// virtualization and debugger engines.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lujiawen/HyperDbg/internal/debugger"
	"github.com/lujiawen/HyperDbg/internal/logsink"
	"github.com/lujiawen/HyperDbg/internal/vmx"
)

// Connect failures, surfaced verbatim to the caller. None of them is fatal
// to the driver; a fresh Connect may retry after an init failure.
var (
	ErrAccessDenied     = errors.New("caller lacks debug privilege")
	ErrAlreadyConnected = errors.New("another client already holds the device")
	ErrEngineInit       = errors.New("virtualization engine failed to initialize")
	ErrDebuggerInit     = errors.New("debugger engine failed to initialize")
)

// Credential is the security context of a connecting peer. The gate checks
// privilege, never identity.
type Credential interface {
	HasDebugPrivilege() (bool, error)
}

// Gate sequences session open and close.
type Gate struct {
	logger *slog.Logger
	sink   *logsink.Sink
	engine vmx.Engine
	dbg    debugger.Engine
	guests *vmx.StateArray

	// connectMu serializes Connect attempts so that at most one of a set of
	// concurrent opens can win the exclusivity token.
	connectMu sync.Mutex

	handleInUse    atomic.Bool
	serviceEnabled atomic.Bool
}

// New builds the gate. Both flags start false: nothing is connected and no
// requests are served until a session opens.
func New(logger *slog.Logger, sink *logsink.Sink, engine vmx.Engine, dbg debugger.Engine, guests *vmx.StateArray) *Gate {
	return &Gate{
		logger: logger,
		sink:   sink,
		engine: engine,
		dbg:    dbg,
		guests: guests,
	}
}

// Connect opens a session for the given credential. The exclusivity token is
// taken only after both engines report success, so a half-initialized open
// never wedges the device. On debugger-init failure the virtualization
// engine is rolled back, keeping Connect atomic.
func (g *Gate) Connect(cred Credential) error {
	ok, err := cred.HasDebugPrivilege()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}

	if !ok {
		return ErrAccessDenied
	}

	g.connectMu.Lock()
	defer g.connectMu.Unlock()

	if g.handleInUse.Load() {
		return ErrAlreadyConnected
	}

	// Re-zero the guest state so the device supports reopening after a
	// previous disconnect.
	g.guests.Zero()

	if err := g.engine.Initialize(); err != nil {
		g.sink.Errorf("hypervisor was not loaded: %v", err)

		return fmt.Errorf("%w: %w", ErrEngineInit, err)
	}

	g.sink.Infof("hypervisor loaded successfully")

	if err := g.dbg.Initialize(); err != nil {
		g.sink.Errorf("debugger was not loaded: %v", err)
		g.engine.Terminate()

		return fmt.Errorf("%w: %w", ErrDebuggerInit, err)
	}

	g.handleInUse.Store(true)
	g.serviceEnabled.Store(true)

	return nil
}

// Disconnect releases the exclusivity token. Idempotent, and deliberately
// nothing more: releasing the handle is distinct from shutting the engine
// down, which only an explicit terminate request does.
func (g *Gate) Disconnect() {
	g.handleInUse.Store(false)
}

// Connected reports whether a session holds the device.
func (g *Gate) Connected() bool {
	return g.handleInUse.Load()
}

// ServiceEnabled reports whether control requests are still served.
func (g *Gate) ServiceEnabled() bool {
	return g.serviceEnabled.Load()
}

// DisableService stops serving requests for the rest of the session. Once
// cleared the flag is never re-set without a fresh connection cycle.
func (g *Gate) DisableService() {
	g.serviceEnabled.Store(false)
}

// TerminateEngine tears the virtualization engine down. It does not touch
// either flag; clients sequence disable and terminate separately.
func (g *Gate) TerminateEngine() {
	g.engine.Terminate()
}
