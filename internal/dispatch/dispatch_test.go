// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lujiawen/HyperDbg/internal/gate"
	"github.com/lujiawen/HyperDbg/internal/logsink"
	"github.com/lujiawen/HyperDbg/internal/notify"
	"github.com/lujiawen/HyperDbg/internal/poolmgr"
	"github.com/lujiawen/HyperDbg/internal/vmx"
	"github.com/lujiawen/HyperDbg/pkg/devio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	terminates int
}

func (f *fakeEngine) Initialize() error { return nil }
func (f *fakeEngine) Terminate()        { f.terminates++ }

type fakeDebugger struct{}

func (fakeDebugger) Initialize() error { return nil }

type allowAll struct{}

func (allowAll) HasDebugPrivilege() (bool, error) { return true, nil }

type fakeCompleter struct {
	statuses []devio.Status
	payloads [][]byte
}

func (f *fakeCompleter) Complete(status devio.Status, payload []byte) error {
	f.statuses = append(f.statuses, status)
	f.payloads = append(f.payloads, payload)

	return nil
}

type harness struct {
	dispatcher *Dispatcher
	gate       *gate.Gate
	pool       *poolmgr.Pool
	registry   *notify.Registry
	sink       *logsink.Sink
	engine     *fakeEngine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	guests, err := vmx.NewStateArray(2)
	require.NoError(t, err)

	engine := &fakeEngine{}
	registry := notify.New(testLogger())
	sink := logsink.New(testLogger(), registry, 16)
	pool := poolmgr.New(testLogger(), 8, nil)
	g := gate.New(testLogger(), sink, engine, fakeDebugger{}, guests)

	require.NoError(t, g.Connect(allowAll{}))

	return &harness{
		dispatcher: New(testLogger(), g, pool, registry, sink),
		gate:       g,
		pool:       pool,
		registry:   registry,
		sink:       sink,
		engine:     engine,
	}
}

func TestUnknownOpIsNotImplemented(t *testing.T) {
	h := newHarness(t)

	status := h.dispatcher.Dispatch(&Request{Op: devio.Op(0xdead)})
	require.Equal(t, devio.StatusNotImplemented, status)
}

func TestDrainRunsBeforeRouting(t *testing.T) {
	h := newHarness(t)

	slot := new(poolmgr.Slot)
	h.pool.Enqueue(64, poolmgr.Tag(7), slot)

	// Even a request that will be rejected services the allocation queue.
	status := h.dispatcher.Dispatch(&Request{Op: devio.Op(0xdead)})
	require.Equal(t, devio.StatusNotImplemented, status)
	require.True(t, slot.Ready())

	buf, err := slot.Result()
	require.NoError(t, err)
	require.Len(t, buf, 64)
}

func TestDrainModeAnswersEverythingWithSuccess(t *testing.T) {
	h := newHarness(t)

	status := h.dispatcher.Dispatch(&Request{Op: devio.OpDisableService})
	require.Equal(t, devio.StatusSuccess, status)
	require.False(t, h.gate.ServiceEnabled())

	// Every subsequent request no-op-succeeds, including ones with handlers.
	status = h.dispatcher.Dispatch(&Request{Op: devio.OpTerminateEngine})
	require.Equal(t, devio.StatusSuccess, status)
	require.Equal(t, 0, h.engine.terminates)

	status = h.dispatcher.Dispatch(&Request{Op: devio.Op(0xdead)})
	require.Equal(t, devio.StatusSuccess, status)

	// Drain mode also stops servicing the allocation queue via dispatch.
	slot := new(poolmgr.Slot)
	h.pool.Enqueue(8, poolmgr.Tag(1), slot)
	h.dispatcher.Dispatch(&Request{Op: devio.Op(0xdead)})
	require.False(t, slot.Ready())
}

func TestDisableServiceEmitsOneImmediateRecord(t *testing.T) {
	h := newHarness(t)

	// Connect already buffered its bring-up records; drain them so the
	// assertion below sees only what this dispatch adds.
	h.sink.ReadBuffered()

	c := &fakeCompleter{}
	h.registry.RegisterHeld(c)

	status := h.dispatcher.Dispatch(&Request{Op: devio.OpDisableService})
	require.Equal(t, devio.StatusSuccess, status)

	require.Len(t, c.statuses, 1)
	require.Equal(t, devio.StatusSuccess, c.statuses[0])

	rec, err := logsink.DecodeRecord(c.payloads[0])
	require.NoError(t, err)
	require.Contains(t, rec.Message, "no longer serving")

	// The announcement skipped the side-channel buffer.
	require.Empty(t, h.sink.ReadBuffered())
}

func TestTerminateEngineRoutesToTheEngine(t *testing.T) {
	h := newHarness(t)

	status := h.dispatcher.Dispatch(&Request{Op: devio.OpTerminateEngine})
	require.Equal(t, devio.StatusSuccess, status)
	require.Equal(t, 1, h.engine.terminates)
	require.True(t, h.gate.ServiceEnabled())
}

func TestRegisterNotificationValidatesPayload(t *testing.T) {
	h := newHarness(t)

	// Undersized buffer.
	status := h.dispatcher.Dispatch(&Request{
		Op:      devio.OpRegisterNotification,
		Payload: []byte{1, 2, 3, 4},
	})
	require.Equal(t, devio.StatusInvalidParameter, status)
	require.False(t, h.registry.HasHeld())

	// Unknown kind discriminator.
	status = h.dispatcher.Dispatch(&Request{
		Op:      devio.OpRegisterNotification,
		Payload: devio.EncodeNotifyRegistration(devio.NotifyKind(99)),
	})
	require.Equal(t, devio.StatusInvalidParameter, status)

	// Signal kind without a signal object attached.
	status = h.dispatcher.Dispatch(&Request{
		Op:      devio.OpRegisterNotification,
		Payload: devio.EncodeNotifyRegistration(devio.NotifySignalObject),
	})
	require.Equal(t, devio.StatusInvalidParameter, status)
}

func TestRegisterHeldNotificationPends(t *testing.T) {
	h := newHarness(t)

	c := &fakeCompleter{}
	status := h.dispatcher.Dispatch(&Request{
		Op:        devio.OpRegisterNotification,
		Payload:   devio.EncodeNotifyRegistration(devio.NotifyHeldRequest),
		Completer: c,
	})

	require.Equal(t, devio.StatusPending, status)
	require.True(t, h.registry.HasHeld())
	require.Empty(t, c.statuses)

	h.sink.Infof("single step trap")

	require.Len(t, c.statuses, 1)
	require.Equal(t, devio.StatusSuccess, c.statuses[0])
}

func TestRegisterHeldWithoutCompleterIsInvalid(t *testing.T) {
	h := newHarness(t)

	status := h.dispatcher.Dispatch(&Request{
		Op:      devio.OpRegisterNotification,
		Payload: devio.EncodeNotifyRegistration(devio.NotifyHeldRequest),
	})
	require.Equal(t, devio.StatusInvalidParameter, status)
}
