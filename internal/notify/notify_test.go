// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lujiawen/HyperDbg/pkg/devio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCompleter struct {
	completions []completion
}

type completion struct {
	status  devio.Status
	payload []byte
}

func (f *fakeCompleter) Complete(status devio.Status, payload []byte) error {
	f.completions = append(f.completions, completion{status: status, payload: payload})

	return nil
}

type fakeSignal struct {
	sets   int
	closed bool
}

func (f *fakeSignal) Set() error {
	f.sets++

	return nil
}

func (f *fakeSignal) Close() error {
	f.closed = true

	return nil
}

func TestHeldRequestCompletesOncePerEvent(t *testing.T) {
	r := New(testLogger())
	c := &fakeCompleter{}

	r.RegisterHeld(c)
	require.True(t, r.HasHeld())

	r.Publish([]byte("breakpoint"))

	require.Len(t, c.completions, 1)
	require.Equal(t, devio.StatusSuccess, c.completions[0].status)
	require.Equal(t, []byte("breakpoint"), c.completions[0].payload)

	// The delivery consumed the binding; a second event completes nothing.
	require.False(t, r.HasHeld())
	r.Publish([]byte("another"))
	require.Len(t, c.completions, 1)
}

func TestHeldRegistrationReplacesAndCancelsPrior(t *testing.T) {
	r := New(testLogger())
	first := &fakeCompleter{}
	second := &fakeCompleter{}

	r.RegisterHeld(first)
	r.RegisterHeld(second)

	require.Len(t, first.completions, 1)
	require.Equal(t, devio.StatusCancelled, first.completions[0].status)

	r.Publish([]byte("event"))

	require.Len(t, first.completions, 1)
	require.Len(t, second.completions, 1)
	require.Equal(t, devio.StatusSuccess, second.completions[0].status)
}

func TestSignalBindingsStayArmed(t *testing.T) {
	r := New(testLogger())
	s := &fakeSignal{}

	r.RegisterSignal(s)

	r.Publish([]byte("one"))
	r.Publish([]byte("two"))

	require.Equal(t, 2, s.sets)
	require.False(t, s.closed)
}

func TestCancelAllCancelsHeldAndClosesSignals(t *testing.T) {
	r := New(testLogger())
	c := &fakeCompleter{}
	s := &fakeSignal{}

	r.RegisterHeld(c)
	r.RegisterSignal(s)

	r.CancelAll()

	require.Len(t, c.completions, 1)
	require.Equal(t, devio.StatusCancelled, c.completions[0].status)
	require.True(t, s.closed)

	// Idempotent: a second teardown completes nothing twice.
	r.CancelAll()
	require.Len(t, c.completions, 1)

	// Events after teardown go nowhere.
	r.Publish([]byte("late"))
	require.Len(t, c.completions, 1)
	require.Equal(t, 0, s.sets)
}
