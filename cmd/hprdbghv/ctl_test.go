// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lujiawen/HyperDbg/internal/driver"
	"github.com/lujiawen/HyperDbg/pkg/devio"
)

type nopEngine struct{}

func (nopEngine) Initialize() error { return nil }
func (nopEngine) Terminate()        {}

func TestWatchHeldStopsOnceServiceIsDisabled(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	socket := filepath.Join(t.TempDir(), "ctl.sock")

	d, err := driver.Load(logger, driver.Config{
		SocketPath:         socket,
		SkipPrivilegeCheck: true,
		Engine:             nopEngine{},
	})
	require.NoError(t, err)

	go d.Serve() //nolint:errcheck

	t.Cleanup(d.Unload)

	client, err := devio.Dial(socket)
	require.NoError(t, err)

	defer client.Close() //nolint:errcheck

	status, _, err := client.Request(devio.OpDisableService, nil)
	require.NoError(t, err)
	require.Equal(t, devio.StatusSuccess, status)

	// In drain mode a registration completes immediately with an empty
	// success; the watcher must treat that as end-of-channel, not re-arm.
	done := make(chan error, 1)

	go func() {
		done <- watchHeld(client)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watchHeld kept re-arming after service was disabled")
	}
}
