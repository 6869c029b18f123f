// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package poolmgr

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDrainFulfillsInArrivalOrder(t *testing.T) {
	var order []int

	p := New(testLogger(), 16, func(size int) ([]byte, error) {
		order = append(order, size)

		return make([]byte, size), nil
	})

	slots := make([]*Slot, 5)
	for i := range slots {
		slots[i] = new(Slot)
		p.Enqueue(i+1, Tag(0x100), slots[i])
	}

	require.Equal(t, 5, p.Pending())
	require.Equal(t, 5, p.DrainAndFulfill())
	require.Equal(t, []int{1, 2, 3, 4, 5}, order)

	for i, slot := range slots {
		require.True(t, slot.Ready())

		buf, err := slot.Result()
		require.NoError(t, err)
		require.Len(t, buf, i+1)
	}
}

func TestDrainTwiceDoesNoExtraWork(t *testing.T) {
	calls := 0

	p := New(testLogger(), 4, func(size int) ([]byte, error) {
		calls++

		return make([]byte, size), nil
	})

	slot := new(Slot)
	p.Enqueue(64, Tag(1), slot)

	require.Equal(t, 1, p.DrainAndFulfill())
	require.Equal(t, 0, p.DrainAndFulfill())
	require.Equal(t, 1, calls)
}

func TestEnqueueBeyondCapacityFailsTheSlot(t *testing.T) {
	p := New(testLogger(), 2, nil)

	for i := 0; i < 2; i++ {
		p.Enqueue(8, Tag(1), new(Slot))
	}

	overflow := new(Slot)
	p.Enqueue(8, Tag(1), overflow)

	require.True(t, overflow.Ready())

	_, err := overflow.Result()
	require.ErrorIs(t, err, ErrQueueFull)

	// The queued entries are unaffected by the overflow.
	require.Equal(t, 2, p.DrainAndFulfill())
}

func TestAllocatorFailureIsReportedNotRetried(t *testing.T) {
	boom := errors.New("out of memory")
	calls := 0

	p := New(testLogger(), 4, func(int) ([]byte, error) {
		calls++

		return nil, boom
	})

	slot := new(Slot)
	p.Enqueue(128, Tag(2), slot)

	require.Equal(t, 1, p.DrainAndFulfill())
	require.True(t, slot.Ready())

	_, err := slot.Result()
	require.ErrorIs(t, err, boom)

	// No automatic retry: a second drain finds nothing to do.
	require.Equal(t, 0, p.DrainAndFulfill())
	require.Equal(t, 1, calls)
}

func TestResultBeforeFulfillment(t *testing.T) {
	p := New(testLogger(), 4, nil)

	slot := new(Slot)
	p.Enqueue(8, Tag(3), slot)

	require.False(t, slot.Ready())

	_, err := slot.Result()
	require.ErrorIs(t, err, ErrNotFulfilled)
}
