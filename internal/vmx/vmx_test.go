// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package vmx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStateArraySizesToProcessorCount(t *testing.T) {
	a, err := NewStateArray(8)
	require.NoError(t, err)
	require.Equal(t, 8, a.Len())
	require.Equal(t, uint64(0), a.ZeroCount())
}

func TestNewStateArrayRejectsBadCount(t *testing.T) {
	_, err := NewStateArray(0)
	require.Error(t, err)

	_, err = NewStateArray(-1)
	require.Error(t, err)
}

func TestZeroCountTracksEachZeroing(t *testing.T) {
	a, err := NewStateArray(2)
	require.NoError(t, err)

	a.Zero()
	a.Zero()
	require.Equal(t, uint64(2), a.ZeroCount())
}

func TestFreeRunsExactlyOnce(t *testing.T) {
	a, err := NewStateArray(2)
	require.NoError(t, err)

	require.False(t, a.Freed())

	a.Free()
	require.True(t, a.Freed())

	// The second call is a no-op, not a fault.
	a.Free()
	require.True(t, a.Freed())
}
