// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

// Package caps checks Linux capabilities of arbitrary processes. The control
// device uses it to verify that a connecting peer holds the debug capability;
// this is a privilege check on the peer's credentials, not an identity check.
package caps

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// HasCapability reports whether the process with the given pid holds the
// capability at the given bit position in its effective set.
// https://pkg.go.dev/github.com/syndtr/gocapability/capability#pkg-constants
func HasCapability(pid int, capabilityBit int8) (bool, error) {
	path := fmt.Sprintf("/proc/%d/status", pid)

	procStatus, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("error reading %s: %w", path, err)
	}

	for _, line := range strings.Split(string(procStatus), "\n") {
		if strings.HasPrefix(line, "CapEff:") {
			parts := strings.Fields(line)
			if len(parts) < 2 {
				return false, fmt.Errorf("invalid CapEff line format")
			}
			// read as hexadecimal number (base 16).
			val, err := strconv.ParseUint(parts[1], 16, 64)
			if err != nil {
				return false, fmt.Errorf("error parsing CapEff value: %w", err)
			}
			// Create bitmask and bitwise to determine if capability is set
			if val&(1<<capabilityBit) != 0 {
				return true, nil
			}

			return false, nil
		}
	}

	return false, fmt.Errorf("capEff line not found")
}
