// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package vmx

import (
	"fmt"
	"os"
	"strings"
)

// hostSupportsVT reports whether the host CPU advertises the vmx (Intel) or
// svm (AMD) feature flag.
func hostSupportsVT() (bool, error) {
	cpuinfo, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return false, fmt.Errorf("error reading /proc/cpuinfo: %w", err)
	}

	for _, line := range strings.Split(string(cpuinfo), "\n") {
		if !strings.HasPrefix(line, "flags") {
			continue
		}

		_, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		for _, flag := range strings.Fields(value) {
			if flag == "vmx" || flag == "svm" {
				return true, nil
			}
		}

		return false, nil
	}

	return false, fmt.Errorf("no CPU flags line found")
}
