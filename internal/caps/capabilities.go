// SPDX-FileCopyrightText: Copyright (c) 2026 the HyperDbg authors
// SPDX-License-Identifier: Apache-2.0

package caps

// see https://github.com/torvalds/linux/blob/v6.14/include/uapi/linux/capability.h
const (
	CapSysPtrace = 19 // CAP_SYS_PTRACE, the debug capability required to open the device
	CapSysAdmin  = 21 // CAP_SYS_ADMIN
)
