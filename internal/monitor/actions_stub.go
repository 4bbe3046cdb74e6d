// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !linux

package monitor

import (
	"context"
	"fmt"
)

// KillProcess terminates a process. Not implemented on this platform.
func KillProcess(pid int) error {
	return fmt.Errorf("kill pid %d: %w", pid, ErrUnsupportedPlatform)
}

func dropKernelCaches() {}

// RepairSystem runs the distribution's dependency repair. Not implemented
// on this platform.
func RepairSystem(ctx context.Context, allowed bool) error {
	if !allowed {
		return ErrRepairDisabled
	}
	return ErrUnsupportedPlatform
}
