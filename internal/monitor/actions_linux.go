// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build linux

package monitor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

// termGrace is how long a process gets to exit after SIGTERM before the
// escalation to SIGKILL.
const termGrace = 3 * time.Second

// KillProcess terminates a process: SIGTERM first, then SIGKILL if it is
// still alive after the grace period. A pid that is already gone at the
// first signal is reported as ErrProcessGone so the caller can audit the
// miss without treating it as a failure.
func KillProcess(pid int) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(termGrace)
	for time.Now().Before(deadline) {
		// Signal 0 probes for existence without delivering anything.
		if err := unix.Kill(pid, 0); err == unix.ESRCH {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

// dropKernelCaches asks the kernel to release page cache, dentries and
// inodes. Needs root; failure is silent because the heap release in
// FreeMemory already happened.
func dropKernelCaches() {
	_ = os.WriteFile("/proc/sys/vm/drop_caches", []byte("3"), 0200)
}

// RepairSystem runs the distribution's dependency repair. It is the most
// invasive mitigation and stays behind an explicit config switch.
func RepairSystem(ctx context.Context, allowed bool) error {
	if !allowed {
		return ErrRepairDisabled
	}

	cmd := exec.CommandContext(ctx, "apt-get", "install", "-f", "-y")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("apt-get install -f: %w: %s", err, out)
	}
	return nil
}
