// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package monitor implements the resource watchdog: it periodically samples
// CPU, memory and disk use, classifies each sample against configured
// thresholds, and depending on the autonomy level reports, suggests or
// applies mitigations. Every mitigation is recorded in a capped audit log.
package monitor

import (
	"context"
	"sort"
	"time"
)

// ProcessInfo describes one running process at sample time.
type ProcessInfo struct {
	PID    int
	Name   string
	CPUPct float64
	MemPct float64
}

// ResourceSample is one point-in-time reading of system load.
type ResourceSample struct {
	Time time.Time
	// CPUPct is overall CPU utilization, 0-100.
	CPUPct float64
	// MemPct is physical memory utilization, 0-100.
	MemPct float64
	// DiskPct is root filesystem utilization, 0-100.
	DiskPct float64
	// Processes holds the per-process readings behind the totals.
	Processes []ProcessInfo
}

// Sampler produces resource samples. The production implementation reads
// the running system; tests inject fixed readings.
type Sampler interface {
	Sample(ctx context.Context) (ResourceSample, error)
}

// topProcesses returns the n heaviest processes, ranked by combined CPU and
// memory share. The sort is stable so equal readings keep scan order.
func topProcesses(procs []ProcessInfo, n int) []ProcessInfo {
	ranked := append([]ProcessInfo(nil), procs...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CPUPct+ranked[i].MemPct > ranked[j].CPUPct+ranked[j].MemPct
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
