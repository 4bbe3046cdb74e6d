// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build linux

package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// procSampler reads the running system through /proc and statfs. CPU
// percentages are deltas against the previous sample, so the first reading
// after startup reports zero CPU.
type procSampler struct {
	prevTotal uint64
	prevIdle  uint64
	// prevProc maps pid to its utime+stime jiffies at the last sample.
	prevProc map[int]uint64
}

// NewSystemSampler returns a sampler reading the local system.
func NewSystemSampler() Sampler {
	return &procSampler{prevProc: make(map[int]uint64)}
}

func (s *procSampler) Sample(ctx context.Context) (ResourceSample, error) {
	if err := ctx.Err(); err != nil {
		return ResourceSample{}, err
	}

	sample := ResourceSample{Time: time.Now()}

	total, idle, err := readCPUStat()
	if err != nil {
		return ResourceSample{}, err
	}
	totalDelta := total - s.prevTotal
	idleDelta := idle - s.prevIdle
	if s.prevTotal > 0 && totalDelta > 0 {
		sample.CPUPct = 100 * float64(totalDelta-idleDelta) / float64(totalDelta)
	}

	memTotalKB, memPct, err := readMemInfo()
	if err != nil {
		return ResourceSample{}, err
	}
	sample.MemPct = memPct

	diskPct, err := readDiskUsage("/")
	if err != nil {
		return ResourceSample{}, err
	}
	sample.DiskPct = diskPct

	sample.Processes, s.prevProc = s.scanProcesses(totalDelta, memTotalKB)

	s.prevTotal = total
	s.prevIdle = idle
	return sample, nil
}

// readCPUStat returns total and idle jiffies from the aggregate cpu line.
func readCPUStat() (total, idle uint64, err error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		for i, f := range fields {
			v, perr := strconv.ParseUint(f, 10, 64)
			if perr != nil {
				continue
			}
			total += v
			// idle + iowait
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return total, idle, nil
	}
	return 0, 0, fmt.Errorf("no cpu line in /proc/stat")
}

// readMemInfo returns total memory in KB and the used percentage, computed
// from MemAvailable the way free(1) does.
func readMemInfo() (totalKB uint64, usedPct float64, err error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}

	var availKB uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	if totalKB == 0 {
		return 0, 0, fmt.Errorf("MemTotal missing from /proc/meminfo")
	}
	usedPct = 100 * float64(totalKB-availKB) / float64(totalKB)
	return totalKB, usedPct, nil
}

// readDiskUsage returns the used percentage of the filesystem holding path,
// counting reserved blocks as used the way df(1) does.
func readDiskUsage(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	used := st.Blocks - st.Bfree
	avail := used + st.Bavail
	if avail == 0 {
		return 0, nil
	}
	return 100 * float64(used) / float64(avail), nil
}

// scanProcesses walks /proc and computes per-process CPU and memory shares.
// Processes that vanish mid-scan are skipped.
func (s *procSampler) scanProcesses(totalDelta, memTotalKB uint64) ([]ProcessInfo, map[int]uint64) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, s.prevProc
	}

	pageKB := uint64(os.Getpagesize() / 1024)
	procs := make([]ProcessInfo, 0, len(entries))
	next := make(map[int]uint64, len(entries))

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		jiffies, ok := readProcJiffies(pid)
		if !ok {
			continue
		}
		next[pid] = jiffies

		info := ProcessInfo{PID: pid, Name: readProcName(pid)}
		if prev, seen := s.prevProc[pid]; seen && totalDelta > 0 && jiffies >= prev {
			info.CPUPct = 100 * float64(jiffies-prev) / float64(totalDelta)
		}
		if residentKB, ok := readProcResidentKB(pid, pageKB); ok && memTotalKB > 0 {
			info.MemPct = 100 * float64(residentKB) / float64(memTotalKB)
		}
		procs = append(procs, info)
	}
	return procs, next
}

// readProcJiffies returns utime+stime for a pid from /proc/<pid>/stat.
func readProcJiffies(pid int) (uint64, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	// The comm field is parenthesized and may contain spaces; fields are
	// counted from after the closing paren. utime and stime are fields 14
	// and 15 of the full line, i.e. indexes 11 and 12 past the paren.
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 {
		return 0, false
	}
	fields := strings.Fields(string(data)[idx+1:])
	if len(fields) < 13 {
		return 0, false
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}

// readProcName returns the short command name for a pid.
func readProcName(pid int) string {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "comm"))
	if err != nil {
		return "?"
	}
	return strings.TrimSpace(string(data))
}

// readProcResidentKB returns the resident set size in KB from /proc/<pid>/statm.
func readProcResidentKB(pid int, pageKB uint64) (uint64, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "statm"))
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * pageKB, true
}
