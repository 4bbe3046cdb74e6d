// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
)

// ErrRepairDisabled is returned by RepairSystem when the config does not
// allow it.
var ErrRepairDisabled = errors.New("system repair is disabled by configuration")

// ErrProcessGone reports that a kill target had already exited before the
// first signal was delivered. A miss, not a failure: the process is not
// running either way.
var ErrProcessGone = errors.New("process already exited")

// CleanFailure records one entry a sweep could not delete.
type CleanFailure struct {
	Path   string
	Reason string
}

// CleanReport summarizes one temp-folder sweep. A partial failure is not
// fatal: every path that survived is listed with its reason.
type CleanReport struct {
	// Removed holds the paths of the direct children deleted.
	Removed []string
	// Failed holds the entries that could not be deleted.
	Failed []CleanFailure
	// FreedBytes is the total size of removed regular files. Directory
	// trees count their top-level size only, so this is a lower bound.
	FreedBytes int64
}

func (r CleanReport) String() string {
	s := fmt.Sprintf("removed %d entries (%d failed, ~%d bytes freed)", len(r.Removed), len(r.Failed), r.FreedBytes)
	for _, f := range r.Failed {
		s += fmt.Sprintf("; failed %s: %s", f.Path, f.Reason)
	}
	return s
}

// CleanTempFolders deletes the direct children of each directory. The
// directories themselves are kept. Entries that cannot be removed (in use,
// permission) are reported in Failed, not fatal.
func CleanTempFolders(dirs []string) CleanReport {
	var report CleanReport
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			report.Failed = append(report.Failed, CleanFailure{Path: dir, Reason: err.Error()})
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			size := int64(0)
			if info, err := entry.Info(); err == nil && info.Mode().IsRegular() {
				size = info.Size()
			}
			if err := os.RemoveAll(path); err != nil {
				report.Failed = append(report.Failed, CleanFailure{Path: path, Reason: err.Error()})
				continue
			}
			report.Removed = append(report.Removed, path)
			report.FreedBytes += size
		}
	}
	return report
}

// FreeMemory returns as much heap as possible to the operating system and
// asks the kernel to drop reclaimable caches where supported.
func FreeMemory() {
	debug.FreeOSMemory()
	dropKernelCaches()
}
