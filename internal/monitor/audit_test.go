// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package monitor

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestAuditLog_CapEvictsOldest(t *testing.T) {
	audit := newAuditLog(3, "", zap.NewNop())
	defer audit.Close()

	for i := 0; i < 5; i++ {
		audit.Record("kill_process", fmt.Sprintf("entry %d", i), true)
	}

	entries := audit.Entries()
	if len(entries) != 3 {
		t.Fatalf("len = %d, want cap 3", len(entries))
	}
	if entries[0].Detail != "entry 2" || entries[2].Detail != "entry 4" {
		t.Errorf("wrong entries survived: %+v", entries)
	}
}

func TestAuditLog_EntriesAreCopies(t *testing.T) {
	audit := newAuditLog(10, "", zap.NewNop())
	defer audit.Close()

	audit.Record("clean_temp", "sweep", true)
	first := audit.Entries()
	first[0].Detail = "mutated"

	if audit.Entries()[0].Detail != "sweep" {
		t.Error("Entries exposed internal storage")
	}
}

func TestAuditLog_UniqueIDs(t *testing.T) {
	audit := newAuditLog(10, "", zap.NewNop())
	defer audit.Close()

	a := audit.Record("free_memory", "", true)
	b := audit.Record("free_memory", "", true)
	if a.ID == b.ID || a.ID == "" {
		t.Errorf("entry IDs not unique: %q %q", a.ID, b.ID)
	}
}

func TestAuditLog_SQLitePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	audit := newAuditLog(10, path, zap.NewNop())
	audit.Record("kill_process", "pid 42", true)
	audit.Record("clean_temp", "swept", false)
	if err := audit.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("persisted %d rows, want 2", count)
	}

	var success bool
	if err := db.QueryRow(`SELECT success FROM audit WHERE action = 'clean_temp'`).Scan(&success); err != nil {
		t.Fatalf("select: %v", err)
	}
	if success {
		t.Error("failed action persisted as success")
	}
}

func TestAuditLog_BadDBPathFallsBackToMemory(t *testing.T) {
	// A directory path cannot be opened as a database file; the log must
	// still work in memory.
	audit := newAuditLog(10, t.TempDir(), zap.NewNop())
	defer audit.Close()

	audit.Record("repair_system", "attempt", false)
	if audit.Len() != 1 {
		t.Errorf("in-memory log broken when db unavailable: len=%d", audit.Len())
	}
}
