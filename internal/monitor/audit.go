// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package monitor

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// defaultAuditCap bounds the in-memory audit log. Oldest entries are
// dropped first.
const defaultAuditCap = 1000

// AuditEntry records one mitigation action taken (or attempted) by the
// watchdog.
type AuditEntry struct {
	ID      string
	Time    time.Time
	Action  string
	Detail  string
	Success bool
}

// AuditLog is a capped, append-only record of watchdog actions. Entries are
// kept in memory and, when a database path is configured, also persisted to
// SQLite. Persistence failures are logged and never block an action.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	cap     int

	db  *sql.DB
	log *zap.Logger
}

// NewAuditLog creates an audit log capped at defaultAuditCap entries.
// dbPath may be empty to keep the log memory-only.
func NewAuditLog(dbPath string, log *zap.Logger) *AuditLog {
	return newAuditLog(defaultAuditCap, dbPath, log)
}

func newAuditLog(capacity int, dbPath string, log *zap.Logger) *AuditLog {
	a := &AuditLog{cap: capacity, log: log}

	if dbPath != "" {
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			log.Warn("audit database unavailable, keeping in-memory log only",
				zap.String("path", dbPath), zap.Error(err))
			return a
		}
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit (
			id      TEXT PRIMARY KEY,
			ts      TEXT NOT NULL,
			action  TEXT NOT NULL,
			detail  TEXT NOT NULL,
			success INTEGER NOT NULL
		)`); err != nil {
			log.Warn("audit schema setup failed, keeping in-memory log only",
				zap.String("path", dbPath), zap.Error(err))
			db.Close()
			return a
		}
		a.db = db
	}
	return a
}

// Record appends an entry, evicting the oldest when the cap is reached.
func (a *AuditLog) Record(action, detail string, success bool) AuditEntry {
	entry := AuditEntry{
		ID:      uuid.NewString(),
		Time:    time.Now(),
		Action:  action,
		Detail:  detail,
		Success: success,
	}

	a.mu.Lock()
	a.entries = append(a.entries, entry)
	if len(a.entries) > a.cap {
		a.entries = a.entries[len(a.entries)-a.cap:]
	}
	a.mu.Unlock()

	if a.db != nil {
		if _, err := a.db.Exec(
			`INSERT INTO audit (id, ts, action, detail, success) VALUES (?, ?, ?, ?, ?)`,
			entry.ID, entry.Time.UTC().Format(time.RFC3339Nano), entry.Action, entry.Detail, entry.Success,
		); err != nil {
			a.log.Warn("audit entry not persisted", zap.Error(err))
		}
	}
	return entry
}

// Entries returns a copy of the in-memory log, oldest first.
func (a *AuditLog) Entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditEntry(nil), a.entries...)
}

// Len returns the number of in-memory entries.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Close releases the backing database, if any.
func (a *AuditLog) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
