// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jeranaias/analyzer-tui/internal/util"
)

// =============================================================================
// FILE PERSISTENCE
// =============================================================================

// SaveFile writes the log to path as a JSON array of messages.
// The write is atomic so a crash never leaves a half-written transcript.
func (h *History) SaveFile(path string) error {
	data, err := json.MarshalIndent(h.Export(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}
	return nil
}

// LoadFile replaces the log with the contents of a persisted history file.
// A missing leading system message is repaired on load; malformed JSON or an
// unknown role is a hard error (corrupt persisted state is not silently
// accepted).
func (h *History) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read history file: %w", err)
	}

	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return fmt.Errorf("malformed history file %s: %w", path, err)
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("malformed history file %s: message %d has unknown role %q", path, i, m.Role)
		}
	}

	h.Load(msgs)
	return nil
}
