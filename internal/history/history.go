// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history maintains the bounded, role-tagged conversation log that
// forms the model context.
package history

import "sync"

// =============================================================================
// ROLE AND MESSAGE TYPES
// =============================================================================

// Role identifies the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single entry in the conversation log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// HISTORY
// =============================================================================

// History is an ordered message log with a capacity bound and a pinned
// system message at position 0.
//
// Invariants:
//   - the first element is always exactly one system message, never evicted
//   - len(messages) <= capacity + 1
//
// All mutations are serialized behind a mutex: an in-flight generation and
// a settings-apply action can race on the same History.
type History struct {
	mu           sync.Mutex
	capacity     int
	systemPrompt string
	messages     []Message
}

// New creates a History seeded with a single system message.
// capacity bounds the number of non-system messages retained.
func New(systemPrompt string, capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		capacity:     capacity,
		systemPrompt: systemPrompt,
		messages:     []Message{{Role: RoleSystem, Content: systemPrompt}},
	}
}

// PushUser appends a user message, truncating from the oldest end if needed.
func (h *History) PushUser(content string) {
	h.push(RoleUser, content)
}

// PushAssistant appends an assistant message, truncating from the oldest end
// if needed.
func (h *History) PushAssistant(content string) {
	h.push(RoleAssistant, content)
}

func (h *History) push(role Role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, Message{Role: role, Content: content})
	h.truncateLocked()
}

// truncateLocked drops the oldest non-system messages until the capacity
// bound holds. The pinned system message at position 0 is never dropped.
// Must be called with the lock held.
func (h *History) truncateLocked() {
	for len(h.messages) > h.capacity+1 {
		h.messages = append(h.messages[:1], h.messages[2:]...)
	}
}

// Export returns a copy of the log in insertion order.
func (h *History) Export() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Clear resets the log. With keepSystem the log is re-seeded with the
// configured system message; otherwise it becomes empty.
func (h *History) Clear(keepSystem bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if keepSystem {
		h.messages = []Message{{Role: RoleSystem, Content: h.systemPrompt}}
	} else {
		h.messages = h.messages[:0]
	}
}

// Load replaces the whole log. If the incoming slice does not start with a
// system message the configured one is inserted at position 0, then the
// capacity bound is re-applied.
func (h *History) Load(msgs []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	loaded := make([]Message, 0, len(msgs)+1)
	if len(msgs) == 0 || msgs[0].Role != RoleSystem {
		loaded = append(loaded, Message{Role: RoleSystem, Content: h.systemPrompt})
	}
	loaded = append(loaded, msgs...)
	h.messages = loaded
	h.truncateLocked()
}

// SetSystem replaces the pinned system message content. Used when a
// settings change updates the system prompt mid-session.
func (h *History) SetSystem(content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.systemPrompt = content
	if len(h.messages) > 0 && h.messages[0].Role == RoleSystem {
		h.messages[0].Content = content
	} else {
		h.messages = append([]Message{{Role: RoleSystem, Content: content}}, h.messages...)
		h.truncateLocked()
	}
}

// System returns the current system message content.
func (h *History) System() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.messages) > 0 && h.messages[0].Role == RoleSystem {
		return h.messages[0].Content
	}
	return h.systemPrompt
}

// Len returns the number of messages including the system message.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Capacity returns the configured non-system capacity.
func (h *History) Capacity() int {
	return h.capacity
}
