// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events provides the FIFO event channel connecting the background
// workers (model engine, resource watchdog) to the single UI-side consumer.
package events

import "sync"

// =============================================================================
// EVENT KINDS
// =============================================================================

// Kind categorizes an event for the consumer.
type Kind int

const (
	// KindStatus is a transient status line ("Generating response...").
	KindStatus Kind = iota
	// KindMessage is a finished assistant reply.
	KindMessage
	// KindError is a user-visible error description.
	KindError
	// KindAlert is a resource alert from the watchdog.
	KindAlert
	// KindSuggest is a non-urgent watchdog suggestion.
	KindSuggest
	// KindAction reports a mitigation action the watchdog performed.
	KindAction
	// KindLog is a watchdog heartbeat / diagnostic line.
	KindLog
)

// String returns the string representation of the event kind.
func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	case KindAlert:
		return "alert"
	case KindSuggest:
		return "suggest"
	case KindAction:
		return "action"
	case KindLog:
		return "log"
	default:
		return "unknown"
	}
}

// =============================================================================
// EVENT AND PAYLOAD TYPES
// =============================================================================

// Event is a single unit placed on the bus. Payload is a string for
// status/message/error/log events and one of the typed payloads below
// for watchdog events.
type Event struct {
	Kind    Kind
	Payload any
}

// ProcessInfo describes one process inside an alert payload.
type ProcessInfo struct {
	PID    int     `json:"pid"`
	Name   string  `json:"name"`
	CPUPct float64 `json:"cpu_pct"`
	MemPct float64 `json:"mem_pct"`
}

// AlertPayload carries a resource sample that crossed a threshold.
type AlertPayload struct {
	CPU          float64       `json:"cpu"`
	Mem          float64       `json:"mem"`
	Disk         float64       `json:"disk"`
	TopProcesses []ProcessInfo `json:"top_processes"`
}

// SuggestPayload carries a non-urgent recommendation.
type SuggestPayload struct {
	Suggestion string  `json:"suggestion"`
	Disk       float64 `json:"disk"`
}

// ActionPayload reports a mitigation action and its outcome.
type ActionPayload struct {
	Action string `json:"action"`
	Detail string `json:"detail"`
}

// Convenience constructors for the string-payload kinds.

// Status builds a status event.
func Status(text string) Event { return Event{Kind: KindStatus, Payload: text} }

// Message builds an assistant-reply event.
func Message(text string) Event { return Event{Kind: KindMessage, Payload: text} }

// Error builds an error event.
func Error(text string) Event { return Event{Kind: KindError, Payload: text} }

// Log builds a heartbeat/diagnostic event.
func Log(text string) Event { return Event{Kind: KindLog, Payload: text} }

// Text returns the string payload for string-payload events, or "" for
// typed payloads.
func (e Event) Text() string {
	if s, ok := e.Payload.(string); ok {
		return s
	}
	return ""
}

// =============================================================================
// BUS
// =============================================================================

// Bus is a thread-safe, order-preserving queue with multiple producers and a
// single polling consumer. Publish never blocks; the consumer drains on its
// own cadence and processes everything queued per poll.
type Bus struct {
	mu    sync.Mutex
	queue []Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{queue: make([]Event, 0, 16)}
}

// Publish appends an event to the queue. Safe for concurrent use.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, e)
}

// Drain returns all queued events in FIFO order and clears the queue.
// Each event is consumed exactly once.
func (b *Bus) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil
	}
	out := b.queue
	b.queue = make([]Event, 0, 16)
	return out
}

// Len returns the number of queued events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
