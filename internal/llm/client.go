// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm provides the HTTP client for the locally hosted model server.
//
// The server speaks an Ollama-style API: a chat endpoint taking a structured
// message list and a generate endpoint taking a single flattened prompt.
// Both stream newline-delimited JSON fragments.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes client errors for retry handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	// ErrTypeConnection covers refused/reset/unreachable transport failures.
	ErrTypeConnection
	// ErrTypeTimeout covers per-request deadline expiry.
	ErrTypeTimeout
	// ErrTypeServer covers 5xx responses.
	ErrTypeServer
	// ErrTypeNotFound covers 404 (endpoint or model missing).
	ErrTypeNotFound
	// ErrTypeInvalidResponse covers other non-2xx responses and decode failures.
	ErrTypeInvalidResponse
)

// ClientError is an error from the model server client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Sentinel errors for easy checking.
var (
	ErrServerDown = &ClientError{Type: ErrTypeConnection, Message: "model server is not reachable"}
	ErrTimeout    = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrNotFound   = &ClientError{Type: ErrTypeNotFound, Message: "endpoint or model not found"}
)

// IsTransient reports whether an error is worth retrying: connection
// failures, timeouts and 5xx responses. Everything else is permanent.
func IsTransient(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrTypeConnection, ErrTypeTimeout, ErrTypeServer:
			return true
		}
	}
	return false
}

// IsNotFound reports whether an error is a 404 from the server, which the
// engine uses to fall back from /api/chat to /api/generate.
func IsNotFound(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeNotFound
	}
	return false
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// Message is a role-tagged message in the chat endpoint's request body.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type generateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	Stream    bool   `json:"stream"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type serverError struct {
	Error string `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Config holds the client settings. All fields come from the application
// configuration object.
type Config struct {
	// BaseURL of the model server, e.g. http://127.0.0.1:11434
	BaseURL string
	// Model identifier sent with every request.
	Model string
	// Timeout per network call. Expiry surfaces as a transient error.
	Timeout time.Duration
	// MaxTokens is forwarded verbatim as an advisory request parameter.
	// No local truncation is enforced.
	MaxTokens int
}

// Client issues streaming requests to the model server.
// Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client. A malformed base URL is a programmer error
// and fails here, at construction, rather than at first request.
func NewClient(cfg Config) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "invalid base URL " + cfg.BaseURL, Cause: err}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "base URL must be http or https, got " + cfg.BaseURL}
	}
	if cfg.Model == "" {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "model identifier is required"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &Client{
		cfg: cfg,
		// The timeout is applied per call via context so it can cover an
		// entire stream; http.Client.Timeout would cut streams short.
		httpClient: &http.Client{},
	}, nil
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL, nil)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ErrServerDown
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "unexpected status from model server: " + resp.Status}
	}
	return nil
}

// ChatStream sends the message list to the chat endpoint and invokes fn for
// each decoded fragment, in arrival order, until the stream reports done or
// closes.
func (c *Client) ChatStream(ctx context.Context, messages []Message, fn FragmentFunc) error {
	body, err := json.Marshal(chatRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		Stream:    true,
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal chat request", Cause: err}
	}
	return c.stream(ctx, "/api/chat", body, fn)
}

// GenerateStream sends a flattened prompt to the generate endpoint and
// invokes fn for each decoded fragment.
func (c *Client) GenerateStream(ctx context.Context, prompt string, fn FragmentFunc) error {
	body, err := json.Marshal(generateRequest{
		Model:     c.cfg.Model,
		Prompt:    prompt,
		Stream:    true,
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal generate request", Cause: err}
	}
	return c.stream(ctx, "/api/generate", body, fn)
}

// stream performs a streaming POST and feeds the response through the
// fragment reader. The configured timeout bounds the whole call including
// stream consumption; expiry is a transient error so the retry loop can
// take another attempt.
func (c *Client) stream(ctx context.Context, path string, body []byte, fn FragmentFunc) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return &ClientError{Type: ErrTypeConnection, Message: "model server is not reachable", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return &ClientError{Type: ErrTypeServer, Message: "model server error: " + resp.Status}
	case resp.StatusCode != http.StatusOK:
		// Try to surface the server's own error message.
		var srvErr serverError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&srvErr); decodeErr == nil && srvErr.Error != "" {
			return &ClientError{Type: ErrTypeInvalidResponse, Message: srvErr.Error}
		}
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "request failed: " + resp.Status}
	}

	err = newStreamReader(resp.Body).process(ctx, fn)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// =============================================================================
// PROMPT FLATTENING
// =============================================================================

// BuildPrompt flattens a transcript for the generate endpoint: the system
// text, a blank line, role-prefixed lines for the most recent window
// messages (rendered oldest first), and a trailing "Assistant:" cue.
func BuildPrompt(messages []Message, window int) string {
	var system string
	var turns []Message
	for _, m := range messages {
		if m.Role == "system" && system == "" {
			system = m.Content
			continue
		}
		turns = append(turns, m)
	}

	if window > 0 && len(turns) > window {
		turns = turns[len(turns)-window:]
	}

	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	for _, m := range turns {
		switch m.Role {
		case "user":
			b.WriteString("User: ")
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}
