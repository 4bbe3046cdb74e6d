// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// =============================================================================
// STREAM DECODING
// =============================================================================

// Fragment is one decoded unit of a streamed response.
type Fragment struct {
	// Content is the text carried by this fragment, possibly empty.
	Content string
	// Done marks the final fragment of the stream.
	Done bool
}

// FragmentFunc receives fragments in arrival order. Returning an error
// aborts the stream.
type FragmentFunc func(Fragment) error

// wireFragment is the union of fragment shapes different server builds
// emit. Exactly one content field is populated per line.
type wireFragment struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Response *string `json:"response"`
	Text     *string `json:"text"`
	Choices  []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Done bool `json:"done"`
}

// content extracts the fragment text, trying each known shape in order.
func (w *wireFragment) content() string {
	switch {
	case w.Message != nil:
		return w.Message.Content
	case w.Response != nil:
		return *w.Response
	case w.Text != nil:
		return *w.Text
	case len(w.Choices) > 0:
		return w.Choices[0].Text
	}
	return ""
}

// streamReader decodes newline-delimited JSON fragments from a response
// body. Lines that fail to parse are skipped; a fragment with done set, or
// the end of the body, terminates the stream.
type streamReader struct {
	scanner *bufio.Scanner
}

func newStreamReader(r io.Reader) *streamReader {
	scanner := bufio.NewScanner(r)
	// Fragments are small, but a server may batch several tokens into one
	// line. 1 MiB is far beyond anything observed.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &streamReader{scanner: scanner}
}

// process feeds decoded fragments to fn until the stream ends. A partial
// final line without a trailing newline is still decoded.
func (s *streamReader) process(ctx context.Context, fn FragmentFunc) error {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var wire wireFragment
		if err := json.Unmarshal([]byte(line), &wire); err != nil {
			// Malformed line. Skip it; the stream may still recover.
			continue
		}

		frag := Fragment{Content: wire.content(), Done: wire.Done}
		if err := fn(frag); err != nil {
			return err
		}
		if frag.Done {
			return nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		// Connection dropped mid-stream.
		return &ClientError{Type: ErrTypeConnection, Message: "stream interrupted", Cause: err}
	}
	// Stream closed without a done marker. Treat what arrived as complete.
	return nil
}
