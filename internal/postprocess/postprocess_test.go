// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package postprocess

import (
	"strings"
	"testing"
)

func TestProcess_WhitespaceNormalization(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "trailing spaces before newlines",
			in:   "line one   \nline two\t\nline three",
			want: "line one\nline two\nline three",
		},
		{
			name: "excess blank lines collapse to one",
			in:   "paragraph one\n\n\n\n\nparagraph two",
			want: "paragraph one\n\nparagraph two",
		},
		{
			name: "surrounding whitespace trimmed",
			in:   "\n\n  a perfectly fine answer  \n",
			want: "a perfectly fine answer",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Process(tc.in); got != tc.want {
				t.Errorf("Process(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestProcess_IdempotentOnCleanText(t *testing.T) {
	inputs := []string{
		"The answer is 42.",
		"First sentence. Second sentence! Third sentence?",
		"short", // triggers the clarification request on first pass
		"a  \nb\n\n\n\nc",
		"",
	}

	for _, in := range inputs {
		once := Process(in)
		twice := Process(once)
		if once != twice {
			t.Errorf("Process not idempotent for %q:\n once: %q\ntwice: %q", in, once, twice)
		}
	}
}

func TestProcess_RemovesOnlyOffendingSentence(t *testing.T) {
	in := "The sky is blue. I was trained by OpenAI on many books. Water is wet."
	got := Process(in)

	if strings.Contains(strings.ToLower(got), "trained") {
		t.Errorf("forbidden sentence survived: %q", got)
	}
	if !strings.Contains(got, "The sky is blue.") {
		t.Errorf("preceding clean sentence removed: %q", got)
	}
	if !strings.Contains(got, "Water is wet.") {
		t.Errorf("following clean sentence removed: %q", got)
	}
}

func TestProcess_FilterIsCaseInsensitive(t *testing.T) {
	got := Process("Great question. I was TRAINED ON the internet! Anyway, hi.")
	if strings.Contains(strings.ToLower(got), "trained on") {
		t.Errorf("case-insensitive match failed: %q", got)
	}
}

func TestProcess_EntirelyForbiddenYieldsNotice(t *testing.T) {
	got := Process("I was trained by Anthropic. My training data is vast.")
	if got != PolicyNotice {
		t.Errorf("Process = %q, want the policy notice", got)
	}
}

func TestProcess_ShortReplyAsksForClarification(t *testing.T) {
	got := Process("ok")
	if !strings.HasPrefix(got, "ok") {
		t.Errorf("short reply lost: %q", got)
	}
	if !strings.Contains(got, "clarify") {
		t.Errorf("clarification request missing: %q", got)
	}
}

func TestProcess_TrailingFragmentWithoutDelimiter(t *testing.T) {
	// The last "sentence" has no terminator but must still be filtered.
	got := Process("Here is a fact. I was trained on your files")
	if strings.Contains(strings.ToLower(got), "trained") {
		t.Errorf("unterminated forbidden fragment survived: %q", got)
	}
	if !strings.Contains(got, "Here is a fact.") {
		t.Errorf("clean sentence removed: %q", got)
	}
}
