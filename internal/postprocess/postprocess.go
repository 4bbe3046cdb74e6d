// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package postprocess normalizes assembled model output and strips sentences
// that violate the content policy. The pipeline is deterministic, pure and
// idempotent on clean text.
package postprocess

import (
	"regexp"
	"strings"
)

// =============================================================================
// POLICY
// =============================================================================

// forbiddenTerms lists phrases whose enclosing sentence is removed from any
// reply: provider names and self-referential training claims.
var forbiddenTerms = []string{
	"openai",
	"anthropic",
	"google ai",
	"meta ai",
	"trained by",
	"trained on",
	"my training data",
	"as a language model",
	"as an ai model",
}

// PolicyNotice replaces a reply that is empty after filtering.
const PolicyNotice = "The response was withheld because it conflicted with the content policy. Please rephrase your question."

// clarificationRequest is appended when the filtered reply is implausibly short.
const clarificationRequest = "Could you clarify what you would like to know?"

// minPlausibleLength is the shortest reply accepted without asking for
// clarification.
const minPlausibleLength = 8

var (
	trailingSpaceRe = regexp.MustCompile(`[ \t]+\n`)
	multiNewlineRe  = regexp.MustCompile(`\n{3,}`)
)

// =============================================================================
// PIPELINE
// =============================================================================

// Process normalizes whitespace, removes policy-violating sentences and
// guarantees a non-empty result.
func Process(raw string) string {
	text := normalize(raw)
	text = normalize(filterSentences(text))

	if text == "" {
		return PolicyNotice
	}
	if len(text) < minPlausibleLength {
		return text + "\n\n" + clarificationRequest
	}
	return text
}

// normalize collapses trailing whitespace before newlines, squeezes runs of
// three or more newlines down to two, and trims the ends.
func normalize(text string) string {
	text = trailingSpaceRe.ReplaceAllString(text, "\n")
	text = multiNewlineRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// filterSentences removes the smallest enclosing sentence around each
// case-insensitive forbidden term. Sentences are delimited by ".", "?"
// and "!"; a trailing fragment without a delimiter counts as a sentence.
func filterSentences(text string) string {
	var out strings.Builder
	for _, sentence := range splitSentences(text) {
		if containsForbidden(sentence) {
			continue
		}
		out.WriteString(sentence)
	}
	return out.String()
}

// splitSentences cuts text after each ".", "?" or "!", keeping the delimiter
// and any following whitespace attached to the sentence so that joining the
// parts reproduces the input exactly.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)

	start := 0
	i := 0
	for i < len(runes) {
		switch runes[i] {
		case '.', '?', '!':
			i++
			// Attach the whitespace run following the delimiter.
			for i < len(runes) && (runes[i] == ' ' || runes[i] == '\n' || runes[i] == '\t') {
				i++
			}
			sentences = append(sentences, string(runes[start:i]))
			start = i
		default:
			i++
		}
	}
	if start < len(runes) {
		sentences = append(sentences, string(runes[start:]))
	}
	return sentences
}

func containsForbidden(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, term := range forbiddenTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
