// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"strings"
	"unicode/utf8"

	"github.com/bureau-foundation/aide/lib/llm"
)

// SummarySystemPrompt is the system prompt for the compaction
// summarization call. The 400-word limit is a prompt-enforced soft
// target, not checked programmatically.
const SummarySystemPrompt = "You are a summarization assistant. Summarize the conversation " +
	"history briefly and precisely.\n" +
	"Keep: facts, decisions, open tasks, user preferences, important " +
	"results, tool calls and their outcomes.\n" +
	"Format: bullet points, at most 400 words. Reply with only the " +
	"summary, no preamble."

// summaryTurnHeader marks the synthetic turn carrying a compaction
// digest.
const summaryTurnHeader = "[Summary of the conversation so far]"

// Per-entry character caps applied when rendering turns for the
// summarization request. The summarizer needs the shape of the
// conversation, not full tool payloads.
const (
	summaryUserCap       = 1000
	summaryAssistantCap  = 800
	summaryToolResultCap = 800
	summaryToolArgsCap   = 300
)

// SummaryTurn wraps a compaction digest in the synthetic user turn
// placed at the head of a compacted request.
func SummaryTurn(summary string) llm.Message {
	return llm.UserMessage(summaryTurnHeader + "\n" + summary)
}

// SummaryRequestText renders older turns as the user-visible text of
// the summarization request. Long entries are clipped; tool calls and
// their results are kept explicit so the digest can preserve them.
func SummaryRequestText(turns []llm.Message) string {
	return "Summarize this conversation history:\n\n" + formatTurnsForSummary(turns)
}

// formatTurnsForSummary flattens messages into labeled lines. Thinking
// blocks are skipped; reasoning traces are not part of the durable
// conversation record.
func formatTurnsForSummary(turns []llm.Message) string {
	var lines []string
	for _, turn := range turns {
		switch turn.Role {
		case llm.RoleAssistant:
			for _, block := range turn.Content {
				switch block.Type {
				case llm.ContentToolUse:
					if block.ToolUse != nil {
						lines = append(lines, "[Tool call: "+block.ToolUse.Name+
							"("+clip(string(block.ToolUse.Input), summaryToolArgsCap)+")]")
					}
				case llm.ContentText:
					if text := strings.TrimSpace(block.Text); text != "" {
						lines = append(lines, "Assistant: "+clip(text, summaryAssistantCap))
					}
				}
			}
		case llm.RoleUser:
			for _, block := range turn.Content {
				switch block.Type {
				case llm.ContentText:
					if text := strings.TrimSpace(block.Text); text != "" {
						lines = append(lines, "User: "+clip(text, summaryUserCap))
					}
				case llm.ContentToolResult:
					if block.ToolResult != nil {
						if text := strings.TrimSpace(block.ToolResult.Content); text != "" {
							lines = append(lines, "[Tool result]: "+clip(text, summaryToolResultCap))
						}
					}
				}
			}
		}
	}
	return strings.Join(lines, "\n")
}

// clip truncates text to at most limit bytes without splitting a
// UTF-8 sequence.
func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
