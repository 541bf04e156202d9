// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"context"

	"github.com/bureau-foundation/aide/lib/llm"
)

// Manager manages the conversation message history for an LLM agent
// loop. Implementations control how messages are stored, windowed,
// and compacted as the conversation grows.
//
// The expected call sequence per turn is:
//   - Append each new message (user prompt, assistant response, tool results)
//   - Messages before each LLM call to get the windowed view
//   - RecordUsage after the LLM response to feed back actual token counts
//
// Manager implementations are not required to be safe for concurrent
// use. Orchestration is serialized per session: one goroutine calls
// Append, Messages, and RecordUsage in sequence.
type Manager interface {
	// Append adds a message to the conversation history.
	Append(message llm.Message)

	// Messages returns the messages to send to the LLM on the next
	// call. Implementations may return a transformed view of the full
	// history (e.g., replacing old turns with a summary to fit within
	// a token budget).
	//
	// The returned slice must maintain correct conversation structure:
	// the conversation starts with a user message and tool results
	// stay paired with their tool uses. Consecutive same-role turns
	// are permitted; providers merge or accept them.
	//
	// A non-nil error indicates the conversation could not be brought
	// within the configured budget. The returned messages are still a
	// best-effort result; the caller should log the error and proceed
	// with them.
	Messages(ctx context.Context) ([]llm.Message, error)

	// RecordUsage feeds back the actual token consumption from the
	// provider's response. Implementations use this to calibrate
	// token estimation for future calls.
	RecordUsage(usage llm.Usage)
}

// TokenEstimator estimates the token count of a request without
// calling a tokenizer. Implementations are calibrated over time via
// RecordUsage feedback from actual provider responses.
type TokenEstimator interface {
	// EstimateTokens returns the estimated token count for the given
	// messages. This covers only the messages themselves; the fixed
	// per-request parts are estimated by EstimateOverhead.
	EstimateTokens(messages []llm.Message) int

	// EstimateOverhead returns the estimated token count of the system
	// prompt and serialized tool definitions sent with every request.
	EstimateOverhead(system string, tools []llm.ToolDefinition) int

	// RecordUsage updates the estimator's internal calibration using
	// the actual token count from a provider response. The messages
	// parameter is the exact slice that was sent to the provider;
	// actualInputTokens is Usage.InputTokens from the response.
	//
	// Note: actualInputTokens includes system prompt, tool
	// definitions, and protocol overhead. The estimator absorbs this
	// into its ratio (see [CharEstimator] for details).
	RecordUsage(messages []llm.Message, actualInputTokens int64)
}

// Budget configures the token limits for a Manager in terms of the
// model's context window.
type Budget struct {
	// ContextWindow is the model's total context window in tokens
	// (e.g., 200000 for Claude Sonnet, 128000 for GPT-4o). See
	// [ContextWindowFor] for a registry of known models.
	ContextWindow int

	// Quota is the fraction of the context window a request (system
	// prompt + tool schema + messages) may occupy before compaction
	// triggers. Zero means the default of 0.85. Values outside
	// [0.5, 0.95] are clamped into that range.
	Quota float64
}

const (
	defaultQuota = 0.85
	minQuota     = 0.5
	maxQuota     = 0.95

	// recentFraction is the share of the context window reserved for
	// the recent turns kept verbatim through a compaction. Scales
	// with model size: bigger windows keep more recent history.
	recentFraction = 0.15
)

// EffectiveQuota returns the quota with defaulting and clamping
// applied.
func (budget Budget) EffectiveQuota() float64 {
	quota := budget.Quota
	if quota == 0 {
		quota = defaultQuota
	}
	if quota < minQuota {
		quota = minQuota
	}
	if quota > maxQuota {
		quota = maxQuota
	}
	return quota
}

// RequestBudget returns the maximum estimated request size in tokens:
// the context window scaled by the effective quota.
func (budget Budget) RequestBudget() int {
	return int(float64(budget.ContextWindow) * budget.EffectiveQuota())
}

// RecentTarget returns the token size of the recent suffix preserved
// verbatim through a compaction: 15% of the context window.
func (budget Budget) RecentTarget() int {
	return int(float64(budget.ContextWindow) * recentFraction)
}

// Unbounded implements Manager with no compaction. All appended
// messages are always returned. Used for short-lived loops (subagent
// tasks, debate rounds) whose histories are bounded by construction,
// and for operators who manage context externally.
type Unbounded struct {
	messages []llm.Message
}

// Append adds a message to the history.
func (manager *Unbounded) Append(message llm.Message) {
	manager.messages = append(manager.messages, message)
}

// Messages returns the full, untransformed history.
func (manager *Unbounded) Messages(_ context.Context) ([]llm.Message, error) {
	return manager.messages, nil
}

// RecordUsage is a no-op for the unbounded manager.
func (manager *Unbounded) RecordUsage(_ llm.Usage) {}
