// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/aide/lib/llm"
)

// minCompactionTurns is the minimum history length eligible for
// compaction. Shorter histories are sent as-is even when over budget:
// summarizing a handful of turns frees almost nothing and risks a
// summarize loop on tiny budgets.
const minCompactionTurns = 6

// Summarizer produces a natural-language digest of a span of older
// conversation turns. The engine wires this to a model call through
// the resolution chain; tests substitute a canned function. See
// [SummarySystemPrompt] and [SummaryRequestText] for the standard
// request shape.
type Summarizer func(ctx context.Context, turns []llm.Message) (string, error)

// CompactionFailedError reports that the summarization call failed.
// Non-fatal: [Compacting.Messages] returns the uncompacted history
// alongside it, and the turn proceeds over budget.
type CompactionFailedError struct {
	Err error
}

func (err *CompactionFailedError) Error() string {
	return fmt.Sprintf("context: compaction failed: %v", err.Err)
}

func (err *CompactionFailedError) Unwrap() error { return err.Err }

// Compaction describes a compaction performed by the most recent
// [Compacting.Messages] call. The engine uses it to record the same
// replacement in durable storage: the summary appended as a synthetic
// turn, the superseded prefix marked as excluded from future requests
// but retained for audit.
type Compaction struct {
	// Summary is the digest text produced by the summarization call.
	Summary string

	// SupersededTurns is the number of turns at the head of the
	// history that the summary replaced.
	SupersededTurns int

	// EstimatedTokens is the pre-compaction request estimate that
	// triggered the compaction.
	EstimatedTokens int

	// BudgetTokens is the request budget the estimate exceeded.
	BudgetTokens int
}

// Compacting implements [Manager] by replacing the oldest turn groups
// with a model-generated summary when the estimated request size
// (system prompt + tool schema + messages) exceeds the budget's quota
// of the context window.
//
// The partition keeps a recent suffix of whole turn groups whose
// estimated size meets the budget's recent target (15% of the context
// window); everything older is summarized by one synthetic model call
// and replaced with a single summary turn. Turn groups are never
// split; a partial group would orphan tool results.
//
// Compaction transforms the request history only. The durable turn
// record kept by the session store is never rewritten; the engine
// appends the summary as a new turn and marks the superseded prefix,
// so the full history remains retrievable.
type Compacting struct {
	messages  []llm.Message
	estimator TokenEstimator
	budget    Budget
	summarize Summarizer

	system string
	tools  []llm.ToolDefinition

	// lastReturnedMessages is the message slice most recently
	// returned by Messages. Used by RecordUsage to correlate
	// character counts with actual token counts from the provider.
	lastReturnedMessages []llm.Message

	// lastCompaction records the compaction performed by the most
	// recent Messages call, nil when that call did not compact.
	lastCompaction *Compaction
}

// CompactingConfig configures a [Compacting] manager.
type CompactingConfig struct {
	// Budget holds the model's context window and the quota.
	Budget Budget

	// Estimator provides calibrated token estimation. Required.
	Estimator TokenEstimator

	// Summarize performs the summarization model call. Required.
	Summarize Summarizer

	// System is the session's system prompt. Counted against the
	// budget on every request.
	System string

	// Tools are the session's tool definitions. Counted against the
	// budget on every request.
	Tools []llm.ToolDefinition
}

// NewCompacting creates a Compacting manager.
func NewCompacting(config CompactingConfig) *Compacting {
	return &Compacting{
		estimator: config.Estimator,
		budget:    config.Budget,
		summarize: config.Summarize,
		system:    config.System,
		tools:     config.Tools,
	}
}

// Append adds a message to the conversation history.
func (manager *Compacting) Append(message llm.Message) {
	manager.messages = append(manager.messages, message)
}

// Messages returns the conversation history, compacted if the
// estimated request size exceeds the budget. If everything fits, the
// full history is returned and no model call is made.
//
// When compaction runs and succeeds, the returned slice is
// [summary turn] + recent suffix, and [LastCompaction] describes the
// replacement. The manager folds the result into its own history;
// the engine records the matching replacement in durable storage, so
// later compactions start from the folded view while the full turn
// record stays on disk.
//
// When compaction cannot run (history too short, nothing older than
// the recent suffix) or the summarization call fails, the full
// history is returned together with a non-nil error; the caller
// should log it and proceed with the returned messages. A failed
// summarization is reported as [CompactionFailedError].
func (manager *Compacting) Messages(ctx context.Context) ([]llm.Message, error) {
	manager.lastCompaction = nil

	if len(manager.messages) == 0 {
		manager.lastReturnedMessages = nil
		return nil, nil
	}

	budgetTokens := manager.budget.RequestBudget()
	estimatedTokens := manager.estimator.EstimateOverhead(manager.system, manager.tools) +
		manager.estimator.EstimateTokens(manager.messages)

	// Fast path: everything fits.
	if estimatedTokens <= budgetTokens {
		manager.lastReturnedMessages = manager.messages
		return manager.messages, nil
	}

	if len(manager.messages) < minCompactionTurns {
		manager.lastReturnedMessages = manager.messages
		return manager.messages, fmt.Errorf(
			"context budget exceeded: estimated %d tokens, budget %d tokens, "+
				"but history has only %d turns (minimum for compaction is %d)",
			estimatedTokens, budgetTokens, len(manager.messages), minCompactionTurns)
	}

	groups := identifyTurnGroups(manager.messages)
	if len(groups) < 2 {
		manager.lastReturnedMessages = manager.messages
		return manager.messages, fmt.Errorf(
			"context budget exceeded: estimated %d tokens, budget %d tokens, "+
				"but the history is a single turn group and cannot be partitioned",
			estimatedTokens, budgetTokens)
	}

	// Partition: the smallest suffix of whole turn groups, taken from
	// the end, whose estimated size meets or exceeds the recent
	// target.
	target := manager.budget.RecentTarget()
	suffixGroup := len(groups) - 1
	suffixTokens := manager.groupTokens(groups[suffixGroup])
	for suffixGroup > 0 && suffixTokens < target {
		suffixGroup--
		suffixTokens += manager.groupTokens(groups[suffixGroup])
	}

	prefixEnd := groups[suffixGroup].startIndex
	if prefixEnd == 0 {
		// The recent suffix spans the entire history: nothing older
		// to summarize.
		manager.lastReturnedMessages = manager.messages
		return manager.messages, fmt.Errorf(
			"context budget exceeded: estimated %d tokens, budget %d tokens, "+
				"and the recent suffix already spans the entire history",
			estimatedTokens, budgetTokens)
	}

	prefix := manager.messages[:prefixEnd]
	suffix := manager.messages[prefixEnd:]

	summary, err := manager.summarize(ctx, prefix)
	if err != nil {
		manager.lastReturnedMessages = manager.messages
		return manager.messages, &CompactionFailedError{Err: err}
	}
	if strings.TrimSpace(summary) == "" {
		manager.lastReturnedMessages = manager.messages
		return manager.messages, &CompactionFailedError{
			Err: errors.New("summarization returned empty text"),
		}
	}

	compacted := make([]llm.Message, 0, len(suffix)+1)
	compacted = append(compacted, SummaryTurn(summary))
	compacted = append(compacted, suffix...)

	manager.lastCompaction = &Compaction{
		Summary:         summary,
		SupersededTurns: prefixEnd,
		EstimatedTokens: estimatedTokens,
		BudgetTokens:    budgetTokens,
	}
	manager.messages = compacted
	manager.lastReturnedMessages = compacted
	return compacted, nil
}

// RecordUsage feeds back actual token counts from the provider to
// calibrate the token estimator. Uses the messages last returned by
// Messages (which is what was actually sent to the provider).
func (manager *Compacting) RecordUsage(usage llm.Usage) {
	if manager.lastReturnedMessages != nil {
		manager.estimator.RecordUsage(manager.lastReturnedMessages, usage.InputTokens)
	}
}

// LastCompaction returns the compaction performed by the most recent
// Messages call, or nil if that call returned the history unchanged.
func (manager *Compacting) LastCompaction() *Compaction {
	return manager.lastCompaction
}

// groupTokens estimates the token count of a single turn group.
func (manager *Compacting) groupTokens(group turnGroup) int {
	return manager.estimator.EstimateTokens(
		manager.messages[group.startIndex:group.endIndex])
}
