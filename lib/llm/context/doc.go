// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package context manages conversation history for LLM agent loops.
//
// The central abstraction is [Manager], an interface that controls how
// messages are stored, windowed, and prepared for LLM requests. The
// engine appends every message to the manager and calls [Manager.Messages]
// before each LLM call to get a history that fits within the model's
// context window.
//
// [Compacting] is the budget-aware implementation: when the estimated
// request size (system prompt + tool schema + messages) exceeds a
// configurable quota of the context window, it summarizes the oldest
// turn groups through one synthetic model call and replaces them with
// a single summary turn, keeping a recent suffix verbatim. The
// durable turn record is never rewritten; compaction shapes the
// outbound request only. [Unbounded] returns everything and is used
// for short-lived loops (subagent tasks, debate rounds).
//
// Token estimation is handled by the [TokenEstimator] interface.
// [CharEstimator] provides a calibrating heuristic that starts with a
// character-based ratio and refines it from actual provider usage data.
//
// Turn groups are the atomic unit of compaction. A turn group starts
// with a user message containing text content and includes all
// subsequent messages (assistant responses, tool results, follow-up
// responses) until the next such user message. Splitting a turn group
// would break conversation structure or orphan tool results, so the
// compaction boundary always falls between groups.
package context
