// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine ties the runtime together: it owns the turn
// lifecycle from incoming message to delivered response.
//
// One turn: acquire the session's serialization slot, durably append
// the user turn, window the history through token-budget compaction,
// call the model through the fallback chain, run requested tool calls
// (scheduling, subagent dispatch, debate), and deliver the final text
// through the connector boundary. The engine also executes scheduled
// jobs (a job's prompt enters the same lifecycle as a synthetic user
// turn) and reports their terminal failures to the job's channel.
//
// The engine interprets none of the prompt content it carries. System
// prompts and job prompts are opaque configuration; the engine's own
// contributions are limited to the current date and the compaction
// summary framing.
package engine
