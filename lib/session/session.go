// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session persists conversation sessions as append-only turn
// logs. A session is created on the first message for a channel and
// is never implicitly destroyed; its turn history survives process
// restarts. Turns are immutable once appended; compaction appends a
// synthetic summary turn and marks the superseded prefix, it never
// rewrites or deletes rows, so the full history stays retrievable for
// audit.
//
// The Manager serializes orchestration per session: at most one
// in-flight model call or compaction mutates a session's history at a
// time, and waiters are admitted in submission order, so a scheduled
// job's synthetic turn lands after any interactive turns already
// queued.
package session

import (
	"time"

	"github.com/bureau-foundation/aide/lib/llm"
)

// Session is the durable state of one conversation.
type Session struct {
	// ID is a 32-character random hex string.
	ID string

	// Channel is the chat-platform channel this session belongs to.
	// One session per channel.
	Channel string

	// Model is the session's current model reference, empty for the
	// configured default. Persisted so a model switch survives
	// restarts.
	Model string

	// TokenEstimate accumulates the total tokens consumed by the
	// session (prompt plus completion), updated after every response.
	TokenEstimate int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one entry of a session's append-only log.
type Turn struct {
	// Seq is the monotonic per-session sequence number, assigned by
	// the store at append. Starts at 1.
	Seq int64

	// Message is the conversation message: role plus content blocks
	// (text, images, tool use, tool results, thinking).
	Message llm.Message

	// Summary marks a synthetic compaction digest standing in for a
	// superseded prefix.
	Summary bool

	// Scheduled marks a synthetic turn submitted by the job
	// scheduler rather than a user.
	Scheduled bool

	// Superseded excludes the turn from outbound requests. Set when a
	// later summary turn covers it; the row itself is retained.
	Superseded bool

	CreatedAt time.Time
}

// Messages extracts the message sequence from a slice of turns,
// preserving order.
func Messages(turns []Turn) []llm.Message {
	messages := make([]llm.Message, len(turns))
	for i, turn := range turns {
		messages[i] = turn.Message
	}
	return messages
}
