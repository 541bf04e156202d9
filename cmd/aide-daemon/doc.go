// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Aide-daemon is the conversational agent runtime process. It loads
// backend and scheduler configuration from aide.yaml, opens the SQLite
// state store, and serves a JSON-lines console on stdin and stdout.
// Interactive turns, scheduled jobs, and subagent debates all run
// inside this one process; a chat-platform connector would attach
// through the same engine surface the console uses.
package main
