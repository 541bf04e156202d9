// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schedule runs prompts at fixed times. Jobs carry either a
// five-field cron spec (recurring) or an absolute due time
// materialized from a relative phrase like "in 20 minutes" (always
// one-shot). Jobs are durable: the Store persists them in SQLite, and
// the Scheduler polls for due work, so a restart picks up where the
// previous process stopped.
//
// Execution is delegated through the Executor interface: the
// scheduler prepends an autonomous-mode preamble to the job's prompt
// and submits it as a synthetic turn on the job's channel. Failures
// retry once after a short delay; a one-shot job that still fails is
// removed and the failure is reported to its channel through the
// Notifier.
package schedule
