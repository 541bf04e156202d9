// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/aide/lib/clock"
)

// scheduledTaskPreamble precedes every job prompt. Scheduled runs are
// autonomous: nobody is watching the channel to answer a follow-up
// question, so the model must finish the task on its own.
const scheduledTaskPreamble = "[SCHEDULED TASK: autonomous mode] " +
	"You are executing a scheduled task. The user is not present and cannot respond. " +
	"Complete the task fully on your own using the tools available to you. " +
	"Never ask follow-up questions and never tell the user to do something themselves. " +
	"Do the work and deliver the result."

// retryDelay separates a failed attempt from its single retry.
const retryDelay = 2 * time.Second

// Execution is one firing of a job, handed to the Executor.
type Execution struct {
	JobID   string
	Channel string

	// Model is the job's pinned model reference, empty for the
	// default.
	Model string

	// Prompt is the full synthetic turn: preamble plus job prompt.
	Prompt string
}

// Executor runs a due job's prompt as a synthetic turn and delivers
// the response to the job's channel. The engine implements this.
type Executor interface {
	ExecuteScheduled(ctx context.Context, execution Execution) error
}

// Notifier reports a terminal job failure to the job's channel.
type Notifier interface {
	Notify(ctx context.Context, channel, text string) error
}

// Config holds the scheduler parameters. Store, Executor, Notifier,
// and Clock are required.
type Config struct {
	Store    *Store
	Executor Executor
	Notifier Notifier
	Clock    clock.Clock

	// Logger receives scheduler events. Nil means discard.
	Logger *slog.Logger

	// PollInterval is how often the store is checked for due jobs.
	// Zero means 30 seconds; values above one minute are rejected,
	// since the poll interval bounds how late a job can fire.
	PollInterval time.Duration

	// AttemptTimeout bounds each execution attempt. Zero means ten
	// minutes.
	AttemptTimeout time.Duration

	// MaxConcurrent bounds simultaneously running jobs. Zero means 4.
	MaxConcurrent int

	// Grace is how far past its due time a one-shot job may still
	// fire after a gap (restart, suspend). Beyond it the job is
	// dropped. Zero means five minutes; values below PollInterval
	// would drop every delayed one-shot and are rejected.
	Grace time.Duration
}

// Scheduler polls the store and runs due jobs, each in its own
// goroutine. One slow job never delays another; a job already
// running is never dispatched a second time.
type Scheduler struct {
	store          *Store
	executor       Executor
	notifier       Notifier
	clock          clock.Clock
	logger         *slog.Logger
	pollInterval   time.Duration
	attemptTimeout time.Duration
	grace          time.Duration

	// slots bounds concurrent executions.
	slots chan struct{}

	// wg tracks in-flight executions so Run can drain on shutdown.
	wg sync.WaitGroup

	// mu guards running: job ids currently executing.
	mu      sync.Mutex
	running map[string]bool
}

// New validates cfg and returns a scheduler. Call Run to start it.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("schedule: Store is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("schedule: Executor is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("schedule: Notifier is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("schedule: Clock is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 30 * time.Second
	}
	if pollInterval < 0 || pollInterval > time.Minute {
		return nil, fmt.Errorf("schedule: poll interval %v out of range (0, 1m]", cfg.PollInterval)
	}

	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 10 * time.Minute
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	grace := cfg.Grace
	if grace == 0 {
		grace = 5 * time.Minute
	}
	if grace < pollInterval {
		return nil, fmt.Errorf("schedule: grace %v is below the poll interval %v", cfg.Grace, pollInterval)
	}

	return &Scheduler{
		store:          cfg.Store,
		executor:       cfg.Executor,
		notifier:       cfg.Notifier,
		clock:          cfg.Clock,
		logger:         logger,
		pollInterval:   pollInterval,
		attemptTimeout: attemptTimeout,
		grace:          grace,
		slots:          make(chan struct{}, maxConcurrent),
		running:        make(map[string]bool),
	}, nil
}

// Run polls until ctx is cancelled, then waits for in-flight jobs to
// finish. The first sweep happens immediately, so jobs that came due
// while the process was down are handled at startup rather than one
// poll interval later.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "poll_interval", s.pollInterval)

	s.sweep(ctx)

	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
		s.sweep(ctx)
	}
}

// sweep loads due jobs and dispatches each one. Jobs whose due time
// fell more than a poll interval in the past were missed (the process
// was not running to see them) and go through missed-trigger handling
// instead of firing late.
func (s *Scheduler) sweep(ctx context.Context) {
	now := s.clock.Now()
	due, err := s.store.Due(ctx, now)
	if err != nil {
		s.logger.Error("schedule poll failed", "error", err)
		return
	}

	for _, job := range due {
		if s.isRunning(job.ID) {
			// Still executing from an earlier poll; the row stays due
			// until the run completes.
			continue
		}
		lateBy := now.Sub(job.NextDue)
		if lateBy > s.pollInterval {
			s.handleMissed(ctx, job, now, lateBy)
			continue
		}
		s.launch(ctx, job, now)
	}
}

func (s *Scheduler) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// handleMissed deals with a trigger that passed while no scheduler
// was watching. Cron jobs skip to their next natural trigger; missed
// firings are never queued into a catch-up storm. One-shot jobs still
// fire if within the grace window, otherwise they are dropped.
func (s *Scheduler) handleMissed(ctx context.Context, job *Job, now time.Time, lateBy time.Duration) {
	if job.Kind == TriggerCron {
		nextDue, err := job.NextAfter(now)
		if err != nil {
			s.logger.Error("job has no future trigger, removing",
				"job", shortID(job.ID), "cron", job.CronSpec, "error", err)
			s.removeJob(ctx, job)
			return
		}
		if err := s.store.Reschedule(ctx, job.ID, nextDue); err != nil {
			s.logger.Error("rescheduling missed job failed", "job", shortID(job.ID), "error", err)
			return
		}
		s.logger.Info("missed cron trigger skipped",
			"job", shortID(job.ID), "late_by", lateBy, "next_due", nextDue)
		return
	}

	if lateBy <= s.grace {
		s.launch(ctx, job, now)
		return
	}

	s.logger.Warn("expired one-shot job dropped", "job", shortID(job.ID), "late_by", lateBy)
	s.removeJob(ctx, job)
}

// launch runs the job in its own goroutine, bounded by the
// concurrency limit. A job already running (a slow execution spanning
// several polls) is not dispatched again.
func (s *Scheduler) launch(ctx context.Context, job *Job, fireTime time.Time) {
	s.mu.Lock()
	if s.running[job.ID] {
		s.mu.Unlock()
		return
	}
	s.running[job.ID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
		}()

		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-s.slots }()

		s.execute(ctx, job, fireTime)
	}()
}

// execute runs one firing: a first attempt, a single retry after a
// short delay, then terminal handling. A shutdown during execution
// leaves the row untouched, so the next start re-evaluates the job as
// pending.
func (s *Scheduler) execute(ctx context.Context, job *Job, fireTime time.Time) {
	s.logger.Info("scheduled job started",
		"job", shortID(job.ID),
		"kind", job.Kind,
		"channel", job.Channel,
		"model", job.Model,
	)

	execution := Execution{
		JobID:   job.ID,
		Channel: job.Channel,
		Model:   job.Model,
		Prompt:  scheduledTaskPreamble + "\n\n" + job.Prompt,
	}

	err := s.attempt(ctx, execution)
	if err != nil {
		s.logger.Warn("scheduled job attempt failed",
			"job", shortID(job.ID), "attempt", 1, "retry_in", retryDelay, "error", err)
		select {
		case <-s.clock.After(retryDelay):
		case <-ctx.Done():
			return
		}
		err = s.attempt(ctx, execution)
	}
	if ctx.Err() != nil && err != nil {
		// Shutdown, not a job failure: leave the row for the next
		// start.
		return
	}

	if err != nil {
		s.failed(ctx, job, fireTime, err)
		return
	}
	s.succeeded(ctx, job, fireTime)
}

// attempt runs the executor once under the per-attempt timeout.
func (s *Scheduler) attempt(ctx context.Context, execution Execution) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()
	return s.executor.ExecuteScheduled(attemptCtx, execution)
}

// succeeded advances a recurring job to its next trigger and removes
// a one-shot job.
func (s *Scheduler) succeeded(ctx context.Context, job *Job, fireTime time.Time) {
	if !job.Recurring() {
		s.logger.Info("one-shot job completed", "job", shortID(job.ID))
		s.removeJob(ctx, job)
		return
	}

	nextDue, err := job.NextAfter(fireTime)
	if err != nil {
		s.logger.Error("job has no future trigger, removing",
			"job", shortID(job.ID), "cron", job.CronSpec, "error", err)
		s.removeJob(ctx, job)
		return
	}
	if err := s.store.MarkRun(ctx, job.ID, fireTime, nextDue); err != nil {
		s.logger.Error("recording job run failed", "job", shortID(job.ID), "error", err)
		return
	}
	s.logger.Info("scheduled job completed", "job", shortID(job.ID), "next_due", nextDue)
}

// failed handles a job whose retry also failed. Recurring jobs wait
// for their next natural trigger; one-shot jobs are removed and the
// failure is reported to the job's channel.
func (s *Scheduler) failed(ctx context.Context, job *Job, fireTime time.Time, cause error) {
	if job.Recurring() {
		nextDue, err := job.NextAfter(fireTime)
		if err != nil {
			s.logger.Error("job has no future trigger, removing",
				"job", shortID(job.ID), "cron", job.CronSpec, "error", err)
			s.removeJob(ctx, job)
			return
		}
		if err := s.store.Reschedule(ctx, job.ID, nextDue); err != nil {
			s.logger.Error("rescheduling failed job failed", "job", shortID(job.ID), "error", err)
			return
		}
		s.logger.Warn("recurring job failed, deferred to next trigger",
			"job", shortID(job.ID), "next_due", nextDue, "error", cause)
		return
	}

	s.logger.Error("one-shot job failed after retry", "job", shortID(job.ID), "error", cause)
	s.removeJob(ctx, job)

	text := fmt.Sprintf("Scheduled task %s failed after 2 attempts: %v", shortID(job.ID), cause)
	if err := s.notifier.Notify(ctx, job.Channel, text); err != nil {
		s.logger.Error("failure notification failed",
			"job", shortID(job.ID), "channel", job.Channel, "error", err)
	}
}

// removeJob deletes the row, tolerating a concurrent removal.
func (s *Scheduler) removeJob(ctx context.Context, job *Job) {
	err := s.store.Remove(ctx, job.ID)
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		s.logger.Error("removing job failed", "job", shortID(job.ID), "error", err)
	}
}
