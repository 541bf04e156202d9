// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/aide/lib/clock"
	"github.com/bureau-foundation/aide/lib/testutil"
)

// executorFunc adapts a function to the Executor interface.
type executorFunc func(ctx context.Context, execution Execution) error

func (f executorFunc) ExecuteScheduled(ctx context.Context, execution Execution) error {
	return f(ctx, execution)
}

type notice struct {
	channel string
	text    string
}

type recordingNotifier struct {
	notices chan notice
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{notices: make(chan notice, 8)}
}

func (n *recordingNotifier) Notify(ctx context.Context, channel, text string) error {
	n.notices <- notice{channel: channel, text: text}
	return nil
}

// startScheduler runs the scheduler in a goroutine and registers a
// cleanup that cancels it and waits for the drain.
func startScheduler(t *testing.T, scheduler *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "scheduler drain")
	})
}

// requireNoExecution fails if an execution arrives within a short
// window.
func requireNoExecution(t *testing.T, calls <-chan Execution) {
	t.Helper()
	select {
	case execution := <-calls:
		t.Fatalf("unexpected execution of job %s", shortID(execution.JobID))
	case <-time.After(200 * time.Millisecond):
	}
}

// waitForJobCount polls the store until it holds want jobs.
func waitForJobCount(t *testing.T, store *Store, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := store.List(context.Background())
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(jobs) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d jobs in the store", want)
}

// waitForNextDue polls until the job's next due time equals want.
func waitForNextDue(t *testing.T, store *Store, id string, want time.Time) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.NextDue.Equal(want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for next due %v on job %s", want, shortID(id))
}

func TestOneShotFiresOnceAndIsRemoved(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(start)
	store := newTestStore(t)
	notifier := newRecordingNotifier()

	job, err := NewJob(JobParams{
		When:    "in 1 minute",
		Prompt:  "check the oven",
		Channel: "kitchen",
	}, fakeClock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	calls := make(chan Execution, 8)
	scheduler, err := New(Config{
		Store:    store,
		Executor: executorFunc(func(ctx context.Context, execution Execution) error {
			calls <- execution
			return nil
		}),
		Notifier:     notifier,
		Clock:        fakeClock,
		PollInterval: 30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	startScheduler(t, scheduler)
	fakeClock.WaitForTimers(1)

	// First poll: 30 seconds before the due time.
	fakeClock.Advance(30 * time.Second)
	requireNoExecution(t, calls)

	// Second poll lands exactly on the due time.
	fakeClock.Advance(30 * time.Second)
	execution := testutil.RequireReceive(t, calls, 5*time.Second, "waiting for the one-shot execution")

	if execution.JobID != job.ID {
		t.Errorf("executed job %s, want %s", shortID(execution.JobID), shortID(job.ID))
	}
	if execution.Channel != "kitchen" {
		t.Errorf("Channel = %q, want %q", execution.Channel, "kitchen")
	}
	if !strings.HasPrefix(execution.Prompt, "[SCHEDULED TASK") {
		t.Errorf("prompt missing the autonomous-mode preamble: %q", execution.Prompt)
	}
	if !strings.Contains(execution.Prompt, "check the oven") {
		t.Errorf("prompt missing the job text: %q", execution.Prompt)
	}

	waitForJobCount(t, store, 0)

	// Further polls find nothing: the job fired exactly once.
	fakeClock.Advance(30 * time.Second)
	fakeClock.Advance(30 * time.Second)
	requireNoExecution(t, calls)
	if len(notifier.notices) != 0 {
		t.Errorf("unexpected failure notice on success path")
	}
}

func TestOneShotFailureRetriesNotifiesAndRemoves(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(start)
	store := newTestStore(t)
	notifier := newRecordingNotifier()

	job, err := NewJob(JobParams{
		When:    "in 1 minute",
		Prompt:  "fetch the report",
		Channel: "ops",
	}, fakeClock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	var attempts atomic.Int32
	calls := make(chan Execution, 8)
	scheduler, err := New(Config{
		Store: store,
		Executor: executorFunc(func(ctx context.Context, execution Execution) error {
			attempts.Add(1)
			calls <- execution
			return errors.New("backend exploded")
		}),
		Notifier:     notifier,
		Clock:        fakeClock,
		PollInterval: 30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	startScheduler(t, scheduler)
	fakeClock.WaitForTimers(1)

	fakeClock.Advance(time.Minute)
	testutil.RequireReceive(t, calls, 5*time.Second, "waiting for the first attempt")

	// The retry waits a fixed two seconds.
	fakeClock.WaitForTimers(2)
	fakeClock.Advance(2 * time.Second)
	testutil.RequireReceive(t, calls, 5*time.Second, "waiting for the retry")

	got := testutil.RequireReceive(t, notifier.notices, 5*time.Second, "waiting for the failure notice")
	if got.channel != "ops" {
		t.Errorf("notice channel = %q, want %q", got.channel, "ops")
	}
	if !strings.Contains(got.text, "failed after 2 attempts") {
		t.Errorf("notice text = %q, want retry count", got.text)
	}
	if !strings.Contains(got.text, "backend exploded") {
		t.Errorf("notice text = %q, want the cause", got.text)
	}

	waitForJobCount(t, store, 0)
	if n := attempts.Load(); n != 2 {
		t.Errorf("executor ran %d times, want 2", n)
	}
}

func TestCronFiresOncePerDay(t *testing.T) {
	// 30 seconds before the 09:00 trigger.
	start := time.Date(2026, 3, 2, 8, 59, 30, 0, time.UTC)
	fakeClock := clock.Fake(start)
	store := newTestStore(t)

	job, err := NewJob(JobParams{
		When:    "0 9 * * *",
		Prompt:  "morning briefing",
		Channel: "news",
	}, fakeClock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	calls := make(chan Execution, 8)
	scheduler, err := New(Config{
		Store: store,
		Executor: executorFunc(func(ctx context.Context, execution Execution) error {
			calls <- execution
			return nil
		}),
		Notifier:     newRecordingNotifier(),
		Clock:        fakeClock,
		PollInterval: 30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	startScheduler(t, scheduler)
	fakeClock.WaitForTimers(1)

	// 09:00 day one.
	fakeClock.Advance(30 * time.Second)
	testutil.RequireReceive(t, calls, 5*time.Second, "waiting for the day-one firing")

	dayTwo := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	waitForNextDue(t, store, job.ID, dayTwo)

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC); !got.LastRun.Equal(want) {
		t.Errorf("LastRun = %v, want %v", got.LastRun, want)
	}

	//步 to 21:00, then to 09:00 day two.
	fakeClock.Advance(12 * time.Hour)
	requireNoExecution(t, calls)
	fakeClock.Advance(12 * time.Hour)
	testutil.RequireReceive(t, calls, 5*time.Second, "waiting for the day-two firing")

	dayThree := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	waitForNextDue(t, store, job.ID, dayThree)
	requireNoExecution(t, calls)
}

func TestMissedCronTriggerSkippedNotQueued(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 59, 30, 0, time.UTC)
	fakeClock := clock.Fake(start)
	store := newTestStore(t)

	job, err := NewJob(JobParams{
		When:    "0 9 * * *",
		Prompt:  "morning briefing",
		Channel: "news",
	}, fakeClock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	calls := make(chan Execution, 8)
	scheduler, err := New(Config{
		Store: store,
		Executor: executorFunc(func(ctx context.Context, execution Execution) error {
			calls <- execution
			return nil
		}),
		Notifier:     newRecordingNotifier(),
		Clock:        fakeClock,
		PollInterval: 30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	startScheduler(t, scheduler)
	fakeClock.WaitForTimers(1)

	// A 26-hour gap swallows both the day-one and day-two triggers.
	// Neither fires late; the job waits for day three.
	fakeClock.Advance(26 * time.Hour)

	dayThree := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	waitForNextDue(t, store, job.ID, dayThree)
	requireNoExecution(t, calls)

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastRun.IsZero() {
		t.Errorf("LastRun = %v, want zero (the job never ran)", got.LastRun)
	}
}

func TestExpiredOneShotDroppedBeyondGrace(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(start)
	store := newTestStore(t)
	notifier := newRecordingNotifier()

	job, err := NewJob(JobParams{
		When:    "in 1 minute",
		Prompt:  "time-critical ping",
		Channel: "ops",
	}, fakeClock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	calls := make(chan Execution, 8)
	scheduler, err := New(Config{
		Store: store,
		Executor: executorFunc(func(ctx context.Context, execution Execution) error {
			calls <- execution
			return nil
		}),
		Notifier:     notifier,
		Clock:        fakeClock,
		PollInterval: 30 * time.Second,
		Grace:        5 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	startScheduler(t, scheduler)
	fakeClock.WaitForTimers(1)

	// Due at +1m, seen at +10m: nine minutes late, past the grace
	// window.
	fakeClock.Advance(10 * time.Minute)

	waitForJobCount(t, store, 0)
	requireNoExecution(t, calls)
	if len(notifier.notices) != 0 {
		t.Errorf("dropped job must not produce a failure notice")
	}
}

func TestDelayedOneShotFiresWithinGrace(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(start)
	store := newTestStore(t)

	job, err := NewJob(JobParams{
		When:    "in 1 minute",
		Prompt:  "delayed ping",
		Channel: "ops",
	}, fakeClock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	calls := make(chan Execution, 8)
	scheduler, err := New(Config{
		Store: store,
		Executor: executorFunc(func(ctx context.Context, execution Execution) error {
			calls <- execution
			return nil
		}),
		Notifier:     newRecordingNotifier(),
		Clock:        fakeClock,
		PollInterval: 30 * time.Second,
		Grace:        5 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	startScheduler(t, scheduler)
	fakeClock.WaitForTimers(1)

	// Due at +1m, seen at +3m: late but within grace, so it still
	// fires once.
	fakeClock.Advance(3 * time.Minute)
	execution := testutil.RequireReceive(t, calls, 5*time.Second, "waiting for the delayed firing")
	if execution.JobID != job.ID {
		t.Errorf("executed job %s, want %s", shortID(execution.JobID), shortID(job.ID))
	}
	waitForJobCount(t, store, 0)
}

func TestSlowJobDoesNotBlockOthers(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(start)
	store := newTestStore(t)

	slow, err := NewJob(JobParams{When: "in 1 minute", Prompt: "the slow one", Channel: "slow"}, fakeClock.Now())
	if err != nil {
		t.Fatal(err)
	}
	fast, err := NewJob(JobParams{When: "in 1 minute", Prompt: "the fast one", Channel: "fast"}, fakeClock.Now())
	if err != nil {
		t.Fatal(err)
	}
	for _, job := range []*Job{slow, fast} {
		if err := store.Create(context.Background(), job); err != nil {
			t.Fatal(err)
		}
	}

	gate := make(chan struct{})
	calls := make(chan Execution, 8)
	scheduler, err := New(Config{
		Store: store,
		Executor: executorFunc(func(ctx context.Context, execution Execution) error {
			calls <- execution
			if execution.Channel == "slow" {
				select {
				case <-gate:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}),
		Notifier:     newRecordingNotifier(),
		Clock:        fakeClock,
		PollInterval: 30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	startScheduler(t, scheduler)
	fakeClock.WaitForTimers(1)

	fakeClock.Advance(time.Minute)

	first := testutil.RequireReceive(t, calls, 5*time.Second, "waiting for the first dispatch")
	second := testutil.RequireReceive(t, calls, 5*time.Second, "waiting for the second dispatch")
	channels := map[string]bool{first.Channel: true, second.Channel: true}
	if !channels["slow"] || !channels["fast"] {
		t.Fatalf("dispatched channels %v, want slow and fast", channels)
	}

	// The fast job completes and is removed while the slow one is
	// still executing.
	waitForJobCount(t, store, 1)

	// The slow job is due and running; later polls must not dispatch
	// it a second time.
	fakeClock.Advance(30 * time.Second)
	requireNoExecution(t, calls)

	close(gate)
	waitForJobCount(t, store, 0)
}

func TestCrashMidRunRestartsAsPending(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 59, 30, 0, time.UTC)
	fakeClock := clock.Fake(start)
	store := newTestStore(t)

	job, err := NewJob(JobParams{
		When:    "0 9 * * *",
		Prompt:  "morning briefing",
		Channel: "news",
	}, fakeClock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	// First scheduler: the job starts and then the process "crashes"
	// (context cancelled mid-run). The row must stay untouched.
	firstCalls := make(chan Execution, 8)
	first, err := New(Config{
		Store: store,
		Executor: executorFunc(func(ctx context.Context, execution Execution) error {
			firstCalls <- execution
			<-ctx.Done()
			return ctx.Err()
		}),
		Notifier:     newRecordingNotifier(),
		Clock:        fakeClock,
		PollInterval: 30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		first.Run(ctx)
	}()
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(30 * time.Second)
	testutil.RequireReceive(t, firstCalls, 5*time.Second, "waiting for the interrupted run")
	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "first scheduler drain")

	interrupted, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !interrupted.LastRun.IsZero() {
		t.Fatalf("LastRun = %v after interrupted run, want zero", interrupted.LastRun)
	}
	if !interrupted.NextDue.Equal(job.NextDue) {
		t.Fatalf("NextDue = %v after interrupted run, want %v", interrupted.NextDue, job.NextDue)
	}

	// Second scheduler on the same store: the startup sweep finds the
	// job still due and runs it.
	secondCalls := make(chan Execution, 8)
	second, err := New(Config{
		Store: store,
		Executor: executorFunc(func(ctx context.Context, execution Execution) error {
			secondCalls <- execution
			return nil
		}),
		Notifier:     newRecordingNotifier(),
		Clock:        fakeClock,
		PollInterval: 30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	startScheduler(t, second)

	execution := testutil.RequireReceive(t, secondCalls, 5*time.Second, "waiting for the startup re-run")
	if execution.JobID != job.ID {
		t.Errorf("re-ran job %s, want %s", shortID(execution.JobID), shortID(job.ID))
	}

	dayTwo := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	waitForNextDue(t, store, job.ID, dayTwo)
}

func TestNewRejectsBadConfig(t *testing.T) {
	store := newTestStore(t)
	executor := executorFunc(func(ctx context.Context, execution Execution) error { return nil })
	notifier := newRecordingNotifier()
	fakeClock := clock.Fake(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))

	valid := Config{Store: store, Executor: executor, Notifier: notifier, Clock: fakeClock}
	if _, err := New(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing_store", func(c *Config) { c.Store = nil }},
		{"missing_executor", func(c *Config) { c.Executor = nil }},
		{"missing_notifier", func(c *Config) { c.Notifier = nil }},
		{"missing_clock", func(c *Config) { c.Clock = nil }},
		{"poll_above_minute", func(c *Config) { c.PollInterval = 2 * time.Minute }},
		{"negative_poll", func(c *Config) { c.PollInterval = -time.Second }},
		{"grace_below_poll", func(c *Config) { c.PollInterval = 30 * time.Second; c.Grace = time.Second }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid
			test.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New accepted an invalid config")
			}
		})
	}
}
