// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/aide/lib/cron"
)

// TriggerKind distinguishes how a job advances after firing.
type TriggerKind string

const (
	// TriggerCron jobs fire at every match of their cron spec until
	// removed. With the once flag they fire at the next match only.
	TriggerCron TriggerKind = "cron"

	// TriggerDate jobs fire once at an absolute time. Relative
	// phrases ("in 20 minutes") materialize to this kind at creation;
	// date jobs are one-shot regardless of the once flag.
	TriggerDate TriggerKind = "date"
)

// Job is one scheduled task. ID, Kind, the trigger definition, and
// the prompt are immutable after creation; LastRun and NextDue are
// advanced by the store as the job fires.
type Job struct {
	// ID is a 32-character random hex string. User-facing surfaces
	// show and accept the first 8 characters.
	ID string

	Kind TriggerKind

	// CronSpec is the five-field cron expression for TriggerCron
	// jobs, empty for TriggerDate jobs.
	CronSpec string

	// Prompt is submitted as a synthetic user turn when the job
	// fires. The scheduler prepends the autonomous-mode preamble.
	Prompt string

	// Channel receives the response (and any failure notice).
	Channel string

	// Model optionally pins the run to a model reference. Empty means
	// the default model.
	Model string

	// Once removes the job after its first completed run. Always true
	// for TriggerDate jobs.
	Once bool

	CreatedAt time.Time

	// LastRun is the fire time of the most recent successful run,
	// zero if the job has never run.
	LastRun time.Time

	// NextDue is when the job should fire next. The scheduler
	// considers the job due once NextDue is not after the current
	// poll time.
	NextDue time.Time

	// schedule is the parsed CronSpec, set for TriggerCron jobs.
	schedule cron.Schedule
}

// Recurring reports whether the job fires again after a completed
// run.
func (job *Job) Recurring() bool {
	return job.Kind == TriggerCron && !job.Once
}

// NextAfter returns the next trigger time strictly after t. Only
// cron jobs have a next trigger.
func (job *Job) NextAfter(t time.Time) (time.Time, error) {
	if job.Kind != TriggerCron {
		return time.Time{}, fmt.Errorf("schedule: job %s has no recurring trigger", shortID(job.ID))
	}
	return job.schedule.Next(t)
}

// JobParams describes a job to create. When accepts a five-field cron
// expression or a relative phrase ("in 30 minutes", "in 2 hours").
type JobParams struct {
	When    string
	Prompt  string
	Channel string
	Model   string
	Once    bool
}

// relativePattern matches the relative trigger phrases. Matching is
// case-insensitive and the unit may be singular or plural.
var relativePattern = regexp.MustCompile(`(?i)^in\s+(\d+)\s*(minute|hour)s?$`)

// maxRelativeUnits caps a relative delay at a year's worth of
// minutes; larger values are almost certainly typos.
const maxRelativeUnits = 365 * 24 * 60

// NewJob validates params against the given creation time and returns
// a Job ready for Store.Create. Relative phrases are materialized to
// an absolute due time here; cron specs are parsed and checked for a
// reachable first trigger (a spec like "0 0 31 2 *" never fires and
// is rejected immediately).
func NewJob(params JobParams, now time.Time) (*Job, error) {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("schedule: job prompt is required")
	}
	channel := strings.TrimSpace(params.Channel)
	if channel == "" {
		return nil, fmt.Errorf("schedule: job channel is required")
	}

	id, err := newJobID()
	if err != nil {
		return nil, fmt.Errorf("schedule: generating job id: %w", err)
	}

	job := &Job{
		ID:        id,
		Prompt:    prompt,
		Channel:   channel,
		Model:     strings.TrimSpace(params.Model),
		Once:      params.Once,
		CreatedAt: now,
	}

	when := strings.TrimSpace(params.When)
	if match := relativePattern.FindStringSubmatch(when); match != nil {
		delay, err := relativeDelay(match[1], match[2])
		if err != nil {
			return nil, err
		}
		job.Kind = TriggerDate
		job.Once = true
		job.NextDue = now.Add(delay)
		return job, nil
	}

	if len(strings.Fields(when)) != 5 {
		return nil, fmt.Errorf("schedule: when %q is neither a cron expression nor a relative phrase like \"in 30 minutes\"", params.When)
	}
	schedule, err := cron.Parse(when)
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	nextDue, err := schedule.Next(now)
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	job.Kind = TriggerCron
	job.CronSpec = schedule.String()
	job.NextDue = nextDue
	job.schedule = schedule
	return job, nil
}

// relativeDelay converts a matched count and unit into a duration.
func relativeDelay(countText, unit string) (time.Duration, error) {
	count, err := strconv.Atoi(countText)
	if err != nil || count <= 0 || count > maxRelativeUnits {
		return 0, fmt.Errorf("schedule: relative delay %q out of range", countText)
	}
	if strings.EqualFold(unit, "hour") {
		return time.Duration(count) * time.Hour, nil
	}
	return time.Duration(count) * time.Minute, nil
}

// newJobID returns 16 random bytes hex-encoded.
func newJobID() (string, error) {
	var buffer [16]byte
	if _, err := rand.Read(buffer[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer[:]), nil
}

// shortID returns the display form of a job id: the first 8
// characters.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
