// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the scheduler and retry paths so
// tests can drive time deterministically. Production code injects
// [Real]; tests inject [Fake] and call Advance.
package clock

import "time"

// Clock is the time surface used by time-driven code. Anything that
// would otherwise call time.Now, time.After, time.NewTicker, or
// time.Sleep takes a Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. The channel has capacity 1:
// if the consumer falls behind, ticks are dropped, not queued. Call
// Stop to release the ticker; Stop does not close C.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks arrive on C after Stop returns.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
