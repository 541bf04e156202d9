// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to initial. Time moves only when
// Advance is called; waiters registered through After, NewTicker, and
// Sleep fire when the clock moves past their deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Waiters fire in
// deadline order during Advance, and channel sends never block
// (matching time.Ticker's drop-if-full behavior).
type FakeClock struct {
	mu         sync.Mutex
	current    time.Time
	waiters    []*waiter
	registered *sync.Cond
}

// waiter is one pending After, Sleep, or ticker registration.
type waiter struct {
	deadline time.Time
	ch       chan time.Time

	// interval is non-zero for tickers; after firing, the waiter is
	// rescheduled at deadline + interval.
	interval time.Duration

	// stopped waiters are skipped and dropped on the next sweep.
	stopped bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock has advanced d
// past the current fake time. Non-positive d delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}

	c.waiters = append(c.waiters, &waiter{
		deadline: c.current.Add(d),
		ch:       ch,
	})
	c.registered.Broadcast()
	return ch
}

// NewTicker returns a Ticker firing every d fake-time units. Panics if
// d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{
		deadline: c.current.Add(d),
		ch:       ch,
		interval: d,
	}
	c.waiters = append(c.waiters, w)
	c.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
	}
}

// Sleep blocks until the clock advances past the deadline. Returns
// immediately for non-positive d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time, in deadline order. A ticker
// whose interval is spanned multiple times fires once per interval;
// ticks that overflow the channel buffer are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		expired := c.sweep(target)
		if len(expired) == 0 {
			return
		}

		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})

		for _, w := range expired {
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// sweep removes waiters due at or before target from the pending list,
// rescheduling tickers, and returns them.
func (c *FakeClock) sweep(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired, remaining []*waiter
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			expired = append(expired, w)
		} else {
			remaining = append(remaining, w)
		}
	}

	for _, w := range expired {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			remaining = append(remaining, w)
		}
	}

	c.waiters = remaining
	return expired
}

// WaitForTimers blocks until at least n waiters are pending. This
// closes the race between a goroutine registering its timer and the
// test advancing the clock:
//
//	go func() { c.Sleep(5 * time.Second) }()
//	c.WaitForTimers(1)
//	c.Advance(5 * time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of active pending waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
