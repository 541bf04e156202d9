// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"sync"
)

// Manager serializes work on each session. Messages for the same
// channel must be applied in arrival order, so each session has an
// explicit FIFO waiter queue rather than a bare mutex: a mutex makes
// no ordering promise to blocked goroutines, the queue does.
//
// Different sessions never wait on each other.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*managerEntry
}

// managerEntry tracks one session's serialization state. refs counts
// the current holder plus queued waiters; the entry is removed when it
// drops to zero, so idle sessions cost nothing.
type managerEntry struct {
	held    bool
	waiters []chan struct{}
	refs    int
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*managerEntry)}
}

// Acquire blocks until the caller holds the session's slot, in strict
// arrival order. The returned release function must be called exactly
// once; it hands the slot to the next waiter. On context cancellation
// the waiter is withdrawn from the queue and later arrivals keep their
// relative order.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (release func(), err error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session manager: session id is required")
	}

	m.mu.Lock()
	entry := m.entries[sessionID]
	if entry == nil {
		entry = &managerEntry{}
		m.entries[sessionID] = entry
	}
	entry.refs++

	if !entry.held {
		entry.held = true
		m.mu.Unlock()
		return func() { m.release(sessionID) }, nil
	}

	// Buffered so a hand-off during our cancellation window is not
	// lost: release sends without blocking, and the cancellation path
	// below can still observe it.
	waiter := make(chan struct{}, 1)
	entry.waiters = append(entry.waiters, waiter)
	m.mu.Unlock()

	select {
	case <-waiter:
		return func() { m.release(sessionID) }, nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The slot may have been handed to us after ctx fired but before we
	// reacquired the lock. If so we own it and must pass it along.
	select {
	case <-waiter:
		m.handOff(sessionID, entry)
	default:
		for i, w := range entry.waiters {
			if w == waiter {
				entry.waiters = append(entry.waiters[:i], entry.waiters[i+1:]...)
				break
			}
		}
	}
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, sessionID)
	}
	return nil, fmt.Errorf("session manager: waiting for session %s: %w", shortID(sessionID), ctx.Err())
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entries[sessionID]
	if entry == nil {
		return
	}
	m.handOff(sessionID, entry)
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, sessionID)
	}
}

// handOff passes the slot to the oldest waiter, or frees it when the
// queue is empty. Caller holds m.mu.
func (m *Manager) handOff(sessionID string, entry *managerEntry) {
	if len(entry.waiters) > 0 {
		next := entry.waiters[0]
		entry.waiters = entry.waiters[1:]
		next <- struct{}{}
		return
	}
	entry.held = false
}
