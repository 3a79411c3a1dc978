// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"sync"
	"time"
)

// completionBoard tracks which units have completed and lets pipelines block
// until new completions arrive. Each completion closes the current broadcast
// channel and installs a fresh one, so waiters wake exactly when the set
// changes instead of polling on an interval.
type completionBoard struct {
	mu        sync.Mutex
	completed map[string]struct{}
	changed   chan struct{}
}

func newCompletionBoard() *completionBoard {
	return &completionBoard{
		completed: make(map[string]struct{}),
		changed:   make(chan struct{}),
	}
}

// Seed marks units completed without waking waiters, for resume.
func (b *completionBoard) Seed(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.completed[id] = struct{}{}
	}
}

// MarkCompleted records a completion and wakes every current waiter.
func (b *completionBoard) MarkCompleted(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.completed[id]; ok {
		return
	}
	b.completed[id] = struct{}{}
	close(b.changed)
	b.changed = make(chan struct{})
}

// Completed returns a copy of the completed-id set.
func (b *completionBoard) Completed() map[string]struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]struct{}, len(b.completed))
	for id := range b.completed {
		out[id] = struct{}{}
	}
	return out
}

// check evaluates ready against the completed set under the lock. When not
// ready it also returns the channel that closes on the next completion, taken
// in the same lock acquisition so no change can slip between the check and
// the wait.
func (b *completionBoard) check(ready func(map[string]struct{}) bool) (bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ready(b.completed) {
		return true, nil
	}
	return false, b.changed
}

// WaitUntil blocks until ready(completedSet) reports true, the timeout
// elapses, or ctx is cancelled. It returns true when readiness was met and
// false on timeout; ctx errors propagate.
//
// ready runs under the board lock: it must only read the set it is handed
// and must not retain it.
func (b *completionBoard) WaitUntil(ctx context.Context, timeout time.Duration, ready func(map[string]struct{}) bool) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		ok, changed := b.check(ready)
		if ok {
			return true, nil
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
