// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"sync"
	"time"
)

// RetryKind identifies a recovery action.
type RetryKind int

// Retry kinds.
const (
	RetryConnection RetryKind = iota
	RetryChannel
)

// String returns the retry kind name.
func (k RetryKind) String() string {
	switch k {
	case RetryConnection:
		return "connection"
	case RetryChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// retryScheduler arms single-shot delayed retries, at most one pending per kind.
// A fired retry stays pending until begin is called for its kind.
type retryScheduler struct {
	delay time.Duration

	mu      sync.Mutex
	timers  map[RetryKind]*time.Timer
	stopped bool

	fired chan RetryKind
}

func newRetryScheduler(delay time.Duration) *retryScheduler {
	return &retryScheduler{
		delay:  delay,
		timers: make(map[RetryKind]*time.Timer),
		// One slot per kind: single-flight guarantees the send never blocks.
		fired: make(chan RetryKind, 2),
	}
}

// schedule arms a retry of the given kind. It returns false if one is already pending.
func (s *retryScheduler) schedule(kind RetryKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.timers[kind]; ok {
		return false
	}

	s.timers[kind] = time.AfterFunc(s.delay, func() {
		s.fired <- kind
	})
	return true
}

// begin clears the pending flag of kind once its recovery action starts.
func (s *retryScheduler) begin(kind RetryKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, kind)
}

func (s *retryScheduler) pending(kind RetryKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[kind]
	return ok
}

// pendingKinds returns the kinds with an armed or fired-but-not-begun retry.
func (s *retryScheduler) pendingKinds() []RetryKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RetryKind
	for _, kind := range []RetryKind{RetryConnection, RetryChannel} {
		if _, ok := s.timers[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

func (s *retryScheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for kind, t := range s.timers {
		t.Stop()
		delete(s.timers, kind)
	}
}
