// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package admission

import (
	"sync"
	"time"

	"eagle/metering/config"
)

// shard holds the admission state of exactly one tenant. Its mutex is never
// held while touching another tenant's shard.
type shard struct {
	mu       sync.Mutex
	tenantID string

	windowStart  time.Time
	requestCount int
	inFlight     map[string]time.Time
	queue        []*Ticket
	state        State

	// changed is closed and replaced whenever waiters should re-evaluate.
	changed chan struct{}
}

func newShard(tenantID string, now time.Time) *shard {
	return &shard{
		tenantID:    tenantID,
		windowStart: now,
		inFlight:    make(map[string]time.Time),
		state:       StateOpen,
		changed:     make(chan struct{}),
	}
}

// rollLocked starts a new window when the current one has elapsed.
func (s *shard) rollLocked(now time.Time, limits config.TenantLimits) bool {
	if limits.Window <= 0 || now.Before(s.windowStart.Add(limits.Window)) {
		return false
	}
	elapsed := now.Sub(s.windowStart)
	s.windowStart = s.windowStart.Add(elapsed - elapsed%limits.Window)
	s.requestCount = 0
	return true
}

func (s *shard) windowEnd(limits config.TenantLimits) time.Time {
	return s.windowStart.Add(limits.Window)
}

func (s *shard) concurrencyAvailable(limits config.TenantLimits) bool {
	return len(s.inFlight) < limits.MaxConcurrency
}

func (s *shard) quotaAvailable(limits config.TenantLimits) bool {
	return s.requestCount < limits.RequestsPerWindow
}

// holdsLocked reports whether interactionID is in flight or queued.
func (s *shard) holdsLocked(interactionID string) bool {
	if _, ok := s.inFlight[interactionID]; ok {
		return true
	}
	for _, t := range s.queue {
		if t.InteractionID == interactionID {
			return true
		}
	}
	return false
}

func (s *shard) admitLocked(interactionID string, now time.Time) {
	s.requestCount++
	s.inFlight[interactionID] = now
}

// promoteLocked admits queued tickets in FIFO order while capacity allows.
// allow is consulted per promotion for distributed quota checks.
func (s *shard) promoteLocked(now time.Time, limits config.TenantLimits, allow func() bool) int {
	promoted := 0
	for len(s.queue) > 0 && s.concurrencyAvailable(limits) && s.quotaAvailable(limits) {
		if allow != nil && !allow() {
			break
		}
		t := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.admitLocked(t.InteractionID, now)
		t.admitted = true
		close(t.ready)
		promoted++
	}
	return promoted
}

func (s *shard) removeLocked(t *Ticket) bool {
	for i, q := range s.queue {
		if q == t {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// evaluateStateLocked recomputes the state machine and reports a transition.
func (s *shard) evaluateStateLocked(limits config.TenantLimits) (State, bool) {
	next := StateOpen
	switch {
	case !s.quotaAvailable(limits) && len(s.queue) >= limits.QueueDepth:
		next = StateRejecting
	case !s.quotaAvailable(limits) || len(s.queue) > 0:
		next = StateThrottled
	}
	if next == s.state {
		return next, false
	}
	s.state = next
	return next, true
}

func (s *shard) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *shard) snapshotLocked() RateLimitState {
	return RateLimitState{
		TenantID:           s.tenantID,
		WindowStart:        s.windowStart,
		RequestCount:       s.requestCount,
		ConcurrentInFlight: len(s.inFlight),
		QueueLength:        len(s.queue),
		State:              s.state,
	}
}
