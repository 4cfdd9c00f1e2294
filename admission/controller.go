// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package admission decides whether an interaction may call the agent runtime.
//
// Every tenant has its own shard holding a fixed-size rolling window counter,
// the set of in-flight interactions and a bounded FIFO queue. Shards are
// looked up through a sync.Map and locked individually, so one tenant in the
// REJECTING state never delays a decision for another tenant.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"eagle/metering/config"
	"eagle/metering/shared/errkind"
	"eagle/metering/shared/logger"
	"eagle/metering/tenancy"
)

// LimitSource supplies the current limits of a tenant. Implementations must
// return the latest configuration on every call so reloads apply immediately.
type LimitSource interface {
	Limits(tenantID string) (config.TenantLimits, bool)
}

// WindowStore is an optional shared counter used when several instances
// enforce one quota. Allow records an attempt and reports whether it fits.
type WindowStore interface {
	Allow(ctx context.Context, tenantID string, limit int, window time.Duration) (bool, error)
}

// Options configures a Controller.
type Options struct {
	// DefaultLimits apply to tenants the LimitSource does not know.
	DefaultLimits config.TenantLimits
	// Window is the optional distributed window store.
	Window WindowStore
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Controller is the tenant-aware admission controller.
type Controller struct {
	limits   LimitSource
	defaults config.TenantLimits
	window   WindowStore
	now      func() time.Time
	shards   sync.Map // tenant_id -> *shard
	logger   *logger.Logger
}

// NewController creates a controller reading limits from source.
func NewController(source LimitSource, opts Options) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		limits:   source,
		defaults: opts.DefaultLimits,
		window:   opts.Window,
		now:      now,
		logger:   logger.New("admission"),
	}
}

func (c *Controller) shardFor(tenantID string) *shard {
	if s, ok := c.shards.Load(tenantID); ok {
		return s.(*shard)
	}
	s, _ := c.shards.LoadOrStore(tenantID, newShard(tenantID, c.now()))
	return s.(*shard)
}

func (c *Controller) limitsFor(tenantID string) config.TenantLimits {
	if c.limits != nil {
		if l, ok := c.limits.Limits(tenantID); ok {
			return l
		}
	}
	return c.defaults
}

func (c *Controller) distributedAllow(ctx context.Context, tenantID string, limits config.TenantLimits) func() bool {
	if c.window == nil {
		return nil
	}
	return func() bool {
		ok, err := c.window.Allow(ctx, tenantID, limits.RequestsPerWindow, limits.Window)
		if err != nil {
			c.logger.Warn(tenantID, "", "Distributed window check failed, failing open", map[string]interface{}{
				"error": err.Error(),
			})
			return true
		}
		return ok
	}
}

// TryAdmit decides ADMIT, QUEUE or REJECT for one interaction of tc's tenant.
// interactionID identifies the slot for Release; one is generated when empty.
// An id that is already admitted or queued is rejected with
// ErrDuplicateInteraction and consumes no quota.
func (c *Controller) TryAdmit(ctx context.Context, tc tenancy.TenantContext, interactionID string) Result {
	if err := tenancy.RequireContext(tc); err != nil {
		return Result{Decision: DecisionReject, Err: err}
	}
	if interactionID == "" {
		interactionID = uuid.NewString()
	}

	tenantID := tc.TenantID()
	limits := c.limitsFor(tenantID)
	allow := c.distributedAllow(ctx, tenantID, limits)
	now := c.now()

	s := c.shardFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rollLocked(now, limits) {
		s.notifyLocked()
	}
	if s.promoteLocked(now, limits, allow) > 0 {
		s.notifyLocked()
	}
	defer c.transition(s, limits, tc)

	if s.holdsLocked(interactionID) {
		promAdmissionDecisions.WithLabelValues(string(DecisionReject), ReasonDuplicateInteraction).Inc()
		c.logger.Warn(tenantID, tc.RequestID(), "Interaction id already holds a slot", map[string]interface{}{
			"interaction_id": interactionID,
		})
		return Result{Decision: DecisionReject, Err: fmt.Errorf("%w: %s", ErrDuplicateInteraction, interactionID)}
	}

	if !s.concurrencyAvailable(limits) {
		return c.reject(tc, errkind.ReasonConcurrencyExceeded)
	}

	if s.quotaAvailable(limits) && len(s.queue) == 0 && (allow == nil || allow()) {
		s.admitLocked(interactionID, now)
		promAdmissionDecisions.WithLabelValues(string(DecisionAdmit), "").Inc()
		return Result{
			Decision: DecisionAdmit,
			Ticket:   &Ticket{TenantID: tenantID, InteractionID: interactionID, admitted: true},
		}
	}

	if len(s.queue) < limits.QueueDepth {
		t := &Ticket{TenantID: tenantID, InteractionID: interactionID, EnqueuedAt: now, ready: make(chan struct{})}
		s.queue = append(s.queue, t)
		promAdmissionDecisions.WithLabelValues(string(DecisionQueue), errkind.ReasonRateExceeded).Inc()
		return Result{Decision: DecisionQueue, Position: len(s.queue), Ticket: t}
	}

	return c.reject(tc, errkind.ReasonRateExceeded)
}

func (c *Controller) reject(tc tenancy.TenantContext, reason string) Result {
	promAdmissionDecisions.WithLabelValues(string(DecisionReject), reason).Inc()
	c.logger.Debug(tc.TenantID(), tc.RequestID(), "Interaction rejected", map[string]interface{}{"reason": reason})
	return Result{
		Decision: DecisionReject,
		Err:      &errkind.CapacityError{TenantID: tc.TenantID(), Reason: reason},
	}
}

// transition must run with s.mu held.
func (c *Controller) transition(s *shard, limits config.TenantLimits, tc tenancy.TenantContext) {
	prev := s.state
	next, changed := s.evaluateStateLocked(limits)
	if !changed {
		return
	}
	promAdmissionTransitions.WithLabelValues(string(prev), string(next)).Inc()
	c.logger.Info(s.tenantID, tc.RequestID(), "Admission state changed", map[string]interface{}{
		"from":          string(prev),
		"to":            string(next),
		"request_count": s.requestCount,
		"queue_length":  len(s.queue),
	})
}

// Await blocks until a queued ticket is admitted or ctx is done. On
// cancellation the ticket leaves the queue and ctx.Err() is returned.
func (c *Controller) Await(ctx context.Context, tc tenancy.TenantContext, t *Ticket) error {
	if err := tenancy.RequireContext(tc); err != nil {
		return err
	}
	if t == nil {
		return ErrNotQueued
	}
	if t.TenantID != tc.TenantID() {
		return ErrTenantMismatch
	}

	s := c.shardFor(t.TenantID)
	for {
		limits := c.limitsFor(t.TenantID)
		now := c.now()

		s.mu.Lock()
		if t.admitted {
			s.mu.Unlock()
			return nil
		}
		if t.ready == nil {
			s.mu.Unlock()
			return ErrNotQueued
		}
		rolled := s.rollLocked(now, limits)
		promoted := s.promoteLocked(now, limits, c.distributedAllow(ctx, t.TenantID, limits))
		if rolled || promoted > 0 {
			s.notifyLocked()
			c.transition(s, limits, tc)
		}
		if t.admitted {
			s.mu.Unlock()
			promAdmissionDecisions.WithLabelValues(string(DecisionAdmit), "dequeued").Inc()
			return nil
		}
		wait := s.windowEnd(limits).Sub(now)
		changed := s.changed
		s.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			admitted := t.admitted
			if !admitted {
				s.removeLocked(t)
				c.transition(s, c.limitsFor(t.TenantID), tc)
			}
			s.mu.Unlock()
			if admitted {
				return nil
			}
			return ctx.Err()
		case <-t.ready:
			timer.Stop()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Release frees the concurrency slot held by interactionID. It is called for
// every admitted interaction whether it succeeded, failed or timed out.
func (c *Controller) Release(tc tenancy.TenantContext, interactionID string) error {
	if err := tenancy.RequireContext(tc); err != nil {
		return err
	}
	v, ok := c.shards.Load(tc.TenantID())
	if !ok {
		return ErrUnknownInteraction
	}
	s := v.(*shard)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.inFlight[interactionID]; !held {
		return ErrUnknownInteraction
	}
	delete(s.inFlight, interactionID)
	s.notifyLocked()
	c.transition(s, c.limitsFor(tc.TenantID()), tc)
	return nil
}

// Snapshot returns the current counters of a tenant.
func (c *Controller) Snapshot(tenantID string) (RateLimitState, bool) {
	v, ok := c.shards.Load(tenantID)
	if !ok {
		return RateLimitState{}, false
	}
	s := v.(*shard)
	limits := c.limitsFor(tenantID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked(c.now(), limits)
	s.evaluateStateLocked(limits)
	return s.snapshotLocked(), true
}

// OnConfigChange wakes waiters of tenants whose limits changed so a raised
// quota takes effect without waiting for the window to roll.
func (c *Controller) OnConfigChange(cs config.ChangeSet) {
	for _, tenantID := range cs.Changed {
		v, ok := c.shards.Load(tenantID)
		if !ok {
			continue
		}
		s := v.(*shard)
		s.mu.Lock()
		s.notifyLocked()
		s.mu.Unlock()
	}
}
