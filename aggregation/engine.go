// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package aggregation folds usage events into hourly and daily buckets.
//
// Events are routed to a fixed set of workers by a hash of tenant_id, so all
// events of one tenant are applied by a single goroutine. Hour buckets are
// updated per event; day buckets are re-derived from the hour buckets of the
// affected day on the next flush, which makes them eventually consistent with
// the hour view.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"eagle/metering/metering"
	"eagle/metering/shared/errkind"
	"eagle/metering/shared/logger"
	"eagle/metering/tenancy"
)

// ErrGranularityDisabled is returned for queries on a granularity the tenant
// has not enabled.
var ErrGranularityDisabled = errors.New("granularity not enabled for tenant")

// ErrInvalidRange is returned when from is not before to.
var ErrInvalidRange = errors.New("range start must be before range end")

// GranularitySource reports the granularities enabled for a tenant.
type GranularitySource interface {
	Granularities(tenantID string) []string
}

// EventSource re-reads raw events for reconciliation.
type EventSource interface {
	ListEvents(ctx context.Context, tenantID string, from, to time.Time) ([]metering.UsageEvent, error)
}

// Options configures an Engine.
type Options struct {
	Workers       int
	QueueSize     int
	FlushInterval time.Duration
	Granularities GranularitySource
	Now           func() time.Time
}

type job struct {
	event *metering.UsageEvent
	flush chan error
}

// Engine is the asynchronous aggregation consumer.
type Engine struct {
	repo   Repository
	grans  GranularitySource
	queues []chan job
	flush  time.Duration
	now    func() time.Time
	logger *logger.Logger
}

// NewEngine creates an engine. Call Run to start its workers.
func NewEngine(repo Repository, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	queues := make([]chan job, opts.Workers)
	for i := range queues {
		queues[i] = make(chan job, opts.QueueSize)
	}
	return &Engine{
		repo:   repo,
		grans:  opts.Granularities,
		queues: queues,
		flush:  opts.FlushInterval,
		now:    opts.Now,
		logger: logger.New("aggregation"),
	}
}

func (e *Engine) queueFor(tenantID string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return e.queues[h.Sum32()%uint32(len(e.queues))]
}

// Submit hands ev to its tenant's worker without blocking. It returns false
// when that worker's backlog is full.
func (e *Engine) Submit(ev metering.UsageEvent) bool {
	select {
	case e.queueFor(ev.TenantID) <- job{event: &ev}:
		return true
	default:
		promAggregationEvents.WithLabelValues("dropped").Inc()
		return false
	}
}

func (e *Engine) enqueue(ctx context.Context, tenantID string, j job) error {
	select {
	case e.queueFor(tenantID) <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	done := make(chan struct{}, len(e.queues))
	for i, q := range e.queues {
		go func(id int, q chan job) {
			defer func() { done <- struct{}{} }()
			e.work(ctx, id, q)
		}(i, q)
	}
	for range e.queues {
		<-done
	}
	return nil
}

// dirtyDays tracks, per tenant, the days whose hour buckets changed since
// the last flush. It is owned by a single worker.
type dirtyDays map[string]map[int64]time.Time

func (d dirtyDays) mark(tenantID string, day time.Time) {
	days, ok := d[tenantID]
	if !ok {
		days = make(map[int64]time.Time)
		d[tenantID] = days
	}
	days[day.Unix()] = day
}

func (e *Engine) work(ctx context.Context, id int, q chan job) {
	dirty := make(dirtyDays)
	ticker := time.NewTicker(e.flush)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best effort: derive what is pending with a fresh deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = e.flushDirty(flushCtx, dirty)
			cancel()
			return
		case <-ticker.C:
			if err := e.flushDirty(ctx, dirty); err != nil {
				e.logger.Warn("", "", "Day bucket derivation failed", map[string]interface{}{
					"worker": id,
					"error":  err.Error(),
				})
			}
		case j := <-q:
			if j.event != nil {
				if err := e.apply(ctx, *j.event, dirty); err != nil {
					e.logger.Error(j.event.TenantID, "", "Failed to apply usage event", map[string]interface{}{
						"event_id": j.event.EventID,
						"error":    err.Error(),
					})
				}
			}
			if j.flush != nil {
				j.flush <- e.flushDirty(ctx, dirty)
			}
		}
	}
}

func (e *Engine) apply(ctx context.Context, ev metering.UsageEvent, dirty dirtyDays) error {
	applied, err := e.repo.ApplyEvent(ctx, Hour, ev)
	if err != nil {
		promAggregationEvents.WithLabelValues("error").Inc()
		return err
	}
	if !applied {
		promAggregationEvents.WithLabelValues("duplicate").Inc()
		return nil
	}
	promAggregationEvents.WithLabelValues("applied").Inc()
	if e.enabled(ev.TenantID, Day) {
		dirty.mark(ev.TenantID, Day.Floor(ev.CreatedAt))
	}
	return nil
}

func (e *Engine) flushDirty(ctx context.Context, dirty dirtyDays) error {
	var errs []error
	for tenantID, days := range dirty {
		for key, day := range days {
			if err := e.deriveDay(ctx, tenantID, day); err != nil {
				errs = append(errs, err)
				continue
			}
			delete(days, key)
		}
		if len(days) == 0 {
			delete(dirty, tenantID)
		}
	}
	return errors.Join(errs...)
}

// deriveDay recomputes a day bucket from the hour buckets it spans.
func (e *Engine) deriveDay(ctx context.Context, tenantID string, day time.Time) error {
	hours, err := e.repo.ListBuckets(ctx, tenantID, Hour, day, day.Add(Day.Width()))
	if err != nil {
		return fmt.Errorf("list hour buckets for %s: %w", tenantID, err)
	}
	b := NewBucket(tenantID, Day, day)
	for _, h := range hours {
		b.Merge(h)
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = e.now().UTC()
	}
	if err := e.repo.PutBucket(ctx, b); err != nil {
		return fmt.Errorf("store day bucket for %s: %w", tenantID, err)
	}
	promDayDerivations.Inc()
	return nil
}

// Flush waits until every event submitted before the call is applied and
// all pending day buckets are derived.
func (e *Engine) Flush(ctx context.Context) error {
	replies := make([]chan error, len(e.queues))
	for i, q := range e.queues {
		replies[i] = make(chan error, 1)
		select {
		case q <- job{flush: replies[i]}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var errs []error
	for _, r := range replies {
		select {
		case err := <-r:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

// Reconcile re-reads a tenant's raw events in [from, to) and routes them
// through the tenant's worker. Already applied events are ignored, so it is
// safe to run at any time. It returns the number of events enqueued.
func (e *Engine) Reconcile(ctx context.Context, source EventSource, tenantID string, from, to time.Time) (int, error) {
	events, err := source.ListEvents(ctx, tenantID, from, to)
	if err != nil {
		return 0, err
	}
	for i := range events {
		ev := events[i]
		if err := e.enqueue(ctx, tenantID, job{event: &ev}); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

func (e *Engine) enabled(tenantID string, g Granularity) bool {
	if g == Hour || e.grans == nil {
		return true
	}
	for _, name := range e.grans.Granularities(tenantID) {
		if name == string(g) {
			return true
		}
	}
	return false
}

// GetAggregates returns the tenant's buckets with from <= bucket_start < to,
// sorted by bucket_start ascending. tc must be authorized for tenantID.
func (e *Engine) GetAggregates(ctx context.Context, tc tenancy.TenantContext, tenantID string, from, to time.Time, g Granularity) ([]Bucket, error) {
	if err := tenancy.RequireScope(tc, tenantID); err != nil {
		return nil, err
	}
	if _, err := ParseGranularity(string(g)); err != nil {
		return nil, err
	}
	if !from.Before(to) {
		return nil, ErrInvalidRange
	}
	if !e.enabled(tenantID, g) {
		return nil, fmt.Errorf("%w: %s", ErrGranularityDisabled, g)
	}
	buckets, err := e.repo.ListBuckets(ctx, tenantID, g, g.Floor(from), to)
	if err != nil {
		return nil, err
	}
	for _, b := range buckets {
		if b.TenantID != tenantID {
			e.logger.Error(tenantID, "", "Repository returned a bucket of another tenant", map[string]interface{}{
				"bucket_tenant": b.TenantID,
				"granularity":   string(g),
			})
			return nil, &errkind.AuthorizationError{CallerTenant: tenantID, RequestedTenant: b.TenantID}
		}
	}
	return buckets, nil
}

// CurrentBucket returns the bucket containing now, or an empty one.
func (e *Engine) CurrentBucket(ctx context.Context, tc tenancy.TenantContext, g Granularity) (Bucket, error) {
	if err := tenancy.RequireContext(tc); err != nil {
		return Bucket{}, err
	}
	now := e.now()
	b, found, err := e.repo.GetBucket(ctx, tc.TenantID(), g, now)
	if err != nil {
		return Bucket{}, err
	}
	if !found {
		return NewBucket(tc.TenantID(), g, now), nil
	}
	return b, nil
}

// PurgeBefore removes a tenant's buckets that ended before cutoff.
func (e *Engine) PurgeBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	return e.repo.DeleteBucketsBefore(ctx, tenantID, cutoff)
}
