// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package metering turns the observed outcome of an interaction into exactly
// one durable UsageEvent.
//
// Event ids are derived from (tenant_id, interaction_id), so a repeated call
// for the same interaction lands on the same row and is counted once. Store
// failures are retried with a bounded backoff; when the budget is exhausted
// the event goes to the local spool and is replayed later.
package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eagle/metering/common/retry"
	"eagle/metering/shared/errkind"
	"eagle/metering/shared/logger"
	"eagle/metering/tenancy"
)

// EventSink receives events once they are durable. Submit must not block.
type EventSink interface {
	Submit(ev UsageEvent) bool
}

// Spooler is the local fallback queue.
type Spooler interface {
	Append(v interface{}) error
	Drain(ctx context.Context, fn func(ctx context.Context, raw json.RawMessage) error) (int, error)
}

// Receipt describes what Record did with an interaction.
type Receipt struct {
	Event     UsageEvent
	Duplicate bool
	Spooled   bool
}

// Options configures an Emitter.
type Options struct {
	Retry   retry.Policy
	Spool   Spooler
	Sink    EventSink
	Pricing *PricingTable
	Now     func() time.Time
}

// Emitter records usage events.
type Emitter struct {
	store   EventStore
	retry   retry.Policy
	spool   Spooler
	sink    EventSink
	pricing *PricingTable
	now     func() time.Time
	logger  *logger.Logger
}

// NewEmitter creates an emitter writing to store.
func NewEmitter(store EventStore, opts Options) *Emitter {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Retry.RetryIf == nil {
		opts.Retry.RetryIf = errkind.Retryable
	}
	if opts.Pricing == nil {
		opts.Pricing = NewPricingTable()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Emitter{
		store:   store,
		retry:   opts.Retry,
		spool:   opts.Spool,
		sink:    opts.Sink,
		pricing: opts.Pricing,
		now:     opts.Now,
		logger:  logger.New("metering"),
	}
}

// Record writes the usage event of one completed interaction.
//
// A repeated interaction returns the stored event with Duplicate set. When
// the store stays unavailable the event is spooled and Record still succeeds;
// only a failed spool write is reported, as a StorageError with data-loss risk.
func (e *Emitter) Record(ctx context.Context, tc tenancy.TenantContext, in Interaction) (Receipt, error) {
	if err := tenancy.RequireContext(tc); err != nil {
		return Receipt{}, err
	}
	if err := in.Validate(); err != nil {
		return Receipt{}, err
	}

	ev := UsageEvent{
		EventID:       EventIDFor(tc.TenantID(), in.InteractionID),
		TenantID:      tc.TenantID(),
		InteractionID: in.InteractionID,
		MessageCount:  in.MessageCount,
		TokensIn:      in.TokensIn,
		TokensOut:     in.TokensOut,
		LatencyMS:     in.LatencyMS,
		Outcome:       in.Outcome,
		Model:         in.Model,
		CostUSD:       e.pricing.Cost(in.Model, in.TokensIn, in.TokensOut),
		CreatedAt:     e.now().UTC(),
	}

	var inserted bool
	err := retry.Do(ctx, e.retry, func(ctx context.Context) error {
		var err error
		inserted, err = e.store.SaveEvent(ctx, &ev)
		return err
	})
	if err == nil {
		return e.afterSave(ctx, tc, ev, inserted), nil
	}

	e.logger.Warn(ev.TenantID, tc.RequestID(), "Usage event write failed, spooling", map[string]interface{}{
		"event_id": ev.EventID,
		"error":    err.Error(),
	})
	if e.spool == nil {
		promUsageEvents.WithLabelValues(string(ev.Outcome), "lost").Inc()
		return Receipt{Event: ev}, &errkind.StorageError{Op: "save_event", Err: err, SpoolErr: errors.New("no spool configured")}
	}
	if spoolErr := e.spool.Append(ev); spoolErr != nil {
		promUsageEvents.WithLabelValues(string(ev.Outcome), "lost").Inc()
		e.logger.Error(ev.TenantID, tc.RequestID(), "Usage event lost: spool unavailable", map[string]interface{}{
			"event_id": ev.EventID,
			"error":    spoolErr.Error(),
		})
		return Receipt{Event: ev}, &errkind.StorageError{Op: "save_event", Err: err, SpoolErr: spoolErr}
	}
	promUsageEvents.WithLabelValues(string(ev.Outcome), "spooled").Inc()
	return Receipt{Event: ev, Spooled: true}, nil
}

func (e *Emitter) afterSave(ctx context.Context, tc tenancy.TenantContext, ev UsageEvent, inserted bool) Receipt {
	if inserted {
		promUsageEvents.WithLabelValues(string(ev.Outcome), "inserted").Inc()
		e.submit(ev)
		return Receipt{Event: ev}
	}

	promUsageEvents.WithLabelValues(string(ev.Outcome), "duplicate").Inc()
	stored, err := e.store.GetEvent(ctx, ev.TenantID, ev.EventID)
	if err != nil {
		e.logger.Warn(ev.TenantID, tc.RequestID(), "Could not load stored duplicate event", map[string]interface{}{
			"event_id": ev.EventID,
			"error":    err.Error(),
		})
		return Receipt{Event: ev, Duplicate: true}
	}
	// Resubmitting is safe: aggregation deduplicates by event_id, and it
	// covers a crash between the first insert and its submission.
	e.submit(*stored)
	return Receipt{Event: *stored, Duplicate: true}
}

func (e *Emitter) submit(ev UsageEvent) {
	if e.sink == nil {
		return
	}
	if !e.sink.Submit(ev) {
		promSinkDropped.Inc()
		e.logger.Warn(ev.TenantID, "", "Aggregation backlog full, event left for reconciliation", map[string]interface{}{
			"event_id": ev.EventID,
		})
	}
}

// Replay re-drives spooled events into the store. Entries that still fail
// stay in the spool. It returns the number of events replayed.
func (e *Emitter) Replay(ctx context.Context) (int, error) {
	if e.spool == nil {
		return 0, nil
	}
	n, err := e.spool.Drain(ctx, func(ctx context.Context, raw json.RawMessage) error {
		var ev UsageEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			// A corrupt line can never succeed; drop it rather than block the spool.
			e.logger.Error("", "", "Discarding unreadable spooled event", map[string]interface{}{"error": err.Error()})
			return nil
		}
		inserted, err := e.store.SaveEvent(ctx, &ev)
		if err != nil {
			return fmt.Errorf("replay %s: %w", ev.EventID, err)
		}
		if inserted {
			e.submit(ev)
		}
		return nil
	})
	if n > 0 {
		promSpoolReplayed.Add(float64(n))
		e.logger.Info("", "", "Replayed spooled usage events", map[string]interface{}{"count": n})
	}
	return n, err
}
