// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eagle/metering/common/retry"
	"eagle/metering/common/spool"
	"eagle/metering/shared/errkind"
	"eagle/metering/tenancy"
)

type recordingSink struct {
	mu     sync.Mutex
	events []UsageEvent
}

func (s *recordingSink) Submit(ev UsageEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type brokenSpool struct{}

func (brokenSpool) Append(interface{}) error { return errors.New("disk full") }
func (brokenSpool) Drain(context.Context, func(context.Context, json.RawMessage) error) (int, error) {
	return 0, nil
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffFactor: 2}
}

func interaction(id string, tokensIn int64) Interaction {
	return Interaction{
		InteractionID: id,
		MessageCount:  2,
		TokensIn:      tokensIn,
		TokensOut:     20,
		LatencyMS:     120,
		Outcome:       OutcomeSuccess,
		Model:         "anthropic.claude-3-haiku-20240307-v1:0",
	}
}

func TestEventIDIsDeterministicPerTenant(t *testing.T) {
	assert.Equal(t, EventIDFor("t1", "i-1"), EventIDFor("t1", "i-1"))
	assert.NotEqual(t, EventIDFor("t1", "i-1"), EventIDFor("t2", "i-1"))
	assert.NotEqual(t, EventIDFor("t1", "i-1"), EventIDFor("t1", "i-2"))
}

func TestRecordIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	sink := &recordingSink{}
	e := NewEmitter(store, Options{Retry: fastRetry(), Sink: sink})
	tc := tenancy.NewContextForTesting("t1", "req-1", time.Now())

	first, err := e.Record(context.Background(), tc, interaction("i-1", 100))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := e.Record(context.Background(), tc, interaction("i-1", 100))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.EventID, second.Event.EventID)
	assert.Equal(t, first.Event.CreatedAt, second.Event.CreatedAt)

	events, err := store.ListEvents(context.Background(), "t1", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecordRequiresTenantContext(t *testing.T) {
	e := NewEmitter(NewMemoryStore(), Options{Retry: fastRetry()})
	_, err := e.Record(context.Background(), tenancy.TenantContext{}, interaction("i-1", 1))
	assert.True(t, errkind.IsIdentity(err))
}

func TestRecordRejectsInvalidInteraction(t *testing.T) {
	e := NewEmitter(NewMemoryStore(), Options{Retry: fastRetry()})
	tc := tenancy.NewContextForTesting("t1", "req-1", time.Now())

	bad := interaction("i-1", 1)
	bad.Outcome = "crashed"
	_, err := e.Record(context.Background(), tc, bad)
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	neg := interaction("i-2", -1)
	_, err = e.Record(context.Background(), tc, neg)
	assert.ErrorIs(t, err, ErrNegativeUsage)
}

func TestRecordComputesCost(t *testing.T) {
	e := NewEmitter(NewMemoryStore(), Options{Retry: fastRetry()})
	tc := tenancy.NewContextForTesting("t1", "req-1", time.Now())

	r, err := e.Record(context.Background(), tc, Interaction{
		InteractionID: "i-1", TokensIn: 1000, TokensOut: 1000,
		Outcome: OutcomeSuccess, Model: "anthropic.claude-3-haiku-20240307-v1:0",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.0015, r.Event.CostUSD, 1e-9)
}

func TestRecordSpoolsWhenStoreIsDown(t *testing.T) {
	store := NewMemoryStore()
	store.FailWith(errors.New("connection refused"))
	sp, err := spool.Open(t.TempDir(), "usage.spool")
	require.NoError(t, err)
	defer sp.Close()

	sink := &recordingSink{}
	e := NewEmitter(store, Options{Retry: fastRetry(), Spool: sp, Sink: sink})
	tc := tenancy.NewContextForTesting("t1", "req-1", time.Now())

	r, err := e.Record(context.Background(), tc, interaction("i-1", 100))
	require.NoError(t, err)
	assert.True(t, r.Spooled)
	assert.Equal(t, 0, sink.count())

	pending, err := sp.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// Replay while the store is still down keeps the entry.
	n, err := e.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	store.FailWith(nil)
	n, err = e.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sink.count())

	pending, err = sp.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	stored, err := store.GetEvent(context.Background(), "t1", r.Event.EventID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.TokensIn)
}

func TestRecordReportsDataLossRisk(t *testing.T) {
	store := NewMemoryStore()
	store.FailWith(errors.New("connection refused"))
	e := NewEmitter(store, Options{Retry: fastRetry(), Spool: brokenSpool{}})
	tc := tenancy.NewContextForTesting("t1", "req-1", time.Now())

	_, err := e.Record(context.Background(), tc, interaction("i-1", 100))
	var storageErr *errkind.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.True(t, storageErr.DataLossRisk())
}

type countingStore struct {
	*MemoryStore
	mu    sync.Mutex
	saves int
	err   error
}

func (c *countingStore) SaveEvent(ctx context.Context, ev *UsageEvent) (bool, error) {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	return c.MemoryStore.SaveEvent(ctx, ev)
}

func TestRecordDoesNotRetryDefinitiveFailures(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(), err: &errkind.IdentityError{Reason: "missing_tenant_context"}}
	e := NewEmitter(store, Options{Retry: fastRetry()})

	_, err := e.Record(context.Background(), tenancy.NewContextForTesting("t1", "req-1", time.Now()), interaction("i-1", 10))
	require.Error(t, err)
	assert.Equal(t, 1, store.saves)

	store.err = errors.New("connection refused")
	_, err = e.Record(context.Background(), tenancy.NewContextForTesting("t1", "req-2", time.Now()), interaction("i-2", 10))
	require.Error(t, err)
	assert.Equal(t, 1+fastRetry().MaxAttempts, store.saves)
}

func TestDuplicateResubmitsStoredEvent(t *testing.T) {
	store := NewMemoryStore()
	sink := &recordingSink{}
	e := NewEmitter(store, Options{Retry: fastRetry(), Sink: sink})
	tc := tenancy.NewContextForTesting("t1", "req-1", time.Now())

	_, err := e.Record(context.Background(), tc, interaction("i-1", 100))
	require.NoError(t, err)
	r, err := e.Record(context.Background(), tc, interaction("i-1", 999))
	require.NoError(t, err)

	assert.True(t, r.Duplicate)
	assert.Equal(t, int64(100), r.Event.TokensIn)
	require.Equal(t, 2, sink.count())
	assert.Equal(t, sink.events[0].EventID, sink.events[1].EventID)
}

func TestMemoryStoreIsTenantScoped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	for _, tenant := range []string{"a", "b"} {
		_, err := store.SaveEvent(ctx, &UsageEvent{
			EventID: EventIDFor(tenant, "i-1"), TenantID: tenant, InteractionID: "i-1",
			Outcome: OutcomeSuccess, CreatedAt: now,
		})
		require.NoError(t, err)
	}

	events, err := store.ListEvents(ctx, "a", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].TenantID)

	_, err = store.GetEvent(ctx, "a", EventIDFor("b", "i-1"))
	assert.ErrorIs(t, err, ErrEventNotFound)
}
