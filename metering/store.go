// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"sort"
	"sync"
	"time"
)

// EventStore is the durable home of usage events. SaveEvent must be
// idempotent on EventID: inserted is false when the event already existed.
type EventStore interface {
	SaveEvent(ctx context.Context, ev *UsageEvent) (inserted bool, err error)
	GetEvent(ctx context.Context, tenantID, eventID string) (*UsageEvent, error)
	ListEvents(ctx context.Context, tenantID string, from, to time.Time) ([]UsageEvent, error)
	DeleteEventsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
}

// MemoryStore is an in-process EventStore used in tests and single-node
// development runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]UsageEvent
	fail   error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]UsageEvent)}
}

// FailWith makes every subsequent call return err until cleared with nil.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *MemoryStore) SaveEvent(_ context.Context, ev *UsageEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	if _, ok := m.events[ev.EventID]; ok {
		return false, nil
	}
	m.events[ev.EventID] = *ev
	return true, nil
}

func (m *MemoryStore) GetEvent(_ context.Context, tenantID, eventID string) (*UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	ev, ok := m.events[eventID]
	if !ok || ev.TenantID != tenantID {
		return nil, ErrEventNotFound
	}
	return &ev, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, tenantID string, from, to time.Time) ([]UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []UsageEvent
	for _, ev := range m.events {
		if ev.TenantID != tenantID {
			continue
		}
		if ev.CreatedAt.Before(from) || !ev.CreatedAt.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteEventsBefore(_ context.Context, tenantID string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	var n int64
	for id, ev := range m.events {
		if ev.TenantID == tenantID && ev.CreatedAt.Before(cutoff) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

// TenantIDs returns the tenants holding at least one event, sorted.
func (m *MemoryStore) TenantIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	seen := make(map[string]struct{})
	for _, ev := range m.events {
		seen[ev.TenantID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
