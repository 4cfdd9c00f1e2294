// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository is the append-only durable home of audit records. Insert is
// idempotent on RecordID so spooled records can be replayed.
type Repository interface {
	Insert(ctx context.Context, r Record) error
	// Query returns records ordered by timestamp ascending.
	Query(ctx context.Context, tenantID string, f Filter) ([]Record, error)
	// DeleteBefore removes records with timestamp < cutoff. Only the
	// retention sweep calls it.
	DeleteBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
}

// MemoryRepository keeps records in process memory, in append order per tenant.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string][]Record
	ids     map[string]struct{}
	fail    error
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string][]Record), ids: make(map[string]struct{})}
}

// FailWith makes writes fail with err until cleared with nil.
func (m *MemoryRepository) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *MemoryRepository) Insert(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.ids[r.RecordID]; ok {
		return nil
	}
	m.ids[r.RecordID] = struct{}{}
	m.records[r.TenantID] = append(m.records[r.TenantID], r)
	return nil
}

func (m *MemoryRepository) Query(_ context.Context, tenantID string, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records[tenantID] {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) DeleteBefore(_ context.Context, tenantID string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	kept := m.records[tenantID][:0]
	var n int64
	for _, r := range m.records[tenantID] {
		if r.Timestamp.Before(cutoff) {
			delete(m.ids, r.RecordID)
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records[tenantID] = kept
	return n, nil
}

// TenantIDs returns the tenants holding at least one record, sorted.
func (m *MemoryRepository) TenantIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	out := make([]string, 0, len(m.records))
	for id, records := range m.records {
		if len(records) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
