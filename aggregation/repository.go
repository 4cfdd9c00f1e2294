// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package aggregation

import (
	"context"
	"sort"
	"sync"
	"time"

	"eagle/metering/metering"
)

// Repository stores aggregate buckets and the per-bucket record of applied
// event ids.
type Repository interface {
	// ApplyEvent folds ev into the (tenant, g, floor(created_at)) bucket
	// unless that event was already applied to it.
	ApplyEvent(ctx context.Context, g Granularity, ev metering.UsageEvent) (applied bool, err error)
	// PutBucket replaces a bucket wholesale. Derived day buckets use it.
	PutBucket(ctx context.Context, b Bucket) error
	GetBucket(ctx context.Context, tenantID string, g Granularity, start time.Time) (Bucket, bool, error)
	// ListBuckets returns buckets with from <= bucket_start < to, ascending.
	ListBuckets(ctx context.Context, tenantID string, g Granularity, from, to time.Time) ([]Bucket, error)
	DeleteBucketsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
}

type bucketKey struct {
	tenantID    string
	granularity Granularity
	start       int64
}

type memoryBucket struct {
	bucket  Bucket
	applied map[string]struct{}
}

// MemoryRepository keeps buckets in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*memoryBucket
	now     func() time.Time
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{buckets: make(map[bucketKey]*memoryBucket), now: time.Now}
}

func (r *MemoryRepository) ApplyEvent(_ context.Context, g Granularity, ev metering.UsageEvent) (bool, error) {
	start := g.Floor(ev.CreatedAt)
	key := bucketKey{ev.TenantID, g, start.Unix()}

	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.buckets[key]
	if !ok {
		mb = &memoryBucket{bucket: NewBucket(ev.TenantID, g, start), applied: make(map[string]struct{})}
		r.buckets[key] = mb
	}
	if _, dup := mb.applied[ev.EventID]; dup {
		return false, nil
	}
	mb.applied[ev.EventID] = struct{}{}
	mb.bucket.Apply(ev)
	mb.bucket.UpdatedAt = r.now().UTC()
	return true, nil
}

func (r *MemoryRepository) PutBucket(_ context.Context, b Bucket) error {
	key := bucketKey{b.TenantID, b.Granularity, b.BucketStart.Unix()}
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.buckets[key]
	if !ok {
		mb = &memoryBucket{applied: make(map[string]struct{})}
		r.buckets[key] = mb
	}
	mb.bucket = b.Clone()
	return nil
}

func (r *MemoryRepository) GetBucket(_ context.Context, tenantID string, g Granularity, start time.Time) (Bucket, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.buckets[bucketKey{tenantID, g, g.Floor(start).Unix()}]
	if !ok {
		return Bucket{}, false, nil
	}
	return mb.bucket.Clone(), true, nil
}

func (r *MemoryRepository) ListBuckets(_ context.Context, tenantID string, g Granularity, from, to time.Time) ([]Bucket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Bucket
	for key, mb := range r.buckets {
		if key.tenantID != tenantID || key.granularity != g {
			continue
		}
		start := mb.bucket.BucketStart
		if start.Before(from) || !start.Before(to) {
			continue
		}
		out = append(out, mb.bucket.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

func (r *MemoryRepository) DeleteBucketsBefore(_ context.Context, tenantID string, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key, mb := range r.buckets {
		if key.tenantID == tenantID && !mb.bucket.BucketStart.Add(key.granularity.Width()).After(cutoff) {
			delete(r.buckets, key)
			n++
		}
	}
	return n, nil
}
