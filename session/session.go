// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package session tracks conversational sessions per tenant. Sessions carry
// activity counters only; usage metering never depends on them.
package session

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"eagle/metering/tenancy"
)

// DefaultTTL is how long an idle session is kept.
const DefaultTTL = 30 * 24 * time.Hour

var (
	ErrNotFound  = errors.New("session not found")
	ErrNoSession = errors.New("tenant context carries no session or user")
)

// Session is the activity summary of one conversation.
type Session struct {
	TenantID     string    `json:"tenant_id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id,omitempty"`
	MessageCount int64     `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Store persists sessions keyed by tenant and session id.
type Store interface {
	// Touch creates the session of tc if needed, adds messages to its
	// counter and extends its TTL.
	Touch(ctx context.Context, tc tenancy.TenantContext, messages int) (Session, error)
	Get(ctx context.Context, tc tenancy.TenantContext, sessionID string) (Session, error)
	// List returns the live sessions of tenantID, most recently active
	// first. tc must be scoped to tenantID.
	List(ctx context.Context, tc tenancy.TenantContext, tenantID string) ([]Session, error)
}

// sessionID picks the session of tc, falling back to one session per user.
func sessionID(tc tenancy.TenantContext) (string, error) {
	if id := tc.SessionID(); id != "" {
		return id, nil
	}
	if id := tc.UserID(); id != "" {
		return "user-" + id, nil
	}
	return "", ErrNoSession
}

// RedisStore keeps each session in a hash at session:<tenant>:<session>.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a store with ttl, or DefaultTTL when ttl is zero.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func key(tenantID, id string) string {
	return "session:" + tenantID + ":" + id
}

// indexKey is a sorted set of a tenant's session ids scored by last activity.
func indexKey(tenantID string) string {
	return "sessions:" + tenantID
}

func (r *RedisStore) Touch(ctx context.Context, tc tenancy.TenantContext, messages int) (Session, error) {
	if err := tenancy.RequireContext(tc); err != nil {
		return Session{}, err
	}
	id, err := sessionID(tc)
	if err != nil {
		return Session{}, err
	}
	k := key(tc.TenantID(), id)
	now := r.now().UTC().Unix()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, k, "created_at", now)
		pipe.HSet(ctx, k, "tenant_id", tc.TenantID(), "session_id", id, "user_id", tc.UserID(), "last_activity", now)
		pipe.HIncrBy(ctx, k, "message_count", int64(messages))
		pipe.Expire(ctx, k, r.ttl)
		pipe.ZAdd(ctx, indexKey(tc.TenantID()), &redis.Z{Score: float64(now), Member: id})
		pipe.Expire(ctx, indexKey(tc.TenantID()), r.ttl)
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return r.load(ctx, k)
}

func (r *RedisStore) Get(ctx context.Context, tc tenancy.TenantContext, id string) (Session, error) {
	if err := tenancy.RequireContext(tc); err != nil {
		return Session{}, err
	}
	return r.load(ctx, key(tc.TenantID(), id))
}

func (r *RedisStore) List(ctx context.Context, tc tenancy.TenantContext, tenantID string) ([]Session, error) {
	if err := tenancy.RequireScope(tc, tenantID); err != nil {
		return nil, err
	}
	idx := indexKey(tenantID)
	cutoff := r.now().UTC().Add(-r.ttl).Unix()
	if err := r.client.ZRemRangeByScore(ctx, idx, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, err
	}
	ids, err := r.client.ZRevRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.load(ctx, key(tenantID, id))
		if errors.Is(err, ErrNotFound) {
			r.client.ZRem(ctx, idx, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) load(ctx context.Context, k string) (Session, error) {
	fields, err := r.client.HGetAll(ctx, k).Result()
	if err != nil {
		return Session{}, err
	}
	if len(fields) == 0 {
		return Session{}, ErrNotFound
	}
	s := Session{
		TenantID:  fields["tenant_id"],
		SessionID: fields["session_id"],
		UserID:    fields["user_id"],
	}
	s.MessageCount, _ = strconv.ParseInt(fields["message_count"], 10, 64)
	if v, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		s.CreatedAt = time.Unix(v, 0).UTC()
	}
	if v, err := strconv.ParseInt(fields["last_activity"], 10, 64); err == nil {
		s.LastActivity = time.Unix(v, 0).UTC()
	}
	return s, nil
}

// MemoryStore is a process-local Store. Expired sessions are dropped lazily.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates a store with ttl, or DefaultTTL when ttl is zero.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{sessions: make(map[string]Session), ttl: ttl, now: time.Now}
}

func (m *MemoryStore) Touch(_ context.Context, tc tenancy.TenantContext, messages int) (Session, error) {
	if err := tenancy.RequireContext(tc); err != nil {
		return Session{}, err
	}
	id, err := sessionID(tc)
	if err != nil {
		return Session{}, err
	}
	now := m.now().UTC()
	k := key(tc.TenantID(), id)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[k]
	if !ok || now.Sub(s.LastActivity) > m.ttl {
		s = Session{TenantID: tc.TenantID(), SessionID: id, UserID: tc.UserID(), CreatedAt: now}
	}
	s.MessageCount += int64(messages)
	s.LastActivity = now
	m.sessions[k] = s
	return s, nil
}

func (m *MemoryStore) Get(_ context.Context, tc tenancy.TenantContext, id string) (Session, error) {
	if err := tenancy.RequireContext(tc); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key(tc.TenantID(), id)]
	if !ok || m.now().Sub(s.LastActivity) > m.ttl {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) List(_ context.Context, tc tenancy.TenantContext, tenantID string) ([]Session, error) {
	if err := tenancy.RequireScope(tc, tenantID); err != nil {
		return nil, err
	}
	now := m.now()
	m.mu.Lock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if s.TenantID == tenantID && now.Sub(s.LastActivity) <= m.ttl {
			out = append(out, s)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}
