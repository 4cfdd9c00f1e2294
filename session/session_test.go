// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eagle/metering/shared/errkind"
	"eagle/metering/tenancy"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisTouchAccumulatesAndExpires(t *testing.T) {
	mr, client := newRedis(t)
	store := NewRedisStore(client, time.Hour)
	ctx := context.Background()
	tc := tenancy.NewUserContextForTesting("t1", "req-1", "alice", "s-1")

	_, err := store.Touch(ctx, tc, 2)
	require.NoError(t, err)
	s, err := store.Touch(ctx, tc, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.MessageCount)
	assert.Equal(t, "alice", s.UserID)
	assert.False(t, s.CreatedAt.IsZero())

	assert.Equal(t, time.Hour, mr.TTL("session:t1:s-1"))

	mr.FastForward(2 * time.Hour)
	_, err = store.Get(ctx, tc, "s-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisSessionsAreTenantScoped(t *testing.T) {
	_, client := newRedis(t)
	store := NewRedisStore(client, 0)
	ctx := context.Background()

	_, err := store.Touch(ctx, tenancy.NewUserContextForTesting("t1", "r", "u", "shared"), 1)
	require.NoError(t, err)

	_, err = store.Get(ctx, tenancy.NewUserContextForTesting("t2", "r", "u", ""), "shared")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTouchWithoutIdentity(t *testing.T) {
	store := NewMemoryStore(0)
	_, err := store.Touch(context.Background(), tenancy.NewContextForTesting("t1", "r", time.Now()), 1)
	assert.ErrorIs(t, err, ErrNoSession)

	s, err := store.Touch(context.Background(), tenancy.NewUserContextForTesting("t1", "r", "bob", ""), 1)
	require.NoError(t, err)
	assert.Equal(t, "user-bob", s.SessionID)
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(time.Hour)
	store.now = func() time.Time { return now }
	tc := tenancy.NewUserContextForTesting("t1", "r", "u", "s")

	_, err := store.Touch(context.Background(), tc, 4)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = store.Get(context.Background(), tc, "s")
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := store.Touch(context.Background(), tc, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.MessageCount)
}

func TestRedisListIsTenantScopedAndOrdered(t *testing.T) {
	mr, client := newRedis(t)
	store := NewRedisStore(client, time.Hour)
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := store.Touch(ctx, tenancy.NewUserContextForTesting("t1", "r", "alice", "s-old"), 1)
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = store.Touch(ctx, tenancy.NewUserContextForTesting("t1", "r", "bob", "s-new"), 2)
	require.NoError(t, err)
	_, err = store.Touch(ctx, tenancy.NewUserContextForTesting("t2", "r", "carol", "s-other"), 1)
	require.NoError(t, err)

	caller := tenancy.NewContextForTesting("t1", "r", now)
	sessions, err := store.List(ctx, caller, "t1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s-new", sessions[0].SessionID)
	assert.Equal(t, "s-old", sessions[1].SessionID)

	// A session whose hash expired drops out of the index.
	mr.Del("session:t1:s-old")
	sessions, err = store.List(ctx, caller, "t1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	_, err = store.List(ctx, caller, "t2")
	assert.True(t, errkind.IsAuthorization(err))
}

func TestMemoryListSkipsExpiredAndOtherTenants(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(time.Hour)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := store.Touch(ctx, tenancy.NewUserContextForTesting("t1", "r", "u1", "stale"), 1)
	require.NoError(t, err)
	now = now.Add(90 * time.Minute)
	_, err = store.Touch(ctx, tenancy.NewUserContextForTesting("t1", "r", "u2", "live"), 1)
	require.NoError(t, err)
	_, err = store.Touch(ctx, tenancy.NewUserContextForTesting("t2", "r", "u3", "theirs"), 1)
	require.NoError(t, err)

	sessions, err := store.List(ctx, tenancy.NewContextForTesting("t1", "r", now), "t1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "live", sessions[0].SessionID)

	_, err = store.List(ctx, tenancy.NewContextForTesting("t2", "r", now), "t1")
	assert.True(t, errkind.IsAuthorization(err))
}
