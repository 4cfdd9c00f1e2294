// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisWindow is a sliding-window WindowStore shared by all instances. Each
// tenant has one sorted set of attempt timestamps.
type RedisWindow struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisWindow creates a window store on client.
func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client, prefix: "admission", now: time.Now}
}

// NewRedisClient parses url (redis://host:port/db) and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (w *RedisWindow) key(tenantID string) string {
	return fmt.Sprintf("%s:%s", w.prefix, tenantID)
}

// Allow implements WindowStore. The attempt is recorded only when it fits.
func (w *RedisWindow) Allow(ctx context.Context, tenantID string, limit int, window time.Duration) (bool, error) {
	now := w.now()
	key := w.key(tenantID)
	minScore := now.Add(-window).UnixNano()

	pipe := w.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis window check failed: %w", err)
	}
	if card.Val() >= int64(limit) {
		return false, nil
	}

	pipe = w.client.Pipeline()
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	})
	pipe.Expire(ctx, key, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis window record failed: %w", err)
	}
	return true, nil
}

// Count returns the attempts recorded in the current window.
func (w *RedisWindow) Count(ctx context.Context, tenantID string, window time.Duration) (int64, error) {
	minScore := w.now().Add(-window).UnixNano()
	n, err := w.client.ZCount(ctx, w.key(tenantID), fmt.Sprintf("%d", minScore), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count window: %w", err)
	}
	return n, nil
}
