// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package aggregation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eagle/metering/common/database"
	"eagle/metering/metering"
)

// PostgresRepository keeps buckets in aggregate_buckets and deduplicates
// events through the applied_events table.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

const bucketColumns = `tenant_id, granularity, bucket_start, message_count, tokens_in, tokens_out,
	invocation_count, failure_count, timeout_count, cost_usd, latency_histogram,
	p50_latency_ms, p99_latency_ms, updated_at`

func (r *PostgresRepository) ApplyEvent(ctx context.Context, g Granularity, ev metering.UsageEvent) (bool, error) {
	start := g.Floor(ev.CreatedAt)
	var applied bool
	err := database.WithTenantScope(ctx, r.db, ev.TenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO applied_events (event_id, granularity, tenant_id, bucket_start)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id, granularity) DO NOTHING`,
			ev.EventID, string(g), ev.TenantID, start)
		if err != nil {
			return fmt.Errorf("failed to record applied event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		b, found, err := selectBucket(ctx, tx, ev.TenantID, g, start, true)
		if err != nil {
			return err
		}
		if !found {
			b = NewBucket(ev.TenantID, g, start)
		}
		b.Apply(ev)
		b.UpdatedAt = r.now().UTC()
		if err := upsertBucket(ctx, tx, b); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *PostgresRepository) PutBucket(ctx context.Context, b Bucket) error {
	return database.WithTenantScope(ctx, r.db, b.TenantID, func(tx *sql.Tx) error {
		return upsertBucket(ctx, tx, b)
	})
}

func (r *PostgresRepository) GetBucket(ctx context.Context, tenantID string, g Granularity, start time.Time) (Bucket, bool, error) {
	var (
		b     Bucket
		found bool
	)
	err := database.WithTenantScope(ctx, r.db, tenantID, func(tx *sql.Tx) error {
		var err error
		b, found, err = selectBucket(ctx, tx, tenantID, g, g.Floor(start), false)
		return err
	})
	return b, found, err
}

func (r *PostgresRepository) ListBuckets(ctx context.Context, tenantID string, g Granularity, from, to time.Time) ([]Bucket, error) {
	var out []Bucket
	err := database.WithTenantScope(ctx, r.db, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+bucketColumns+`
			FROM aggregate_buckets
			WHERE tenant_id = $1 AND granularity = $2 AND bucket_start >= $3 AND bucket_start < $4
			ORDER BY bucket_start ASC`, tenantID, string(g), from, to)
		if err != nil {
			return fmt.Errorf("failed to query buckets: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			b, err := scanBucket(rows)
			if err != nil {
				return err
			}
			out = append(out, b)
		}
		return rows.Err()
	})
	return out, err
}

func (r *PostgresRepository) DeleteBucketsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	var n int64
	err := database.WithTenantScope(ctx, r.db, tenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM aggregate_buckets
			WHERE tenant_id = $1
			  AND ((granularity = 'hour' AND bucket_start <= $2) OR (granularity = 'day' AND bucket_start <= $3))`,
			tenantID, cutoff.Add(-Hour.Width()), cutoff.Add(-Day.Width()))
		if err != nil {
			return fmt.Errorf("failed to purge buckets: %w", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM applied_events WHERE tenant_id = $1 AND bucket_start <= $2`,
			tenantID, cutoff.Add(-Hour.Width())); err != nil {
			return fmt.Errorf("failed to purge applied events: %w", err)
		}
		return nil
	})
	return n, err
}

func selectBucket(ctx context.Context, tx *sql.Tx, tenantID string, g Granularity, start time.Time, forUpdate bool) (Bucket, bool, error) {
	query := `SELECT ` + bucketColumns + `
		FROM aggregate_buckets
		WHERE tenant_id = $1 AND granularity = $2 AND bucket_start = $3`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBucket(tx.QueryRowContext(ctx, query, tenantID, string(g), start))
	if errors.Is(err, sql.ErrNoRows) {
		return Bucket{}, false, nil
	}
	if err != nil {
		return Bucket{}, false, err
	}
	return b, true, nil
}

func upsertBucket(ctx context.Context, tx *sql.Tx, b Bucket) error {
	hist, err := json.Marshal(b.Latency)
	if err != nil {
		return fmt.Errorf("failed to encode latency histogram: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO aggregate_buckets (`+bucketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tenant_id, granularity, bucket_start) DO UPDATE SET
			message_count = EXCLUDED.message_count,
			tokens_in = EXCLUDED.tokens_in,
			tokens_out = EXCLUDED.tokens_out,
			invocation_count = EXCLUDED.invocation_count,
			failure_count = EXCLUDED.failure_count,
			timeout_count = EXCLUDED.timeout_count,
			cost_usd = EXCLUDED.cost_usd,
			latency_histogram = EXCLUDED.latency_histogram,
			p50_latency_ms = EXCLUDED.p50_latency_ms,
			p99_latency_ms = EXCLUDED.p99_latency_ms,
			updated_at = EXCLUDED.updated_at`,
		b.TenantID, string(b.Granularity), b.BucketStart, b.MessageCount, b.TokensIn, b.TokensOut,
		b.InvocationCount, b.FailureCount, b.TimeoutCount, b.CostUSD, hist,
		b.P50LatencyMS, b.P99LatencyMS, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert bucket: %w", err)
	}
	return nil
}

func scanBucket(row interface{ Scan(...interface{}) error }) (Bucket, error) {
	var (
		b    Bucket
		g    string
		hist []byte
	)
	if err := row.Scan(&b.TenantID, &g, &b.BucketStart, &b.MessageCount, &b.TokensIn, &b.TokensOut,
		&b.InvocationCount, &b.FailureCount, &b.TimeoutCount, &b.CostUSD, &hist,
		&b.P50LatencyMS, &b.P99LatencyMS, &b.UpdatedAt); err != nil {
		return Bucket{}, err
	}
	b.Granularity = Granularity(g)
	b.BucketStart = b.BucketStart.UTC()
	b.Latency = NewLatencySketch()
	if len(hist) > 0 {
		if err := json.Unmarshal(hist, b.Latency); err != nil {
			return Bucket{}, fmt.Errorf("failed to decode latency histogram: %w", err)
		}
	}
	return b, nil
}
