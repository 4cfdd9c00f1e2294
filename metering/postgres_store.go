// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"eagle/metering/common/database"
)

// PostgresStore persists usage events in the usage_events table. Every
// statement runs inside a tenant-scoped transaction so row-level security
// applies in addition to the explicit tenant_id predicates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveEvent(ctx context.Context, ev *UsageEvent) (bool, error) {
	var inserted bool
	err := database.WithTenantScope(ctx, s.db, ev.TenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO usage_events (
				event_id, tenant_id, interaction_id, message_count, tokens_in,
				tokens_out, latency_ms, outcome, model, cost_usd, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (event_id) DO NOTHING`,
			ev.EventID, ev.TenantID, ev.InteractionID, ev.MessageCount, ev.TokensIn,
			ev.TokensOut, ev.LatencyMS, string(ev.Outcome), ev.Model, ev.CostUSD, ev.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert usage event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read insert result: %w", err)
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

func (s *PostgresStore) GetEvent(ctx context.Context, tenantID, eventID string) (*UsageEvent, error) {
	var ev UsageEvent
	err := database.WithTenantScope(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT event_id, tenant_id, interaction_id, message_count, tokens_in,
			       tokens_out, latency_ms, outcome, model, cost_usd, created_at
			FROM usage_events
			WHERE tenant_id = $1 AND event_id = $2`, tenantID, eventID)
		return scanEvent(row, &ev)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, tenantID string, from, to time.Time) ([]UsageEvent, error) {
	var out []UsageEvent
	err := database.WithTenantScope(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT event_id, tenant_id, interaction_id, message_count, tokens_in,
			       tokens_out, latency_ms, outcome, model, cost_usd, created_at
			FROM usage_events
			WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
			ORDER BY created_at ASC, event_id ASC`, tenantID, from, to)
		if err != nil {
			return fmt.Errorf("failed to query usage events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var ev UsageEvent
			if err := scanEvent(rows, &ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) DeleteEventsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	var n int64
	err := database.WithTenantScope(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM usage_events WHERE tenant_id = $1 AND created_at < $2`, tenantID, cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge usage events: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner, ev *UsageEvent) error {
	var outcome string
	var model sql.NullString
	if err := row.Scan(&ev.EventID, &ev.TenantID, &ev.InteractionID, &ev.MessageCount,
		&ev.TokensIn, &ev.TokensOut, &ev.LatencyMS, &outcome, &model, &ev.CostUSD, &ev.CreatedAt); err != nil {
		return err
	}
	ev.Outcome = Outcome(outcome)
	ev.Model = model.String
	return nil
}

// TenantIDs lists every tenant the database has seen.
func (s *PostgresStore) TenantIDs(ctx context.Context) ([]string, error) {
	return database.ListTenants(ctx, s.db)
}
