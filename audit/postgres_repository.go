// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"eagle/metering/common/database"
)

// PostgresRepository stores records in audit_records.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Insert(ctx context.Context, r Record) error {
	detail, err := json.Marshal(r.Detail)
	if err != nil {
		return fmt.Errorf("failed to encode audit detail: %w", err)
	}
	if r.Detail == nil {
		detail = []byte("{}")
	}
	return database.WithTenantScope(ctx, p.db, r.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_records (record_id, tenant_id, actor, action, timestamp, detail)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (record_id) DO NOTHING`,
			r.RecordID, r.TenantID, r.Actor, r.Action, r.Timestamp, detail)
		if err != nil {
			return fmt.Errorf("failed to insert audit record: %w", err)
		}
		return nil
	})
}

func (p *PostgresRepository) Query(ctx context.Context, tenantID string, f Filter) ([]Record, error) {
	query := `
		SELECT record_id, tenant_id, actor, action, timestamp, detail
		FROM audit_records
		WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	argIndex := 2

	if !f.From.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIndex)
		args = append(args, f.From)
		argIndex++
	}
	if !f.To.IsZero() {
		query += fmt.Sprintf(" AND timestamp < $%d", argIndex)
		args = append(args, f.To)
		argIndex++
	}
	if len(f.Actions) > 0 {
		query += fmt.Sprintf(" AND action = ANY($%d)", argIndex)
		args = append(args, pq.Array(f.Actions))
	}
	query += " ORDER BY timestamp ASC, seq ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var out []Record
	err := database.WithTenantScope(ctx, p.db, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query audit records: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r      Record
				detail []byte
			)
			if err := rows.Scan(&r.RecordID, &r.TenantID, &r.Actor, &r.Action, &r.Timestamp, &detail); err != nil {
				return fmt.Errorf("failed to scan audit record: %w", err)
			}
			if len(detail) > 0 {
				if err := json.Unmarshal(detail, &r.Detail); err != nil {
					return fmt.Errorf("failed to decode audit detail: %w", err)
				}
			}
			r.Timestamp = r.Timestamp.UTC()
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (p *PostgresRepository) DeleteBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	var n int64
	err := database.WithTenantScope(ctx, p.db, tenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM audit_records WHERE tenant_id = $1 AND timestamp < $2`, tenantID, cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge audit records: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// TenantIDs lists every tenant the database has seen.
func (p *PostgresRepository) TenantIDs(ctx context.Context) ([]string, error) {
	return database.ListTenants(ctx, p.db)
}
