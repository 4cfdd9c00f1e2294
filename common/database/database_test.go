// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestWithTenantScopeCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT set_config").WithArgs("tenant-a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectCommit()

	var count int
	err = WithTenantScope(context.Background(), db, "tenant-a", func(tx *sql.Tx) error {
		return tx.QueryRow("SELECT COUNT(*) FROM audit_records").Scan(&count)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithTenantScopeRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT set_config").WithArgs("tenant-a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	boom := errors.New("query failed")
	err = WithTenantScope(context.Background(), db, "tenant-a", func(tx *sql.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithTenantScopeRequiresTenant(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	err = WithTenantScope(context.Background(), db, "", func(tx *sql.Tx) error { return nil })
	if !errors.Is(err, ErrEmptyTenant) {
		t.Fatalf("expected ErrEmptyTenant, got %v", err)
	}
}

func TestMigrateRunsEverySchemaStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.MatchExpectationsInOrder(true)
	for range schema {
		mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMigrateStopsOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(".+").WillReturnError(errors.New("permission denied"))

	if err := Migrate(context.Background(), db); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenRejectsEmptyURL(t *testing.T) {
	if _, err := Open(context.Background(), "", DefaultOptions()); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestSchemaForcesRowLevelSecurityOnTenantTables(t *testing.T) {
	var rls string
	for _, stmt := range schema {
		if strings.Contains(stmt, "FORCE ROW LEVEL SECURITY") {
			rls = stmt
		}
	}
	if rls == "" {
		t.Fatal("no statement forces row level security")
	}
	for _, table := range []string{"usage_events", "aggregate_buckets", "applied_events", "audit_records"} {
		if !strings.Contains(rls, "'"+table+"'") {
			t.Errorf("table %s is not covered by the tenant policy", table)
		}
	}
}

func TestListTenants(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT tenant_id FROM tenant_registry").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("acme").AddRow("initech"))

	tenants, err := ListTenants(context.Background(), db)
	if err != nil {
		t.Fatalf("ListTenants failed: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "acme" || tenants[1] != "initech" {
		t.Errorf("tenants = %v", tenants)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
