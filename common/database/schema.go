// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package database

var schema = []string{
	`CREATE TABLE IF NOT EXISTS usage_events (
		event_id       UUID PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		interaction_id TEXT NOT NULL,
		message_count  INTEGER NOT NULL DEFAULT 0,
		tokens_in      BIGINT NOT NULL DEFAULT 0,
		tokens_out     BIGINT NOT NULL DEFAULT 0,
		latency_ms     BIGINT NOT NULL DEFAULT 0,
		outcome        TEXT NOT NULL,
		model          TEXT,
		cost_usd       NUMERIC(14, 6) NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_tenant_time ON usage_events (tenant_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS aggregate_buckets (
		tenant_id         TEXT NOT NULL,
		granularity       TEXT NOT NULL,
		bucket_start      TIMESTAMPTZ NOT NULL,
		message_count     BIGINT NOT NULL DEFAULT 0,
		tokens_in         BIGINT NOT NULL DEFAULT 0,
		tokens_out        BIGINT NOT NULL DEFAULT 0,
		invocation_count  BIGINT NOT NULL DEFAULT 0,
		failure_count     BIGINT NOT NULL DEFAULT 0,
		timeout_count     BIGINT NOT NULL DEFAULT 0,
		cost_usd          NUMERIC(14, 6) NOT NULL DEFAULT 0,
		latency_histogram JSONB NOT NULL DEFAULT '{}',
		p50_latency_ms    DOUBLE PRECISION NOT NULL DEFAULT 0,
		p99_latency_ms    DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, granularity, bucket_start)
	)`,

	`CREATE TABLE IF NOT EXISTS applied_events (
		event_id     UUID NOT NULL,
		granularity  TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		bucket_start TIMESTAMPTZ NOT NULL,
		applied_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (event_id, granularity)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_applied_events_applied_at ON applied_events (applied_at)`,

	`CREATE TABLE IF NOT EXISTS audit_records (
		record_id  UUID PRIMARY KEY,
		seq        BIGSERIAL,
		tenant_id  TEXT NOT NULL,
		actor      TEXT NOT NULL,
		action     TEXT NOT NULL,
		timestamp  TIMESTAMPTZ NOT NULL,
		detail     JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_tenant_time ON audit_records (tenant_id, timestamp, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_action ON audit_records (tenant_id, action)`,

	// tenant_registry holds tenant ids only, so retention can find tenants
	// that left the configuration. It carries no tenant data and has no RLS.
	`CREATE TABLE IF NOT EXISTS tenant_registry (
		tenant_id  TEXT PRIMARY KEY,
		first_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE OR REPLACE FUNCTION register_tenant() RETURNS trigger AS $$
	BEGIN
		INSERT INTO tenant_registry (tenant_id) VALUES (NEW.tenant_id) ON CONFLICT DO NOTHING;
		RETURN NEW;
	END $$ LANGUAGE plpgsql`,

	// FORCE applies the policies to the table owner too, so a service role
	// that owns the schema is still confined to one tenant per transaction.
	`DO $$
	DECLARE t TEXT;
	BEGIN
		FOREACH t IN ARRAY ARRAY['usage_events', 'aggregate_buckets', 'applied_events', 'audit_records'] LOOP
			EXECUTE format('ALTER TABLE %I ENABLE ROW LEVEL SECURITY', t);
			EXECUTE format('ALTER TABLE %I FORCE ROW LEVEL SECURITY', t);
			IF NOT EXISTS (SELECT 1 FROM pg_policies WHERE tablename = t AND policyname = 'tenant_isolation') THEN
				EXECUTE format(
					'CREATE POLICY tenant_isolation ON %I USING (tenant_id = current_setting(''app.current_tenant_id'', true))',
					t);
			END IF;
		END LOOP;
		FOREACH t IN ARRAY ARRAY['usage_events', 'aggregate_buckets', 'audit_records'] LOOP
			EXECUTE format('DROP TRIGGER IF EXISTS register_tenant ON %I', t);
			EXECUTE format(
				'CREATE TRIGGER register_tenant AFTER INSERT ON %I FOR EACH ROW EXECUTE FUNCTION register_tenant()',
				t);
		END LOOP;
	END $$`,
}
