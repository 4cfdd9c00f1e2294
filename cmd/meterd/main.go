// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for meterd, the tenant isolation and
// usage metering service.
//
// meterd:
// - Resolves the tenant of every interaction and rejects unattributed traffic
// - Applies per-tenant admission control before the agent runtime is called
// - Meters usage events and folds them into hourly and daily buckets
// - Keeps an append-only audit trail under per-tenant retention
//
// Usage:
//
//	./meterd
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8090)
//	DATABASE_URL - PostgreSQL connection string (in-memory stores when unset)
//	REDIS_URL - Redis URL for shared admission windows and sessions
//	TENANT_CONFIG_PATH - tenant YAML file, reloaded on change
//	JWT_SECRET or JWT_SECRET_ARN - identity assertion signing secret
//	AGENT_RUNTIME - http or bedrock
//	ARCHIVE_BACKEND - none, s3, gcs or azure
package main

import (
	"eagle/metering/server"
)

func main() {
	server.Run()
}
