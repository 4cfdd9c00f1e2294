// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for the metering services.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (admission, metering, aggregation, audit, ...)
  - Instance ID and container name
  - Tenant ID, so log pipelines never mix tenants; an empty tenant id is
    written as the unattributed sentinel
  - Request ID for request correlation
  - Interaction and event ids, promoted from the interaction_id and event_id
    fields so a line joins to its usage event
  - Custom fields

# Usage

	log := logger.New("admission")

	log.Info(tc.TenantID, tc.RequestID, "Interaction admitted", map[string]interface{}{
	    "in_flight": 1,
	})

Entries below LOG_LEVEL (default INFO) are dropped. INSTANCE_ID is read from the
environment at construction time.

Output:

	{"timestamp":"2025-01-02T15:04:05.999Z","level":"INFO","component":"admission",
	 "instance_id":"i-0abc","container":"meterd-7f9","tenant_id":"t1",
	 "request_id":"9b1d...","message":"Interaction admitted","fields":{"in_flight":1}}
*/
package logger
