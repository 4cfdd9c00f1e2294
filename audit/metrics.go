// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import "github.com/prometheus/client_golang/prometheus"

var (
	promAuditRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_audit_records_total",
			Help: "Audit appends by action and write result",
		},
		[]string{"action", "result"},
	)
	promRetentionPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_retention_purged_total",
			Help: "Rows removed by the retention sweep by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(promAuditRecords, promRetentionPurged)
}
