// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package admission

import "github.com/prometheus/client_golang/prometheus"

var (
	promAdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_admission_decisions_total",
			Help: "Admission decisions by outcome and reason",
		},
		[]string{"decision", "reason"},
	)
	promAdmissionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_admission_state_transitions_total",
			Help: "Per-tenant admission state transitions",
		},
		[]string{"from", "to"},
	)
)

func init() {
	prometheus.MustRegister(promAdmissionDecisions)
	prometheus.MustRegister(promAdmissionTransitions)
}
