// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import "github.com/prometheus/client_golang/prometheus"

var (
	promUsageEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_usage_events_total",
			Help: "Usage events by outcome and write result",
		},
		[]string{"outcome", "result"},
	)
	promSpoolReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meter_usage_spool_replayed_total",
		Help: "Spooled usage events written to the store on replay",
	})
	promSinkDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meter_usage_sink_dropped_total",
		Help: "Durable events not handed to aggregation because its backlog was full",
	})
)

func init() {
	prometheus.MustRegister(promUsageEvents, promSpoolReplayed, promSinkDropped)
}
