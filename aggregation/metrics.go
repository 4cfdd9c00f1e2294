// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package aggregation

import "github.com/prometheus/client_golang/prometheus"

var (
	promAggregationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_aggregation_events_total",
			Help: "Usage events seen by the aggregation engine by result",
		},
		[]string{"result"},
	)
	promDayDerivations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meter_aggregation_day_derivations_total",
		Help: "Day buckets recomputed from hour buckets",
	})
)

func init() {
	prometheus.MustRegister(promAggregationEvents, promDayDerivations)
}
