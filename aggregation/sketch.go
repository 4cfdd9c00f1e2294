// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package aggregation

import (
	"math"
	"sort"
)

// sketchGamma sets the relative accuracy of latency quantiles to about 1%.
const sketchGamma = 1.02

var logGamma = math.Log(sketchGamma)

// LatencySketch is a log-bucketed latency histogram. Merging two sketches
// adds their counts, so the result does not depend on arrival order.
type LatencySketch struct {
	Zero   uint64         `json:"zero"`
	Counts map[int]uint64 `json:"counts"`
}

// NewLatencySketch returns an empty sketch.
func NewLatencySketch() *LatencySketch {
	return &LatencySketch{Counts: make(map[int]uint64)}
}

// Add records one latency observation in milliseconds.
func (s *LatencySketch) Add(ms int64) {
	if s.Counts == nil {
		s.Counts = make(map[int]uint64)
	}
	if ms <= 0 {
		s.Zero++
		return
	}
	s.Counts[int(math.Ceil(math.Log(float64(ms))/logGamma))]++
}

// Merge folds other into s.
func (s *LatencySketch) Merge(other *LatencySketch) {
	if other == nil {
		return
	}
	if s.Counts == nil {
		s.Counts = make(map[int]uint64)
	}
	s.Zero += other.Zero
	for k, v := range other.Counts {
		s.Counts[k] += v
	}
}

// Count returns the number of observations.
func (s *LatencySketch) Count() uint64 {
	n := s.Zero
	for _, v := range s.Counts {
		n += v
	}
	return n
}

// Quantile returns the nearest-rank estimate of quantile q in (0, 1].
func (s *LatencySketch) Quantile(q float64) float64 {
	total := s.Count()
	if total == 0 {
		return 0
	}
	rank := uint64(math.Ceil(q * float64(total)))
	if rank < 1 {
		rank = 1
	}
	if rank <= s.Zero {
		return 0
	}
	seen := s.Zero

	keys := make([]int, 0, len(s.Counts))
	for k := range s.Counts {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		seen += s.Counts[k]
		if seen >= rank {
			v := 2 * math.Pow(sketchGamma, float64(k)) / (sketchGamma + 1)
			return math.Round(v*100) / 100
		}
	}
	return 0
}

// Clone returns a deep copy.
func (s *LatencySketch) Clone() *LatencySketch {
	out := &LatencySketch{Zero: s.Zero, Counts: make(map[int]uint64, len(s.Counts))}
	for k, v := range s.Counts {
		out.Counts[k] = v
	}
	return out
}
