// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package aggregation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSketchQuantiles(t *testing.T) {
	s := NewLatencySketch()
	for v := int64(1); v <= 1000; v++ {
		s.Add(v)
	}
	assert.Equal(t, uint64(1000), s.Count())
	assert.InEpsilon(t, 500, s.Quantile(0.5), 0.02)
	assert.InEpsilon(t, 990, s.Quantile(0.99), 0.02)
}

func TestSketchMergeIsCommutative(t *testing.T) {
	a, b := NewLatencySketch(), NewLatencySketch()
	for _, v := range []int64{0, 5, 50, 500} {
		a.Add(v)
	}
	for _, v := range []int64{7, 70, 7000} {
		b.Add(v)
	}

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)

	assert.Equal(t, ab.Count(), ba.Count())
	for _, q := range []float64{0.1, 0.5, 0.9, 0.99} {
		assert.Equal(t, ab.Quantile(q), ba.Quantile(q))
	}
}

func TestSketchEmptyAndZero(t *testing.T) {
	s := NewLatencySketch()
	assert.Equal(t, float64(0), s.Quantile(0.5))
	s.Add(0)
	assert.Equal(t, float64(0), s.Quantile(0.99))
}

func TestSketchSurvivesJSON(t *testing.T) {
	s := NewLatencySketch()
	for _, v := range []int64{12, 40, 40, 900} {
		s.Add(v)
	}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back LatencySketch
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s.Count(), back.Count())
	assert.Equal(t, s.Quantile(0.5), back.Quantile(0.5))
}
