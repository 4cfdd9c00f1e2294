// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package aggregation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"eagle/metering/config"
	"eagle/metering/metering"
)

// Granularity is the width of an aggregate bucket.
type Granularity string

const (
	Hour Granularity = config.GranularityHour
	Day  Granularity = config.GranularityDay
)

var ErrInvalidGranularity = errors.New("granularity must be hour or day")

// ParseGranularity validates a granularity name.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case Hour, Day:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGranularity, s)
}

// Width returns the bucket duration.
func (g Granularity) Width() time.Duration {
	if g == Day {
		return 24 * time.Hour
	}
	return time.Hour
}

// Floor returns the start of the bucket containing t, in UTC.
func (g Granularity) Floor(t time.Time) time.Time {
	t = t.UTC()
	if g == Day {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// Bucket is a per-tenant rollup of usage events over one time window.
type Bucket struct {
	TenantID        string         `json:"tenant_id"`
	Granularity     Granularity    `json:"granularity"`
	BucketStart     time.Time      `json:"bucket_start"`
	MessageCount    int64          `json:"message_count"`
	TokensIn        int64          `json:"tokens_in"`
	TokensOut       int64          `json:"tokens_out"`
	InvocationCount int64          `json:"invocation_count"`
	FailureCount    int64          `json:"failure_count"`
	TimeoutCount    int64          `json:"timeout_count"`
	CostUSD         float64        `json:"cost_usd"`
	P50LatencyMS    float64        `json:"p50_latency_ms"`
	P99LatencyMS    float64        `json:"p99_latency_ms"`
	Latency         *LatencySketch `json:"-"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewBucket returns an empty bucket.
func NewBucket(tenantID string, g Granularity, start time.Time) Bucket {
	return Bucket{
		TenantID:    tenantID,
		Granularity: g,
		BucketStart: g.Floor(start),
		Latency:     NewLatencySketch(),
	}
}

// Apply folds one event into b.
func (b *Bucket) Apply(ev metering.UsageEvent) {
	b.MessageCount += int64(ev.MessageCount)
	b.TokensIn += ev.TokensIn
	b.TokensOut += ev.TokensOut
	b.InvocationCount++
	switch ev.Outcome {
	case metering.OutcomeFailure:
		b.FailureCount++
	case metering.OutcomeTimeout:
		b.FailureCount++
		b.TimeoutCount++
	}
	b.CostUSD = roundMicros(b.CostUSD + ev.CostUSD)
	if b.Latency == nil {
		b.Latency = NewLatencySketch()
	}
	b.Latency.Add(ev.LatencyMS)
	b.refresh()
}

// Merge folds other into b. Both must cover the same tenant.
func (b *Bucket) Merge(other Bucket) {
	b.MessageCount += other.MessageCount
	b.TokensIn += other.TokensIn
	b.TokensOut += other.TokensOut
	b.InvocationCount += other.InvocationCount
	b.FailureCount += other.FailureCount
	b.TimeoutCount += other.TimeoutCount
	b.CostUSD = roundMicros(b.CostUSD + other.CostUSD)
	if b.Latency == nil {
		b.Latency = NewLatencySketch()
	}
	b.Latency.Merge(other.Latency)
	if other.UpdatedAt.After(b.UpdatedAt) {
		b.UpdatedAt = other.UpdatedAt
	}
	b.refresh()
}

func (b *Bucket) refresh() {
	b.P50LatencyMS = b.Latency.Quantile(0.50)
	b.P99LatencyMS = b.Latency.Quantile(0.99)
}

// Clone returns a copy that shares no state with b.
func (b Bucket) Clone() Bucket {
	if b.Latency != nil {
		b.Latency = b.Latency.Clone()
	}
	return b
}

func roundMicros(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
