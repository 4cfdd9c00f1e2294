// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"fmt"
	"sort"
	"time"
)

// Granularities understood by the aggregation engine.
const (
	GranularityHour = "hour"
	GranularityDay  = "day"
)

// Tier names a subscription tier that supplies default limits.
type Tier string

const (
	TierFree       Tier = "free"
	TierStandard   Tier = "standard"
	TierEnterprise Tier = "enterprise"
)

// TenantLimits are the admission limits of one tenant.
type TenantLimits struct {
	RequestsPerWindow int           `json:"requests_per_window"`
	Window            time.Duration `json:"window"`
	MaxConcurrency    int           `json:"max_concurrency"`
	QueueDepth        int           `json:"queue_depth"`
}

// RetentionPolicy controls how long a tenant's records are kept.
type RetentionPolicy struct {
	TenantID              string `json:"tenant_id"`
	AuditRetentionDays    int    `json:"audit_retention_days"`
	RawEventRetentionDays int    `json:"raw_event_retention_days"`
}

// AuditCutoff returns the oldest timestamp kept at now.
func (p RetentionPolicy) AuditCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.AuditRetentionDays)
}

// RawEventCutoff returns the oldest raw event timestamp kept at now.
func (p RetentionPolicy) RawEventCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.RawEventRetentionDays)
}

// TenantSettings is the fully resolved configuration of one tenant.
type TenantSettings struct {
	TenantID      string
	Tier          Tier
	Limits        TenantLimits
	Granularities []string
	Retention     RetentionPolicy
}

var tierDefaults = map[Tier]TenantLimits{
	TierFree:       {RequestsPerWindow: 30, Window: time.Minute, MaxConcurrency: 2, QueueDepth: 5},
	TierStandard:   {RequestsPerWindow: 300, Window: time.Minute, MaxConcurrency: 10, QueueDepth: 50},
	TierEnterprise: {RequestsPerWindow: 3000, Window: time.Minute, MaxConcurrency: 50, QueueDepth: 200},
}

// TierDefaults returns the default limits of a tier.
func TierDefaults(tier Tier) (TenantLimits, bool) {
	l, ok := tierDefaults[tier]
	return l, ok
}

// Snapshot is an immutable view of the tenant configuration file.
type Snapshot struct {
	Version  string
	LoadedAt time.Time
	Defaults TenantSettings
	tenants  map[string]TenantSettings
}

// Tenant returns the settings of a configured tenant.
func (s *Snapshot) Tenant(tenantID string) (TenantSettings, bool) {
	t, ok := s.tenants[tenantID]
	return t, ok
}

// Known reports whether tenantID is configured.
func (s *Snapshot) Known(tenantID string) bool {
	_, ok := s.tenants[tenantID]
	return ok
}

// Limits returns the admission limits of a configured tenant.
func (s *Snapshot) Limits(tenantID string) (TenantLimits, bool) {
	t, ok := s.tenants[tenantID]
	if !ok {
		return TenantLimits{}, false
	}
	return t.Limits, true
}

// Retention returns the tenant's retention policy, falling back to the
// process-wide default for unknown tenants.
func (s *Snapshot) Retention(tenantID string) RetentionPolicy {
	if t, ok := s.tenants[tenantID]; ok {
		return t.Retention
	}
	p := s.Defaults.Retention
	p.TenantID = tenantID
	return p
}

// Granularities returns the bucket granularities computed for a tenant.
func (s *Snapshot) Granularities(tenantID string) []string {
	if t, ok := s.tenants[tenantID]; ok {
		return t.Granularities
	}
	return s.Defaults.Granularities
}

// TenantIDs returns all configured tenants in sorted order.
func (s *Snapshot) TenantIDs() []string {
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TenantsByTier returns the configured tenants on a tier in sorted order.
func (s *Snapshot) TenantsByTier(tier Tier) []string {
	var ids []string
	for id, t := range s.tenants {
		if t.Tier == tier {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// diff returns tenant ids whose settings differ between a and b.
func diff(a, b *Snapshot) []string {
	changed := map[string]bool{}
	if a == nil {
		for id := range b.tenants {
			changed[id] = true
		}
	} else {
		for id, nt := range b.tenants {
			ot, ok := a.tenants[id]
			if !ok || !equalSettings(ot, nt) {
				changed[id] = true
			}
		}
		for id := range a.tenants {
			if _, ok := b.tenants[id]; !ok {
				changed[id] = true
			}
		}
	}
	ids := make([]string, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func equalSettings(a, b TenantSettings) bool {
	if a.Tier != b.Tier || a.Limits != b.Limits || a.Retention != b.Retention {
		return false
	}
	if len(a.Granularities) != len(b.Granularities) {
		return false
	}
	for i := range a.Granularities {
		if a.Granularities[i] != b.Granularities[i] {
			return false
		}
	}
	return true
}

// ValidationError names the tenant and field that failed validation.
type ValidationError struct {
	TenantID string
	Field    string
	Problem  string
}

func (e *ValidationError) Error() string {
	scope := "defaults"
	if e.TenantID != "" {
		scope = fmt.Sprintf("tenant %q", e.TenantID)
	}
	return fmt.Sprintf("invalid tenant config: %s: %s %s", scope, e.Field, e.Problem)
}
