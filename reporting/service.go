// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package reporting is the read-only query surface over usage aggregates,
// audit records and sessions. The only write it makes is the audit record of
// a completed export.
//
// Every method checks the caller's tenant scope before touching a
// repository and fails with *errkind.AuthorizationError on a mismatch, so a
// cross-tenant query can never look like an empty result.
package reporting

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"eagle/metering/admission"
	"eagle/metering/aggregation"
	"eagle/metering/audit"
	"eagle/metering/session"
	"eagle/metering/shared/errkind"
	"eagle/metering/shared/logger"
	"eagle/metering/tenancy"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// ErrUnsupportedFormat is returned by Export for formats other than csv and json.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Aggregates is the part of the aggregation engine the service reads.
type Aggregates interface {
	GetAggregates(ctx context.Context, tc tenancy.TenantContext, tenantID string, from, to time.Time, g aggregation.Granularity) ([]aggregation.Bucket, error)
	CurrentBucket(ctx context.Context, tc tenancy.TenantContext, g aggregation.Granularity) (aggregation.Bucket, error)
}

// AuditReader is the query side of the audit log.
type AuditReader interface {
	Query(ctx context.Context, tc tenancy.TenantContext, tenantID string, f audit.Filter) ([]audit.Record, error)
}

// AuditWriter records completed exports.
type AuditWriter interface {
	Append(ctx context.Context, tc tenancy.TenantContext, e audit.Entry) (audit.Record, error)
}

// SessionLister lists a tenant's live sessions.
type SessionLister interface {
	List(ctx context.Context, tc tenancy.TenantContext, tenantID string) ([]session.Session, error)
}

// AdmissionState exposes live admission counters.
type AdmissionState interface {
	Snapshot(tenantID string) (admission.RateLimitState, bool)
}

// UsageSnapshot is the current-window view of one tenant.
type UsageSnapshot struct {
	TenantID    string                    `json:"tenant_id"`
	GeneratedAt time.Time                 `json:"generated_at"`
	CurrentHour aggregation.Bucket        `json:"current_hour"`
	Today       aggregation.Bucket        `json:"today"`
	RateLimit   *admission.RateLimitState `json:"rate_limit,omitempty"`
	// ActiveSessions is nil when no session store is configured.
	ActiveSessions *int `json:"active_sessions,omitempty"`
	Degraded       bool `json:"degraded"`
}

// Trend is a sorted bucket series. Degraded is set when the store could not
// be read; Buckets is then empty rather than partial.
type Trend struct {
	TenantID    string                  `json:"tenant_id"`
	Granularity aggregation.Granularity `json:"granularity"`
	From        time.Time               `json:"from"`
	To          time.Time               `json:"to"`
	Buckets     []aggregation.Bucket    `json:"buckets"`
	Degraded    bool                    `json:"degraded"`
}

// AuditPage is the result of an audit query.
type AuditPage struct {
	TenantID string         `json:"tenant_id"`
	Records  []audit.Record `json:"records"`
	Degraded bool           `json:"degraded"`
}

// SessionPage lists the live sessions of a tenant.
type SessionPage struct {
	TenantID string            `json:"tenant_id"`
	Sessions []session.Session `json:"sessions"`
	Degraded bool              `json:"degraded"`
}

// Sources are the stores a Service reads. Aggregates and Audit are required.
type Sources struct {
	Aggregates Aggregates
	Audit      AuditReader
	// ExportLog records completed exports; exports are not audited when nil.
	ExportLog AuditWriter
	Admission AdmissionState
	Sessions  SessionLister
}

// Service answers dashboard and export queries.
type Service struct {
	aggregates Aggregates
	audit      AuditReader
	exportLog  AuditWriter
	admission  AdmissionState
	sessions   SessionLister
	now        func() time.Time
	logger     *logger.Logger
}

// NewService creates a reporting service over src.
func NewService(src Sources) *Service {
	return &Service{
		aggregates: src.Aggregates,
		audit:      src.Audit,
		exportLog:  src.ExportLog,
		admission:  src.Admission,
		sessions:   src.Sessions,
		now:        time.Now,
		logger:     logger.New("reporting"),
	}
}

// degraded reports whether err is a storage failure that a read may absorb.
// Identity, authorization and validation errors are never absorbed.
func degraded(err error) bool {
	if err == nil {
		return false
	}
	return !errkind.IsIdentity(err) && !errkind.IsAuthorization(err) && !isInvalidInput(err)
}

func isInvalidInput(err error) bool {
	return errors.Is(err, aggregation.ErrInvalidRange) ||
		errors.Is(err, aggregation.ErrInvalidGranularity) ||
		errors.Is(err, aggregation.ErrGranularityDisabled) ||
		errors.Is(err, audit.ErrInvalidRange) ||
		errors.Is(err, ErrUnsupportedFormat)
}

// UsageSnapshot returns the current hour and day buckets and the admission
// counters of tenantID.
func (s *Service) UsageSnapshot(ctx context.Context, tc tenancy.TenantContext, tenantID string) (UsageSnapshot, error) {
	if err := tenancy.RequireScope(tc, tenantID); err != nil {
		return UsageSnapshot{}, err
	}

	now := s.now().UTC()
	snap := UsageSnapshot{
		TenantID:    tenantID,
		GeneratedAt: now,
		CurrentHour: aggregation.NewBucket(tenantID, aggregation.Hour, now),
		Today:       aggregation.NewBucket(tenantID, aggregation.Day, now),
	}

	for _, g := range []aggregation.Granularity{aggregation.Hour, aggregation.Day} {
		b, err := s.aggregates.CurrentBucket(ctx, tc, g)
		if err != nil {
			if !degraded(err) {
				return UsageSnapshot{}, err
			}
			s.logger.Warn(tenantID, tc.RequestID(), "Serving degraded usage snapshot", map[string]interface{}{
				"granularity": string(g),
				"error":       err.Error(),
			})
			snap.Degraded = true
			continue
		}
		if g == aggregation.Hour {
			snap.CurrentHour = b
		} else {
			snap.Today = b
		}
	}

	if s.admission != nil {
		if state, ok := s.admission.Snapshot(tenantID); ok {
			snap.RateLimit = &state
		}
	}
	if s.sessions != nil {
		sessions, err := s.sessions.List(ctx, tc, tenantID)
		switch {
		case err == nil:
			n := len(sessions)
			snap.ActiveSessions = &n
		case degraded(err):
			s.logger.Warn(tenantID, tc.RequestID(), "Session count unavailable", map[string]interface{}{
				"error": err.Error(),
			})
			snap.Degraded = true
		default:
			return UsageSnapshot{}, err
		}
	}
	return snap, nil
}

// Sessions lists the live sessions of tenantID, most recent first.
func (s *Service) Sessions(ctx context.Context, tc tenancy.TenantContext, tenantID string) (SessionPage, error) {
	if err := tenancy.RequireScope(tc, tenantID); err != nil {
		return SessionPage{}, err
	}
	page := SessionPage{TenantID: tenantID, Sessions: []session.Session{}}
	if s.sessions == nil {
		return page, nil
	}
	sessions, err := s.sessions.List(ctx, tc, tenantID)
	if err != nil {
		if !degraded(err) {
			return SessionPage{}, err
		}
		s.logger.Warn(tenantID, tc.RequestID(), "Serving degraded session list", map[string]interface{}{
			"error": err.Error(),
		})
		page.Degraded = true
		return page, nil
	}
	page.Sessions = sessions
	return page, nil
}

// UsageTrend returns buckets of granularity g with from <= bucket_start < to.
func (s *Service) UsageTrend(ctx context.Context, tc tenancy.TenantContext, tenantID string, from, to time.Time, g aggregation.Granularity) (Trend, error) {
	if err := tenancy.RequireScope(tc, tenantID); err != nil {
		return Trend{}, err
	}
	trend := Trend{TenantID: tenantID, Granularity: g, From: from, To: to, Buckets: []aggregation.Bucket{}}

	buckets, err := s.aggregates.GetAggregates(ctx, tc, tenantID, from, to, g)
	if err != nil {
		if !degraded(err) {
			return Trend{}, err
		}
		s.logger.Warn(tenantID, tc.RequestID(), "Serving degraded usage trend", map[string]interface{}{
			"granularity": string(g),
			"error":       err.Error(),
		})
		trend.Degraded = true
		return trend, nil
	}
	trend.Buckets = buckets
	return trend, nil
}

// AuditRecords returns the tenant's audit records in [from, to), optionally
// restricted to the given actions.
func (s *Service) AuditRecords(ctx context.Context, tc tenancy.TenantContext, tenantID string, from, to time.Time, actions []string, limit int) (AuditPage, error) {
	if err := tenancy.RequireScope(tc, tenantID); err != nil {
		return AuditPage{}, err
	}
	page := AuditPage{TenantID: tenantID, Records: []audit.Record{}}

	records, err := s.audit.Query(ctx, tc, tenantID, audit.Filter{From: from, To: to, Actions: actions, Limit: limit})
	if err != nil {
		if !degraded(err) {
			return AuditPage{}, err
		}
		s.logger.Warn(tenantID, tc.RequestID(), "Serving degraded audit query", map[string]interface{}{
			"error": err.Error(),
		})
		page.Degraded = true
		return page, nil
	}
	for _, r := range records {
		if r.TenantID != tenantID {
			return AuditPage{}, &errkind.AuthorizationError{CallerTenant: tc.TenantID(), RequestedTenant: r.TenantID}
		}
	}
	page.Records = records
	return page, nil
}

var csvHeader = []string{
	"tenant_id", "granularity", "bucket_start",
	"message_count", "tokens_in", "tokens_out",
	"invocation_count", "failure_count", "timeout_count",
	"cost_usd", "p50_latency_ms", "p99_latency_ms",
}

// Export writes the tenant's buckets in [from, to) to w as csv (one row per
// bucket) or json (the Trend document). A degraded read is not exported:
// an export must be complete or fail. A completed export is audited; when
// that write fails the export fails too, so callers should buffer w.
func (s *Service) Export(ctx context.Context, tc tenancy.TenantContext, tenantID, format string, from, to time.Time, g aggregation.Granularity, w io.Writer) error {
	if err := tenancy.RequireScope(tc, tenantID); err != nil {
		return err
	}
	if format != FormatCSV && format != FormatJSON {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	buckets, err := s.aggregates.GetAggregates(ctx, tc, tenantID, from, to, g)
	if err != nil {
		if degraded(err) {
			return &errkind.StorageError{Op: "export", Err: err}
		}
		return err
	}

	if format == FormatJSON {
		if buckets == nil {
			buckets = []aggregation.Bucket{}
		}
		err = json.NewEncoder(w).Encode(Trend{
			TenantID:    tenantID,
			Granularity: g,
			From:        from,
			To:          to,
			Buckets:     buckets,
		})
	} else {
		err = writeCSV(w, buckets)
	}
	if err != nil {
		return err
	}
	return s.auditExport(ctx, tc, tenantID, format, from, to, g, len(buckets))
}

func (s *Service) auditExport(ctx context.Context, tc tenancy.TenantContext, tenantID, format string, from, to time.Time, g aggregation.Granularity, rows int) error {
	if s.exportLog == nil {
		return nil
	}
	_, err := s.exportLog.Append(context.WithoutCancel(ctx), tc, audit.Entry{
		Action: audit.ActionReportExported,
		Detail: map[string]interface{}{
			"format":      format,
			"granularity": string(g),
			"from":        from.Format(time.RFC3339),
			"to":          to.Format(time.RFC3339),
			"rows":        rows,
		},
	})
	return err
}

func writeCSV(w io.Writer, buckets []aggregation.Bucket) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, b := range buckets {
		row := []string{
			b.TenantID,
			string(b.Granularity),
			b.BucketStart.UTC().Format(time.RFC3339),
			strconv.FormatInt(b.MessageCount, 10),
			strconv.FormatInt(b.TokensIn, 10),
			strconv.FormatInt(b.TokensOut, 10),
			strconv.FormatInt(b.InvocationCount, 10),
			strconv.FormatInt(b.FailureCount, 10),
			strconv.FormatInt(b.TimeoutCount, 10),
			strconv.FormatFloat(b.CostUSD, 'f', 6, 64),
			strconv.FormatFloat(b.P50LatencyMS, 'f', 2, 64),
			strconv.FormatFloat(b.P99LatencyMS, 'f', 2, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
