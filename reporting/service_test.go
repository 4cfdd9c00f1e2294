// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package reporting

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eagle/metering/admission"
	"eagle/metering/aggregation"
	"eagle/metering/audit"
	"eagle/metering/session"
	"eagle/metering/shared/errkind"
	"eagle/metering/tenancy"
)

var now = time.Date(2025, 6, 3, 10, 30, 0, 0, time.UTC)

type fixture struct {
	repo     *aggregation.MemoryRepository
	engine   *aggregation.Engine
	audit    *audit.Service
	sessions *session.MemoryStore
	service  *Service
}

type fixedAdmission map[string]admission.RateLimitState

func (f fixedAdmission) Snapshot(tenantID string) (admission.RateLimitState, bool) {
	s, ok := f[tenantID]
	return s, ok
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := aggregation.NewMemoryRepository()
	clock := func() time.Time { return now }
	engine := aggregation.NewEngine(repo, aggregation.Options{Now: clock})
	auditSvc := audit.NewService(audit.NewMemoryRepository(), audit.Options{Now: clock})
	sessions := session.NewMemoryStore(time.Hour)
	svc := NewService(Sources{
		Aggregates: engine,
		Audit:      auditSvc,
		ExportLog:  auditSvc,
		Admission: fixedAdmission{
			"acme": {TenantID: "acme", RequestCount: 3, ConcurrentInFlight: 1, State: admission.StateOpen},
		},
		Sessions: sessions,
	})
	svc.now = clock
	return &fixture{repo: repo, engine: engine, audit: auditSvc, sessions: sessions, service: svc}
}

func (f *fixture) putBucket(t *testing.T, tenant string, g aggregation.Granularity, start time.Time, tokensIn int64) {
	t.Helper()
	b := aggregation.NewBucket(tenant, g, start)
	b.MessageCount = 2
	b.TokensIn = tokensIn
	b.TokensOut = 40
	b.InvocationCount = 2
	b.CostUSD = 0.0125
	b.P50LatencyMS = 120.5
	b.P99LatencyMS = 300
	require.NoError(t, f.repo.PutBucket(context.Background(), b))
}

func caller(tenant string) tenancy.TenantContext {
	return tenancy.NewContextForTesting(tenant, "req-"+tenant, now)
}

func TestUsageSnapshot(t *testing.T) {
	f := newFixture(t)
	f.putBucket(t, "acme", aggregation.Hour, now, 100)
	f.putBucket(t, "acme", aggregation.Day, now, 900)

	snap, err := f.service.UsageSnapshot(context.Background(), caller("acme"), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", snap.TenantID)
	assert.Equal(t, int64(100), snap.CurrentHour.TokensIn)
	assert.Equal(t, int64(900), snap.Today.TokensIn)
	require.NotNil(t, snap.RateLimit)
	assert.Equal(t, 3, snap.RateLimit.RequestCount)
	assert.False(t, snap.Degraded)
}

func TestUsageSnapshotWithoutTrafficIsEmpty(t *testing.T) {
	f := newFixture(t)

	snap, err := f.service.UsageSnapshot(context.Background(), caller("globex"), "globex")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.CurrentHour.InvocationCount)
	assert.Equal(t, time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC), snap.CurrentHour.BucketStart)
	assert.Equal(t, time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC), snap.Today.BucketStart)
	assert.Nil(t, snap.RateLimit)
}

func TestCrossTenantQueriesAreRejected(t *testing.T) {
	f := newFixture(t)
	f.putBucket(t, "globex", aggregation.Hour, now, 100)
	ctx := context.Background()
	acme := caller("acme")

	_, err := f.service.UsageSnapshot(ctx, acme, "globex")
	assert.True(t, errkind.IsAuthorization(err))

	_, err = f.service.UsageTrend(ctx, acme, "globex", now.Add(-time.Hour), now.Add(time.Hour), aggregation.Hour)
	assert.True(t, errkind.IsAuthorization(err))

	_, err = f.service.AuditRecords(ctx, acme, "globex", time.Time{}, time.Time{}, nil, 0)
	assert.True(t, errkind.IsAuthorization(err))

	var buf bytes.Buffer
	err = f.service.Export(ctx, acme, "globex", FormatCSV, now.Add(-time.Hour), now.Add(time.Hour), aggregation.Hour, &buf)
	assert.True(t, errkind.IsAuthorization(err))
	assert.Zero(t, buf.Len(), "nothing is written for a rejected export")
}

func TestMissingContextIsIdentityError(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.UsageSnapshot(context.Background(), tenancy.TenantContext{}, "acme")
	assert.True(t, errkind.IsIdentity(err))
}

func TestUsageTrendReturnsSortedRange(t *testing.T) {
	f := newFixture(t)
	f.putBucket(t, "acme", aggregation.Hour, now.Add(-2*time.Hour), 10)
	f.putBucket(t, "acme", aggregation.Hour, now.Add(-1*time.Hour), 20)
	f.putBucket(t, "acme", aggregation.Hour, now, 30)
	f.putBucket(t, "globex", aggregation.Hour, now, 99)

	trend, err := f.service.UsageTrend(context.Background(), caller("acme"), "acme", now.Add(-150*time.Minute), now.Add(time.Hour), aggregation.Hour)
	require.NoError(t, err)
	require.Len(t, trend.Buckets, 3)
	assert.Equal(t, int64(10), trend.Buckets[0].TokensIn, "from is floored to the bucket start")
	assert.Equal(t, int64(30), trend.Buckets[2].TokensIn)
	for _, b := range trend.Buckets {
		assert.Equal(t, "acme", b.TenantID)
	}
}

func TestUsageTrendRejectsInvalidRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.UsageTrend(context.Background(), caller("acme"), "acme", now, now, aggregation.Hour)
	assert.ErrorIs(t, err, aggregation.ErrInvalidRange)
}

type failingAggregates struct{}

func (failingAggregates) GetAggregates(context.Context, tenancy.TenantContext, string, time.Time, time.Time, aggregation.Granularity) ([]aggregation.Bucket, error) {
	return nil, errors.New("connection refused")
}

func (failingAggregates) CurrentBucket(context.Context, tenancy.TenantContext, aggregation.Granularity) (aggregation.Bucket, error) {
	return aggregation.Bucket{}, errors.New("connection refused")
}

type failingAudit struct{}

func (failingAudit) Query(context.Context, tenancy.TenantContext, string, audit.Filter) ([]audit.Record, error) {
	return nil, &errkind.StorageError{Op: "audit query", Err: errors.New("connection refused")}
}

type failingSessions struct{}

func (failingSessions) List(context.Context, tenancy.TenantContext, string) ([]session.Session, error) {
	return nil, errors.New("redis: connection refused")
}

func TestStoreFailuresDegradeReads(t *testing.T) {
	svc := NewService(Sources{Aggregates: failingAggregates{}, Audit: failingAudit{}, Sessions: failingSessions{}})
	svc.now = func() time.Time { return now }
	ctx := context.Background()
	acme := caller("acme")

	snap, err := svc.UsageSnapshot(ctx, acme, "acme")
	require.NoError(t, err)
	assert.True(t, snap.Degraded)
	assert.Equal(t, "acme", snap.CurrentHour.TenantID)

	trend, err := svc.UsageTrend(ctx, acme, "acme", now.Add(-time.Hour), now, aggregation.Hour)
	require.NoError(t, err)
	assert.True(t, trend.Degraded)
	assert.Empty(t, trend.Buckets)

	page, err := svc.AuditRecords(ctx, acme, "acme", time.Time{}, time.Time{}, nil, 0)
	require.NoError(t, err)
	assert.True(t, page.Degraded)

	sessions, err := svc.Sessions(ctx, acme, "acme")
	require.NoError(t, err)
	assert.True(t, sessions.Degraded)
	assert.Empty(t, sessions.Sessions)
	assert.Nil(t, snap.ActiveSessions)

	// Cross-tenant checks still win over degradation.
	_, err = svc.UsageTrend(ctx, acme, "globex", now.Add(-time.Hour), now, aggregation.Hour)
	assert.True(t, errkind.IsAuthorization(err))

	// Exports never ship partial data.
	var buf bytes.Buffer
	err = svc.Export(ctx, acme, "acme", FormatJSON, now.Add(-time.Hour), now, aggregation.Hour, &buf)
	assert.True(t, errkind.IsStorage(err))
}

func TestAuditRecordsFiltersByAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := caller("acme")
	_, err := f.audit.Append(ctx, acme, audit.Entry{Action: audit.ActionAdmitted})
	require.NoError(t, err)
	_, err = f.audit.Append(ctx, acme, audit.Entry{Action: audit.ActionInteractionCompleted})
	require.NoError(t, err)
	_, err = f.audit.Append(ctx, caller("globex"), audit.Entry{Action: audit.ActionAdmitted})
	require.NoError(t, err)

	page, err := f.service.AuditRecords(ctx, acme, "acme", time.Time{}, time.Time{}, []string{audit.ActionAdmitted}, 0)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "acme", page.Records[0].TenantID)
	assert.Equal(t, audit.ActionAdmitted, page.Records[0].Action)
}

func TestExportCSV(t *testing.T) {
	f := newFixture(t)
	f.putBucket(t, "acme", aggregation.Hour, now.Add(-time.Hour), 10)
	f.putBucket(t, "acme", aggregation.Hour, now, 30)

	var buf bytes.Buffer
	err := f.service.Export(context.Background(), caller("acme"), "acme", FormatCSV, now.Add(-2*time.Hour), now.Add(time.Hour), aggregation.Hour, &buf)
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{
		"acme", "hour", "2025-06-03T09:00:00Z",
		"2", "10", "40", "2", "0", "0",
		"0.012500", "120.50", "300.00",
	}, rows[1])
}

func TestExportJSON(t *testing.T) {
	f := newFixture(t)
	f.putBucket(t, "acme", aggregation.Day, now, 500)

	var buf bytes.Buffer
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	err := f.service.Export(context.Background(), caller("acme"), "acme", FormatJSON, from, now, aggregation.Day, &buf)
	require.NoError(t, err)

	var doc struct {
		TenantID string `json:"tenant_id"`
		Buckets  []struct {
			TokensIn int64 `json:"tokens_in"`
		} `json:"buckets"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "acme", doc.TenantID)
	require.Len(t, doc.Buckets, 1)
	assert.Equal(t, int64(500), doc.Buckets[0].TokensIn)
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	err := f.service.Export(context.Background(), caller("acme"), "acme", "xml", now.Add(-time.Hour), now, aggregation.Hour, &buf)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestSessionsAreListedPerTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sessions.Touch(ctx, tenancy.NewUserContextForTesting("acme", "r", "alice", "s-1"), 2)
	require.NoError(t, err)
	_, err = f.sessions.Touch(ctx, tenancy.NewUserContextForTesting("acme", "r", "bob", "s-2"), 1)
	require.NoError(t, err)
	_, err = f.sessions.Touch(ctx, tenancy.NewUserContextForTesting("globex", "r", "carol", "s-3"), 1)
	require.NoError(t, err)

	page, err := f.service.Sessions(ctx, caller("acme"), "acme")
	require.NoError(t, err)
	require.Len(t, page.Sessions, 2)
	for _, s := range page.Sessions {
		assert.Equal(t, "acme", s.TenantID)
	}

	snap, err := f.service.UsageSnapshot(ctx, caller("acme"), "acme")
	require.NoError(t, err)
	require.NotNil(t, snap.ActiveSessions)
	assert.Equal(t, 2, *snap.ActiveSessions)

	_, err = f.service.Sessions(ctx, caller("acme"), "globex")
	assert.True(t, errkind.IsAuthorization(err))
}

func TestExportIsAudited(t *testing.T) {
	f := newFixture(t)
	f.putBucket(t, "acme", aggregation.Hour, now, 30)
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, f.service.Export(ctx, caller("acme"), "acme", FormatCSV, now.Add(-time.Hour), now.Add(time.Hour), aggregation.Hour, &buf))

	records, err := f.audit.Query(ctx, caller("acme"), "acme", audit.Filter{Actions: []string{audit.ActionReportExported}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "csv", records[0].Detail["format"])
	assert.Equal(t, 1, records[0].Detail["rows"])
}

type leakyAuditRepo struct {
	*audit.MemoryRepository
}

func (l leakyAuditRepo) Query(ctx context.Context, _ string, f audit.Filter) ([]audit.Record, error) {
	return l.MemoryRepository.Query(ctx, "globex", f)
}

func TestForeignAuditRecordsAreNotServedAsDegraded(t *testing.T) {
	repo := leakyAuditRepo{audit.NewMemoryRepository()}
	auditSvc := audit.NewService(repo, audit.Options{Now: func() time.Time { return now }})
	_, err := auditSvc.Append(context.Background(), caller("globex"), audit.Entry{Action: audit.ActionAdmitted})
	require.NoError(t, err)

	svc := NewService(Sources{Aggregates: failingAggregates{}, Audit: auditSvc})
	svc.now = func() time.Time { return now }

	page, err := svc.AuditRecords(context.Background(), caller("acme"), "acme", time.Time{}, time.Time{}, nil, 0)
	require.Error(t, err)
	assert.True(t, errkind.IsAuthorization(err))
	assert.False(t, page.Degraded)
	assert.Empty(t, page.Records)
	assert.False(t, degraded(err))
}
