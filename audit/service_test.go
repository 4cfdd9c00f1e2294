// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eagle/metering/common/retry"
	"eagle/metering/common/spool"
	"eagle/metering/shared/errkind"
	"eagle/metering/tenancy"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}
}

func newService(t *testing.T, repo Repository, sp Spooler) (*Service, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)}
	return NewService(repo, Options{Retry: fastRetry(), Spool: sp, Now: clock.Now}), clock
}

func tcFor(tenant string) tenancy.TenantContext {
	return tenancy.NewContextForTesting(tenant, "req-"+tenant, time.Now())
}

func TestAppendAndQueryInOrder(t *testing.T) {
	svc, _ := newService(t, NewMemoryRepository(), nil)
	ctx := context.Background()

	for _, action := range []string{ActionAdmitted, ActionInteractionCompleted, ActionAdmitted} {
		_, err := svc.Append(ctx, tcFor("t1"), Entry{Action: action})
		require.NoError(t, err)
	}
	_, err := svc.Append(ctx, tcFor("t2"), Entry{Action: ActionAdmitted})
	require.NoError(t, err)

	all, err := svc.Query(ctx, tcFor("t1"), "t1", Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Timestamp.Before(all[i].Timestamp))
	}
	for _, r := range all {
		assert.Equal(t, "t1", r.TenantID)
		assert.Equal(t, "system", r.Actor)
		assert.Equal(t, "req-t1", r.Detail["request_id"])
	}

	admitted, err := svc.Query(ctx, tcFor("t1"), "t1", Filter{Actions: []string{ActionAdmitted}})
	require.NoError(t, err)
	assert.Len(t, admitted, 2)

	ranged, err := svc.Query(ctx, tcFor("t1"), "t1", Filter{From: all[1].Timestamp, To: all[2].Timestamp})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, all[1].RecordID, ranged[0].RecordID)
}

func TestQueryRejectsCrossTenant(t *testing.T) {
	svc, _ := newService(t, NewMemoryRepository(), nil)
	_, err := svc.Append(context.Background(), tcFor("t2"), Entry{Action: ActionAdmitted})
	require.NoError(t, err)

	_, err = svc.Query(context.Background(), tcFor("t1"), "t2", Filter{})
	var authErr *errkind.AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "t1", authErr.CallerTenant)
	assert.Equal(t, "t2", authErr.RequestedTenant)

	_, err = svc.Query(context.Background(), tenancy.UnattributedContext("r"), tenancy.UnattributedTenant, Filter{})
	assert.True(t, errkind.IsAuthorization(err))
}

func TestAppendValidation(t *testing.T) {
	svc, _ := newService(t, NewMemoryRepository(), nil)
	_, err := svc.Append(context.Background(), tenancy.TenantContext{}, Entry{Action: ActionAdmitted})
	assert.True(t, errkind.IsIdentity(err))

	_, err = svc.Append(context.Background(), tcFor("t1"), Entry{})
	assert.ErrorIs(t, err, ErrEmptyAction)

	_, err = svc.Query(context.Background(), tcFor("t1"), "t1", Filter{From: time.Now(), To: time.Now().Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestIdentityRejectionUsesSentinelTenant(t *testing.T) {
	repo := NewMemoryRepository()
	svc, _ := newService(t, repo, nil)
	require.NoError(t, svc.RecordIdentityRejection(context.Background(), "req-9", "expired", map[string]interface{}{"error": "token expired"}))

	records, err := repo.Query(context.Background(), tenancy.UnattributedTenant, Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ActionRejectedIdentity, records[0].Action)
	assert.Equal(t, "expired", records[0].Detail["reason"])
	assert.Equal(t, "req-9", records[0].Detail["request_id"])
}

func TestAppendSpoolsAndReplays(t *testing.T) {
	repo := NewMemoryRepository()
	repo.FailWith(errors.New("db down"))
	sp, err := spool.Open(t.TempDir(), "audit.spool")
	require.NoError(t, err)
	defer sp.Close()

	svc, _ := newService(t, repo, sp)
	rec, err := svc.Append(context.Background(), tcFor("t1"), Entry{Action: ActionInteractionTimeout})
	require.NoError(t, err)

	repo.FailWith(nil)
	n, err := svc.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second replay of the same record is a no-op.
	require.NoError(t, sp.Append(rec))
	_, err = svc.Replay(context.Background())
	require.NoError(t, err)

	records, err := svc.Query(context.Background(), tcFor("t1"), "t1", Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.RecordID, records[0].RecordID)
}

func TestAppendWithoutSpoolReportsDataLoss(t *testing.T) {
	repo := NewMemoryRepository()
	repo.FailWith(errors.New("db down"))
	svc, _ := newService(t, repo, nil)

	_, err := svc.Append(context.Background(), tcFor("t1"), Entry{Action: ActionAdmitted})
	var storageErr *errkind.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.True(t, storageErr.DataLossRisk())
}

// leakyRepository answers every query with another tenant's records.
type leakyRepository struct {
	*MemoryRepository
	source string
}

func (l leakyRepository) Query(ctx context.Context, _ string, f Filter) ([]Record, error) {
	return l.MemoryRepository.Query(ctx, l.source, f)
}

func TestQueryRefusesRecordsOfAnotherTenant(t *testing.T) {
	repo := leakyRepository{MemoryRepository: NewMemoryRepository(), source: "t2"}
	svc, _ := newService(t, repo, nil)
	_, err := svc.Append(context.Background(), tcFor("t2"), Entry{Action: ActionAdmitted})
	require.NoError(t, err)

	records, err := svc.Query(context.Background(), tcFor("t1"), "t1", Filter{})
	assert.Nil(t, records)
	require.True(t, errkind.IsAuthorization(err), "got %v", err)
	assert.False(t, errkind.IsStorage(err))

	var authz *errkind.AuthorizationError
	require.ErrorAs(t, err, &authz)
	assert.Equal(t, "t2", authz.RequestedTenant)
}
