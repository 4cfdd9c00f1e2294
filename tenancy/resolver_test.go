// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package tenancy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eagle/metering/shared/errkind"
)

var testSecret = []byte("test-secret")

type staticDirectory map[string]bool

func (d staticDirectory) Known(id string) bool { return d[id] }

type recordedRejection struct {
	requestID string
	reason    string
}

type mockRecorder struct {
	mu         sync.Mutex
	rejections []recordedRejection
	err        error
}

func (m *mockRecorder) RecordIdentityRejection(ctx context.Context, requestID, reason string, detail map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, recordedRejection{requestID: requestID, reason: reason})
	return m.err
}

func newTestResolver() (*Resolver, *mockRecorder) {
	rec := &mockRecorder{}
	r := NewResolver(NewJWTVerifier(testSecret, ""), staticDirectory{"t1": true, "t2": true}, rec)
	return r, rec
}

func sign(t *testing.T, tenantID string, ttl time.Duration) string {
	t.Helper()
	tok, err := SignTestToken(testSecret, tenantID, "user-1", ttl)
	require.NoError(t, err)
	return tok
}

func TestResolveValidToken(t *testing.T) {
	r, rec := newTestResolver()

	tc, err := r.Resolve(context.Background(), "Bearer "+sign(t, "T1", time.Hour), nil, "req-1")
	require.NoError(t, err)

	assert.True(t, tc.Valid())
	assert.Equal(t, "t1", tc.TenantID(), "tenant id is normalized")
	assert.Equal(t, "req-1", tc.RequestID())
	assert.Equal(t, "user-1", tc.UserID())
	assert.False(t, tc.IssuedAt().IsZero())
	assert.Empty(t, rec.rejections)
}

func TestResolveGeneratesRequestID(t *testing.T) {
	r, _ := newTestResolver()
	tc, err := r.Resolve(context.Background(), sign(t, "t1", time.Hour), nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, tc.RequestID())
}

func TestResolveRejections(t *testing.T) {
	otherSecret, err := SignTestToken([]byte("other"), "t1", "u", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name      string
		assertion string
		payload   []byte
		reason    string
	}{
		{"missing", "", nil, ReasonMissingAssertion},
		{"malformed", "not-a-jwt", nil, ReasonMalformed},
		{"wrong signature", otherSecret, nil, ReasonInvalidSignature},
		{"expired", sign(t, "t1", -time.Hour), nil, ReasonExpired},
		{"missing tenant claim", sign(t, "", time.Hour), nil, ReasonMissingTenant},
		{"invalid tenant id", sign(t, "_unattributed", time.Hour), nil, ReasonInvalidTenant},
		{"unknown tenant", sign(t, "t9", time.Hour), nil, ReasonUnknownTenant},
		{"payload mismatch", sign(t, "t1", time.Hour), []byte(`{"tenant_id":"t2"}`), ReasonTenantMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec := newTestResolver()

			tc, err := r.Resolve(context.Background(), tt.assertion, tt.payload, "req-x")
			require.Error(t, err)
			assert.False(t, tc.Valid())

			var idErr *errkind.IdentityError
			require.True(t, errors.As(err, &idErr))
			assert.Equal(t, tt.reason, idErr.Reason)

			require.Len(t, rec.rejections, 1, "exactly one rejected_identity audit entry")
			assert.Equal(t, tt.reason, rec.rejections[0].reason)
			assert.Equal(t, "req-x", rec.rejections[0].requestID)
		})
	}
}

func TestResolvePayloadWithSameTenant(t *testing.T) {
	r, _ := newTestResolver()
	tc, err := r.Resolve(context.Background(), sign(t, "t2", time.Hour), []byte(`{"tenant_id":"T2","text":"hi"}`), "")
	require.NoError(t, err)
	assert.Equal(t, "t2", tc.TenantID())
}

func TestResolveRecorderFailureStillRejects(t *testing.T) {
	r, rec := newTestResolver()
	rec.err = errors.New("audit down")

	_, err := r.Resolve(context.Background(), "", nil, "")
	assert.True(t, errkind.IsIdentity(err))
}

func TestResolveConcurrent(t *testing.T) {
	r, _ := newTestResolver()
	tokens := map[string]string{"t1": sign(t, "t1", time.Hour), "t2": sign(t, "t2", time.Hour)}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		tenant := "t1"
		if i%2 == 0 {
			tenant = "t2"
		}
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			tc, err := r.Resolve(context.Background(), tokens[tenant], nil, "")
			if err != nil || tc.TenantID() != tenant {
				t.Errorf("resolve %s: tc=%q err=%v", tenant, tc.TenantID(), err)
			}
		}(tenant)
	}
	wg.Wait()
}

func TestRequireScope(t *testing.T) {
	tc := NewContextForTesting("t1", "r", time.Now())

	assert.NoError(t, RequireScope(tc, "t1"))
	assert.True(t, errkind.IsAuthorization(RequireScope(tc, "t2")))
	assert.True(t, errkind.IsIdentity(RequireScope(TenantContext{}, "t1")))

	sentinel := NewContextForTesting(UnattributedTenant, "r", time.Now())
	assert.True(t, errkind.IsAuthorization(RequireScope(sentinel, UnattributedTenant)))
}

func TestContextRoundTrip(t *testing.T) {
	tc := NewContextForTesting("t1", "r1", time.Now())
	got, ok := FromContext(WithContext(context.Background(), tc))
	require.True(t, ok)
	assert.Equal(t, tc, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestNormalizeTenantID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{" Acme-Corp ", "acme-corp", true},
		{"t1", "t1", true},
		{"", "", false},
		{"_unattributed", "_unattributed", false},
		{"has space", "has space", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeTenantID(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}
