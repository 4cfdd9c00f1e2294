// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"eagle/metering/shared/errkind"
	"eagle/metering/shared/logger"
)

// Claims are the identity attributes extracted from a verified assertion.
type Claims struct {
	TenantID  string
	Subject   string
	SessionID string
	ExpiresAt time.Time
}

// Verifier validates the signature and expiry of an opaque identity assertion.
type Verifier interface {
	Verify(ctx context.Context, assertion string) (Claims, error)
}

// Directory reports whether a tenant id maps to a provisioned tenant.
type Directory interface {
	Known(tenantID string) bool
}

// RejectionRecorder writes the security audit entry for an identity rejection
// under UnattributedTenant.
type RejectionRecorder interface {
	RecordIdentityRejection(ctx context.Context, requestID, reason string, detail map[string]interface{}) error
}

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

// NormalizeTenantID trims and lowercases id and checks its shape.
func NormalizeTenantID(id string) (string, bool) {
	n := strings.ToLower(strings.TrimSpace(id))
	return n, tenantIDPattern.MatchString(n)
}

// Resolver turns identity assertions into TenantContexts. It holds no
// mutable state and is safe for concurrent use.
type Resolver struct {
	verifier  Verifier
	directory Directory
	recorder  RejectionRecorder
	now       func() time.Time
	logger    *logger.Logger
}

// NewResolver creates a resolver. recorder may be nil in tests.
func NewResolver(verifier Verifier, directory Directory, recorder RejectionRecorder) *Resolver {
	return &Resolver{
		verifier:  verifier,
		directory: directory,
		recorder:  recorder,
		now:       time.Now,
		logger:    logger.New("tenancy"),
	}
}

// Resolve validates assertion and returns the interaction's TenantContext.
// payload may be nil; when it is a JSON object declaring tenant_id, that value
// must match the asserted tenant. requestID is generated when empty.
//
// Any failure returns *errkind.IdentityError and, apart from the
// rejected_identity audit entry, has no side effects.
func (r *Resolver) Resolve(ctx context.Context, assertion string, payload []byte, requestID string) (TenantContext, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	tc, reason, cause := r.resolve(ctx, assertion, payload, requestID)
	if reason == "" {
		return tc, nil
	}

	idErr := &errkind.IdentityError{Reason: reason, Err: cause}
	r.logger.Warn(UnattributedTenant, requestID, "Rejected interaction identity", map[string]interface{}{
		"reason": reason,
	})
	if r.recorder != nil {
		detail := map[string]interface{}{"reason": reason}
		if cause != nil {
			detail["error"] = cause.Error()
		}
		if err := r.recorder.RecordIdentityRejection(ctx, requestID, reason, detail); err != nil {
			r.logger.Error(UnattributedTenant, requestID, "Failed to audit identity rejection", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return TenantContext{}, idErr
}

func (r *Resolver) resolve(ctx context.Context, assertion string, payload []byte, requestID string) (TenantContext, string, error) {
	assertion = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(assertion), "Bearer "))
	if assertion == "" {
		return TenantContext{}, ReasonMissingAssertion, nil
	}

	claims, err := r.verifier.Verify(ctx, assertion)
	if err != nil {
		var idErr *errkind.IdentityError
		if errors.As(err, &idErr) {
			return TenantContext{}, idErr.Reason, idErr.Err
		}
		return TenantContext{}, ReasonMalformed, err
	}

	if claims.TenantID == "" {
		return TenantContext{}, ReasonMissingTenant, nil
	}
	tenantID, ok := NormalizeTenantID(claims.TenantID)
	if !ok {
		return TenantContext{}, ReasonInvalidTenant, nil
	}
	if r.directory != nil && !r.directory.Known(tenantID) {
		return TenantContext{}, ReasonUnknownTenant, nil
	}

	if declared := payloadTenant(payload); declared != "" {
		if n, _ := NormalizeTenantID(declared); n != tenantID {
			return TenantContext{}, ReasonTenantMismatch, nil
		}
	}

	return TenantContext{
		tenantID:  tenantID,
		requestID: requestID,
		issuedAt:  r.now().UTC(),
		userID:    claims.Subject,
		sessionID: claims.SessionID,
	}, "", nil
}

func payloadTenant(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var claimed struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.Unmarshal(payload, &claimed); err != nil {
		return ""
	}
	return claimed.TenantID
}

// NewContextForTesting builds a TenantContext without an assertion. It exists
// for tests of downstream components and for trusted internal callers such as
// the retention sweeper.
func NewContextForTesting(tenantID, requestID string, issuedAt time.Time) TenantContext {
	return TenantContext{tenantID: tenantID, requestID: requestID, issuedAt: issuedAt}
}

// SystemContext returns a context for actions the process performs on behalf
// of a tenant without an inbound interaction (retention sweeps, replays).
func SystemContext(tenantID string) TenantContext {
	return TenantContext{tenantID: tenantID, requestID: "system-" + uuid.NewString(), issuedAt: time.Now().UTC(), userID: "system"}
}

// UnattributedContext returns a context scoped to the sentinel tenant, used
// to record failures that have no tenant.
func UnattributedContext(requestID string) TenantContext {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return TenantContext{tenantID: UnattributedTenant, requestID: requestID, issuedAt: time.Now().UTC()}
}

// NewUserContextForTesting is NewContextForTesting with a user and session.
func NewUserContextForTesting(tenantID, requestID, userID, sessionID string) TenantContext {
	return TenantContext{tenantID: tenantID, requestID: requestID, issuedAt: time.Now().UTC(), userID: userID, sessionID: sessionID}
}
