// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package tenancy resolves the tenant identity of an inbound interaction into
// an immutable TenantContext that every other component requires.
package tenancy

import (
	"context"
	"time"

	"eagle/metering/shared/logger"
)

// UnattributedTenant is the reserved tenant scope for failures that cannot be
// attributed to any tenant, such as identity rejections. Normalized tenant ids
// never start with an underscore, so it cannot collide with a real tenant.
const UnattributedTenant = logger.UnattributedTenant

// TenantContext identifies the tenant of one interaction. It is a value type
// with unexported fields; copies cannot be altered after construction.
type TenantContext struct {
	tenantID  string
	requestID string
	issuedAt  time.Time
	userID    string
	sessionID string
}

// TenantID returns the tenant of the interaction.
func (tc TenantContext) TenantID() string { return tc.tenantID }

// RequestID returns the request correlation id.
func (tc TenantContext) RequestID() string { return tc.requestID }

// IssuedAt returns when the context was resolved.
func (tc TenantContext) IssuedAt() time.Time { return tc.issuedAt }

// UserID returns the subject of the identity assertion, if any.
func (tc TenantContext) UserID() string { return tc.userID }

// SessionID returns the session claimed by the identity assertion, if any.
func (tc TenantContext) SessionID() string { return tc.sessionID }

// Valid reports whether tc was produced by a resolver. The zero value is invalid.
func (tc TenantContext) Valid() bool {
	return tc.tenantID != "" && tc.requestID != "" && !tc.issuedAt.IsZero()
}

// Authorizes reports whether tc may read data belonging to tenantID.
func (tc TenantContext) Authorizes(tenantID string) bool {
	return tc.Valid() && tc.tenantID != UnattributedTenant && tc.tenantID == tenantID
}

type ctxKey struct{}

// WithContext attaches tc to ctx.
func WithContext(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the TenantContext attached to ctx.
func FromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(ctxKey{}).(TenantContext)
	return tc, ok && tc.Valid()
}
