// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package tenancy

import (
	"errors"

	"eagle/metering/shared/errkind"
)

// Identity rejection reasons.
const (
	ReasonMissingAssertion = "missing_assertion"
	ReasonMalformed        = "malformed_assertion"
	ReasonInvalidSignature = "invalid_signature"
	ReasonExpired          = "expired_assertion"
	ReasonMissingTenant    = "missing_tenant_claim"
	ReasonInvalidTenant    = "invalid_tenant_id"
	ReasonUnknownTenant    = "unknown_tenant"
	ReasonTenantMismatch   = "payload_tenant_mismatch"
)

// ErrMissingContext is wrapped by components that receive an invalid TenantContext.
var ErrMissingContext = errors.New("tenant context missing or invalid")

// RequireContext returns an IdentityError unless tc is valid.
func RequireContext(tc TenantContext) error {
	if tc.Valid() {
		return nil
	}
	return &errkind.IdentityError{Reason: "missing_tenant_context", Err: ErrMissingContext}
}

// RequireScope checks that tc may read data of tenantID.
func RequireScope(tc TenantContext, tenantID string) error {
	if err := RequireContext(tc); err != nil {
		return err
	}
	if !tc.Authorizes(tenantID) {
		return &errkind.AuthorizationError{CallerTenant: tc.TenantID(), RequestedTenant: tenantID}
	}
	return nil
}
