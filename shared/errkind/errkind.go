// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package errkind defines the error kinds shared by every metering component.
// Identity and authorization failures are definitive and never retried;
// storage failures are retried and spooled by the writer that hit them.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Capacity rejection reasons.
const (
	ReasonConcurrencyExceeded = "tenant_concurrency_exceeded"
	ReasonRateExceeded        = "tenant_rate_exceeded"
)

// IdentityError is returned when an interaction carries no usable tenant identity.
type IdentityError struct {
	Reason string
	Err    error
}

func (e *IdentityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity rejected: %s: %v", e.Reason, e.Err)
	}
	return "identity rejected: " + e.Reason
}

func (e *IdentityError) Unwrap() error { return e.Err }

// CapacityError is returned when admission control denies an interaction.
type CapacityError struct {
	TenantID string
	Reason   string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity denied for tenant %s: %s", e.TenantID, e.Reason)
}

// AuthorizationError is returned for any query whose target tenant differs
// from the caller's authorized tenant.
type AuthorizationError struct {
	CallerTenant    string
	RequestedTenant string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("tenant %s is not authorized to read tenant %s", e.CallerTenant, e.RequestedTenant)
}

// StorageError wraps a durable-store failure after local retries were exhausted.
// A payload the fallback spool captured is not an error; SpoolErr is set when
// the spool write failed as well.
type StorageError struct {
	Op       string
	Err      error
	SpoolErr error
}

func (e *StorageError) Error() string {
	switch {
	case e.SpoolErr != nil:
		return fmt.Sprintf("storage %s failed and spool unavailable (data loss risk): %v; spool: %v", e.Op, e.Err, e.SpoolErr)
	default:
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
	}
}

func (e *StorageError) Unwrap() error { return e.Err }

// DataLossRisk reports whether neither the store nor the spool holds the payload.
func (e *StorageError) DataLossRisk() bool {
	return e.SpoolErr != nil
}

// TimeoutError is returned when the agent runtime exceeded its deadline.
type TimeoutError struct {
	TenantID      string
	InteractionID string
	Deadline      time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("interaction %s for tenant %s exceeded deadline %s", e.InteractionID, e.TenantID, e.Deadline)
}

// IsIdentity reports whether err is or wraps an IdentityError.
func IsIdentity(err error) bool {
	var target *IdentityError
	return errors.As(err, &target)
}

// IsCapacity reports whether err is or wraps a CapacityError.
func IsCapacity(err error) bool {
	var target *CapacityError
	return errors.As(err, &target)
}

// IsAuthorization reports whether err is or wraps an AuthorizationError.
func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

// IsStorage reports whether err is or wraps a StorageError.
func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// Retryable reports whether a caller may retry the operation that produced err.
// Identity and authorization failures are definitive. Store writers use it as
// their default retry predicate.
func Retryable(err error) bool {
	if err == nil || IsIdentity(err) || IsAuthorization(err) {
		return false
	}
	return true
}

// HTTPStatus maps an error kind to the status code surfaced by HTTP handlers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsIdentity(err):
		return http.StatusUnauthorized
	case IsAuthorization(err):
		return http.StatusForbidden
	case IsCapacity(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsStorage(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
