// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package audit keeps the append-only audit trail of tenant-visible actions.
//
// Appends are synchronous: a record is either in the repository, in the local
// spool, or the caller receives a StorageError reporting data-loss risk.
// Reads enforce the tenant scope of the caller.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"eagle/metering/common/retry"
	"eagle/metering/shared/errkind"
	"eagle/metering/shared/logger"
	"eagle/metering/tenancy"
)

// Spooler is the local fallback queue.
type Spooler interface {
	Append(v interface{}) error
	Drain(ctx context.Context, fn func(ctx context.Context, raw json.RawMessage) error) (int, error)
}

// Options configures a Service.
type Options struct {
	Retry retry.Policy
	Spool Spooler
	Now   func() time.Time
}

// Service appends and queries audit records.
type Service struct {
	repo   Repository
	retry  retry.Policy
	spool  Spooler
	now    func() time.Time
	logger *logger.Logger
}

// NewService creates a service over repo.
func NewService(repo Repository, opts Options) *Service {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Retry.RetryIf == nil {
		opts.Retry.RetryIf = errkind.Retryable
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:   repo,
		retry:  opts.Retry,
		spool:  opts.Spool,
		now:    opts.Now,
		logger: logger.New("audit"),
	}
}

// Append writes one record for the tenant of tc. The actor defaults to the
// user of tc, then to "system".
func (s *Service) Append(ctx context.Context, tc tenancy.TenantContext, e Entry) (Record, error) {
	if err := tenancy.RequireContext(tc); err != nil {
		return Record{}, err
	}
	if e.Action == "" {
		return Record{}, ErrEmptyAction
	}
	actor := e.Actor
	if actor == "" {
		actor = tc.UserID()
	}
	if actor == "" {
		actor = "system"
	}

	detail := make(map[string]interface{}, len(e.Detail)+1)
	for k, v := range e.Detail {
		detail[k] = v
	}
	detail["request_id"] = tc.RequestID()

	r := Record{
		RecordID:  uuid.NewString(),
		TenantID:  tc.TenantID(),
		Actor:     actor,
		Action:    e.Action,
		Timestamp: s.now().UTC(),
		Detail:    detail,
	}
	return r, s.write(ctx, tc.RequestID(), r)
}

func (s *Service) write(ctx context.Context, requestID string, r Record) error {
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.repo.Insert(ctx, r)
	})
	if err == nil {
		promAuditRecords.WithLabelValues(r.Action, "stored").Inc()
		return nil
	}

	s.logger.Warn(r.TenantID, requestID, "Audit write failed, spooling", map[string]interface{}{
		"record_id": r.RecordID,
		"action":    r.Action,
		"error":     err.Error(),
	})
	var spoolErr error
	if s.spool == nil {
		spoolErr = errors.New("no spool configured")
	} else {
		spoolErr = s.spool.Append(r)
	}
	if spoolErr != nil {
		promAuditRecords.WithLabelValues(r.Action, "lost").Inc()
		s.logger.Error(r.TenantID, requestID, "Audit record lost: spool unavailable", map[string]interface{}{
			"record_id": r.RecordID,
			"error":     spoolErr.Error(),
		})
		return &errkind.StorageError{Op: "append_audit", Err: err, SpoolErr: spoolErr}
	}
	promAuditRecords.WithLabelValues(r.Action, "spooled").Inc()
	return nil
}

// RecordIdentityRejection writes a rejected_identity record under the
// unattributed tenant scope.
func (s *Service) RecordIdentityRejection(ctx context.Context, requestID, reason string, detail map[string]interface{}) error {
	tc := tenancy.UnattributedContext(requestID)
	d := map[string]interface{}{"reason": reason}
	for k, v := range detail {
		d[k] = v
	}
	_, err := s.Append(ctx, tc, Entry{Actor: "tenant-resolver", Action: ActionRejectedIdentity, Detail: d})
	return err
}

// Query returns tenantID's records matching f. tc must be authorized for
// tenantID; a mismatch is an AuthorizationError, never an empty result.
func (s *Service) Query(ctx context.Context, tc tenancy.TenantContext, tenantID string, f Filter) ([]Record, error) {
	if err := tenancy.RequireScope(tc, tenantID); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	records, err := s.repo.Query(ctx, tenantID, f)
	if err != nil {
		return nil, &errkind.StorageError{Op: "query_audit", Err: err}
	}
	for _, r := range records {
		if r.TenantID != tenantID {
			s.logger.Error(tenantID, "", "Audit repository returned a record of another tenant", map[string]interface{}{
				"record_id":     r.RecordID,
				"record_tenant": r.TenantID,
			})
			return nil, &errkind.AuthorizationError{CallerTenant: tenantID, RequestedTenant: r.TenantID}
		}
	}
	return records, nil
}

// Replay re-drives spooled records into the repository.
func (s *Service) Replay(ctx context.Context) (int, error) {
	if s.spool == nil {
		return 0, nil
	}
	n, err := s.spool.Drain(ctx, func(ctx context.Context, raw json.RawMessage) error {
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			s.logger.Error("", "", "Discarding unreadable spooled audit record", map[string]interface{}{"error": err.Error()})
			return nil
		}
		return s.repo.Insert(ctx, r)
	})
	if n > 0 {
		s.logger.Info("", "", "Replayed spooled audit records", map[string]interface{}{"count": n})
	}
	return n, err
}
