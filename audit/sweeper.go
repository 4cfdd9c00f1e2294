// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"eagle/metering/archive"
	"eagle/metering/config"
	"eagle/metering/metering"
	"eagle/metering/shared/logger"
	"eagle/metering/tenancy"
)

const archiveContentType = "application/x-ndjson"

// RetentionSource supplies per-tenant retention and the configured tenants.
type RetentionSource interface {
	Retention(tenantID string) config.RetentionPolicy
	TenantIDs() []string
}

// EventStore is the raw usage event store swept by raw_event_retention_days.
type EventStore interface {
	ListEvents(ctx context.Context, tenantID string, from, to time.Time) ([]metering.UsageEvent, error)
	DeleteEventsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
}

// TenantLister is implemented by stores that can enumerate the tenants they
// hold. The sweeper uses it to reach tenants removed from the configuration.
type TenantLister interface {
	TenantIDs(ctx context.Context) ([]string, error)
}

// BucketPurger removes aggregate buckets that ended before cutoff.
type BucketPurger interface {
	PurgeBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
}

// SweeperOptions wires the optional stores of a Sweeper.
type SweeperOptions struct {
	Events  EventStore
	Buckets BucketPurger
	Archive archive.Sink
	Prefix  string
	Now     func() time.Time
}

// TenantSweep reports what one sweep did for one tenant.
type TenantSweep struct {
	TenantID      string    `json:"tenant_id"`
	AuditCutoff   time.Time `json:"audit_cutoff"`
	EventCutoff   time.Time `json:"event_cutoff"`
	AuditPurged   int64     `json:"audit_purged"`
	EventsPurged  int64     `json:"events_purged"`
	BucketsPurged int64     `json:"buckets_purged"`
	ArchivedKeys  []string  `json:"archived_keys,omitempty"`
}

func (t TenantSweep) purged() bool {
	return t.AuditPurged > 0 || t.EventsPurged > 0 || t.BucketsPurged > 0
}

// Sweeper applies retention policies.
type Sweeper struct {
	service   *Service
	retention RetentionSource
	events    EventStore
	buckets   BucketPurger
	sink      archive.Sink
	prefix    string
	now       func() time.Time
	running   sync.Mutex
	logger    *logger.Logger
}

// NewSweeper creates a sweeper. Audit records are purged through service's
// repository and the sweep itself is audited through service.
func NewSweeper(service *Service, retention RetentionSource, opts SweeperOptions) *Sweeper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		service:   service,
		retention: retention,
		events:    opts.Events,
		buckets:   opts.Buckets,
		sink:      opts.Archive,
		prefix:    opts.Prefix,
		now:       opts.Now,
		logger:    logger.New("retention"),
	}
}

// ErrSweepRunning is returned when a sweep is already in progress.
var ErrSweepRunning = errors.New("retention sweep already running")

// Sweep runs one pass over every configured tenant, every tenant the stores
// still hold data for, and the unattributed scope. Tenants no longer
// configured are swept with the default retention. A failing tenant does not
// stop the others; their errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) ([]TenantSweep, error) {
	if !s.running.TryLock() {
		return nil, ErrSweepRunning
	}
	defer s.running.Unlock()

	start := time.Now()
	var (
		reports []TenantSweep
		errs    []error
	)
	tenants, err := s.tenants(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report, err := s.sweepTenant(ctx, tenantID)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
		}
		if report.purged() {
			reports = append(reports, report)
		}
	}

	s.logger.InfoWithDuration("", "", "Retention sweep finished", float64(time.Since(start).Milliseconds()), map[string]interface{}{
		"tenants":        len(tenants),
		"tenants_purged": len(reports),
		"errors":         len(errs),
	})
	return reports, errors.Join(errs...)
}

// tenants merges configured and stored tenant ids. A store that cannot list
// its tenants is reported but does not block the configured ones.
func (s *Sweeper) tenants(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(ids ...string) {
		for _, id := range ids {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	add(s.retention.TenantIDs()...)

	var errs []error
	for _, store := range []interface{}{s.service.repo, s.events, s.buckets} {
		lister, ok := store.(TenantLister)
		if !ok {
			continue
		}
		ids, err := lister.TenantIDs(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list stored tenants: %w", err))
			continue
		}
		add(ids...)
	}
	add(tenancy.UnattributedTenant)
	return out, errors.Join(errs...)
}

func (s *Sweeper) sweepTenant(ctx context.Context, tenantID string) (TenantSweep, error) {
	policy := s.retention.Retention(tenantID)
	now := s.now().UTC()
	report := TenantSweep{
		TenantID:    tenantID,
		AuditCutoff: policy.AuditCutoff(now),
		EventCutoff: policy.RawEventCutoff(now),
	}

	if err := s.sweepAudit(ctx, &report); err != nil {
		return report, err
	}
	if s.events != nil {
		if err := s.sweepEvents(ctx, &report); err != nil {
			return report, err
		}
	}
	if s.buckets != nil {
		n, err := s.buckets.PurgeBefore(ctx, tenantID, report.AuditCutoff)
		if err != nil {
			return report, fmt.Errorf("purge buckets: %w", err)
		}
		report.BucketsPurged = n
		promRetentionPurged.WithLabelValues("bucket").Add(float64(n))
	}

	if !report.purged() {
		return report, nil
	}
	_, err := s.service.Append(ctx, tenancy.SystemContext(tenantID), Entry{
		Actor:  "retention-sweeper",
		Action: ActionRetentionSweep,
		Detail: map[string]interface{}{
			"audit_cutoff":   report.AuditCutoff.Format(time.RFC3339),
			"event_cutoff":   report.EventCutoff.Format(time.RFC3339),
			"audit_purged":   report.AuditPurged,
			"events_purged":  report.EventsPurged,
			"buckets_purged": report.BucketsPurged,
			"archived_keys":  report.ArchivedKeys,
		},
	})
	return report, err
}

func (s *Sweeper) sweepAudit(ctx context.Context, report *TenantSweep) error {
	if s.sink != nil {
		expired, err := s.service.repo.Query(ctx, report.TenantID, Filter{To: report.AuditCutoff})
		if err != nil {
			return fmt.Errorf("list expired audit records: %w", err)
		}
		if len(expired) > 0 {
			if err := s.archiveBatch(ctx, report, "audit", report.AuditCutoff, expired); err != nil {
				return err
			}
		}
	}
	n, err := s.service.repo.DeleteBefore(ctx, report.TenantID, report.AuditCutoff)
	if err != nil {
		return fmt.Errorf("purge audit records: %w", err)
	}
	report.AuditPurged = n
	promRetentionPurged.WithLabelValues("audit").Add(float64(n))
	return nil
}

func (s *Sweeper) sweepEvents(ctx context.Context, report *TenantSweep) error {
	if s.sink != nil {
		expired, err := s.events.ListEvents(ctx, report.TenantID, time.Unix(0, 0).UTC(), report.EventCutoff)
		if err != nil {
			return fmt.Errorf("list expired usage events: %w", err)
		}
		if len(expired) > 0 {
			if err := s.archiveBatch(ctx, report, "usage_events", report.EventCutoff, expired); err != nil {
				return err
			}
		}
	}
	n, err := s.events.DeleteEventsBefore(ctx, report.TenantID, report.EventCutoff)
	if err != nil {
		return fmt.Errorf("purge usage events: %w", err)
	}
	report.EventsPurged = n
	promRetentionPurged.WithLabelValues("usage_event").Add(float64(n))
	return nil
}

// archiveBatch must succeed before the batch is purged.
func (s *Sweeper) archiveBatch(ctx context.Context, report *TenantSweep, kind string, cutoff time.Time, items interface{}) error {
	body, err := archive.Encode(items)
	if err != nil {
		return err
	}
	key := archive.Key(s.prefix, report.TenantID, kind, cutoff)
	if err := s.sink.Put(ctx, key, body, archiveContentType); err != nil {
		return fmt.Errorf("archive %s to %s: %w", kind, s.sink.Name(), err)
	}
	report.ArchivedKeys = append(report.ArchivedKeys, key)
	return nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("", "", "Retention sweep failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
