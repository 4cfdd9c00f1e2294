// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"errors"
	"time"
)

// Actions written by the metering layer. External collaborators may append
// their own action names, such as ActionDocumentGenerated.
const (
	ActionAdmitted             = "admission_admitted"
	ActionQueued               = "admission_queued"
	ActionRejectedCapacity     = "admission_rejected"
	ActionRejectedIdentity     = "rejected_identity"
	ActionInteractionCompleted = "interaction_completed"
	ActionInteractionTimeout   = "interaction_timeout"
	ActionRetentionSweep       = "retention_sweep"
	ActionReportExported       = "report_exported"
	ActionDocumentGenerated    = "document_generated"
)

// reserved actions are written only by the metering layer itself.
var reserved = map[string]bool{
	ActionAdmitted:             true,
	ActionQueued:               true,
	ActionRejectedCapacity:     true,
	ActionRejectedIdentity:     true,
	ActionInteractionCompleted: true,
	ActionInteractionTimeout:   true,
	ActionRetentionSweep:       true,
	ActionReportExported:       true,
}

// Reserved reports whether action may only be written by the metering layer.
// External collaborators are refused these names.
func Reserved(action string) bool {
	return reserved[action]
}

var (
	ErrEmptyAction  = errors.New("audit action is required")
	ErrInvalidRange = errors.New("audit range start must be before range end")
)

// Record is one immutable audit log entry.
type Record struct {
	RecordID  string                 `json:"record_id"`
	TenantID  string                 `json:"tenant_id"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Timestamp time.Time              `json:"timestamp"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Entry is the caller-supplied part of a record.
type Entry struct {
	Actor  string
	Action string
	Detail map[string]interface{}
}

// Filter narrows a query. Zero times leave that side of the range open.
type Filter struct {
	From    time.Time
	To      time.Time
	Actions []string
	Limit   int
}

// Validate rejects an inverted range.
func (f Filter) Validate() error {
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return ErrInvalidRange
	}
	return nil
}

func (f Filter) matches(r Record) bool {
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.Timestamp.Before(f.To) {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == r.Action {
			return true
		}
	}
	return false
}
