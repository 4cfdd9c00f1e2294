// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package gateway runs one interaction through the metering layer:
// identity resolution, admission, the agent runtime call under a deadline,
// then usage metering and the audit trail.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eagle/metering/admission"
	"eagle/metering/audit"
	"eagle/metering/metering"
	"eagle/metering/runtime"
	"eagle/metering/session"
	"eagle/metering/shared/errkind"
	"eagle/metering/shared/logger"
	"eagle/metering/tenancy"
)

// ReasonQueueWait is the CapacityError reason for a queued interaction that
// was not admitted within the queue wait limit.
const ReasonQueueWait = "queue_wait_exceeded"

// ErrRuntimeFailed wraps agent-runtime errors other than a deadline.
var ErrRuntimeFailed = errors.New("agent runtime failed")

// ErrReservedAction is returned when a collaborator appends a reserved audit action.
var ErrReservedAction = errors.New("audit action is reserved for the metering layer")

// Authenticator resolves the tenant of an inbound request.
type Authenticator interface {
	Resolve(ctx context.Context, assertion string, payload []byte, requestID string) (tenancy.TenantContext, error)
}

// Admitter is the admission controller.
type Admitter interface {
	TryAdmit(ctx context.Context, tc tenancy.TenantContext, interactionID string) admission.Result
	Await(ctx context.Context, tc tenancy.TenantContext, t *admission.Ticket) error
	Release(tc tenancy.TenantContext, interactionID string) error
}

// Recorder writes usage events.
type Recorder interface {
	Record(ctx context.Context, tc tenancy.TenantContext, in metering.Interaction) (metering.Receipt, error)
}

// Auditor appends audit records.
type Auditor interface {
	Append(ctx context.Context, tc tenancy.TenantContext, e audit.Entry) (audit.Record, error)
}

// Options configures a Pipeline.
type Options struct {
	// Deadline bounds each runtime call.
	Deadline time.Duration
	// QueueWait bounds how long a queued interaction waits for a slot.
	// Defaults to Deadline.
	QueueWait time.Duration
	// Sessions is optional; session bookkeeping never affects metering.
	Sessions session.Store
	Now      func() time.Time
}

// Pipeline wires the metering layer around an agent runtime.
type Pipeline struct {
	auth      Authenticator
	admission Admitter
	invoker   runtime.Invoker
	recorder  Recorder
	audit     Auditor
	sessions  session.Store
	deadline  time.Duration
	queueWait time.Duration
	now       func() time.Time
	logger    *logger.Logger
}

// NewPipeline creates a pipeline. invoker may be nil when the process only
// serves the ingestion boundary.
func NewPipeline(auth Authenticator, admitter Admitter, invoker runtime.Invoker, recorder Recorder, auditor Auditor, opts Options) *Pipeline {
	if opts.Deadline <= 0 {
		opts.Deadline = 30 * time.Second
	}
	if opts.QueueWait <= 0 {
		opts.QueueWait = opts.Deadline
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		auth:      auth,
		admission: admitter,
		invoker:   invoker,
		recorder:  recorder,
		audit:     auditor,
		sessions:  opts.Sessions,
		deadline:  opts.Deadline,
		queueWait: opts.QueueWait,
		now:       opts.Now,
		logger:    logger.New("gateway"),
	}
}

// Outcome is the observable result of one interaction.
type Outcome struct {
	RequestID     string              `json:"request_id"`
	TenantID      string              `json:"tenant_id"`
	InteractionID string              `json:"interaction_id"`
	Decision      admission.Decision  `json:"decision,omitempty"`
	Reply         string              `json:"reply,omitempty"`
	Event         metering.UsageEvent `json:"usage"`
	Duplicate     bool                `json:"duplicate"`
	Spooled       bool                `json:"spooled"`
}

// Interact runs req for the tenant asserted by assertion.
//
// Identity and capacity failures return before the runtime is called. A
// runtime deadline is metered with outcome timeout and returned as
// *errkind.TimeoutError alongside the Outcome.
func (p *Pipeline) Interact(ctx context.Context, assertion string, payload []byte, requestID string, req runtime.Request) (Outcome, error) {
	tc, err := p.auth.Resolve(ctx, assertion, payload, requestID)
	if err != nil {
		return Outcome{}, err
	}
	if p.invoker == nil {
		return Outcome{}, fmt.Errorf("%w: no agent runtime configured", ErrRuntimeFailed)
	}
	if len(req.Messages) == 0 {
		return Outcome{}, runtime.ErrEmptyRequest
	}
	if req.InteractionID == "" {
		req.InteractionID = uuid.NewString()
	}

	out := Outcome{RequestID: tc.RequestID(), TenantID: tc.TenantID(), InteractionID: req.InteractionID}
	// Audit and metering writes must land even when the caller goes away.
	writeCtx := context.WithoutCancel(ctx)

	decision, err := p.admit(ctx, writeCtx, tc, req.InteractionID)
	out.Decision = decision
	if err != nil {
		return out, err
	}
	defer func() {
		if err := p.admission.Release(tc, req.InteractionID); err != nil {
			p.logger.Warn(tc.TenantID(), tc.RequestID(), "Failed to release admission slot", map[string]interface{}{
				"interaction_id": req.InteractionID,
				"error":          err.Error(),
			})
		}
	}()

	invokeCtx, cancel := context.WithTimeout(ctx, p.deadline)
	start := p.now()
	result, invokeErr := p.invoker.Invoke(invokeCtx, tc, req)
	latency := p.now().Sub(start)
	timedOut := invokeErr != nil && errors.Is(invokeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	interaction := metering.Interaction{
		InteractionID: req.InteractionID,
		MessageCount:  len(req.Messages),
		TokensIn:      result.TokensIn,
		TokensOut:     result.TokensOut,
		LatencyMS:     latency.Milliseconds(),
		Outcome:       metering.OutcomeSuccess,
		Model:         req.Model,
	}
	if result.MessageCount > 0 {
		interaction.MessageCount = result.MessageCount
	}
	if result.Model != "" {
		interaction.Model = result.Model
	}
	switch {
	case timedOut:
		interaction.Outcome = metering.OutcomeTimeout
	case invokeErr != nil:
		interaction.Outcome = metering.OutcomeFailure
	}

	if err := p.complete(writeCtx, tc, interaction, &out); err != nil {
		return out, err
	}
	out.Reply = result.Reply
	p.touchSession(writeCtx, tc, interaction.MessageCount)

	p.logger.InfoWithDuration(tc.TenantID(), tc.RequestID(), "Interaction completed", float64(latency.Milliseconds()), map[string]interface{}{
		"interaction_id": req.InteractionID,
		"event_id":       out.Event.EventID,
		"outcome":        string(interaction.Outcome),
		"runtime":        p.invoker.Name(),
	})

	switch {
	case timedOut:
		return out, &errkind.TimeoutError{TenantID: tc.TenantID(), InteractionID: req.InteractionID, Deadline: p.deadline}
	case invokeErr != nil:
		return out, fmt.Errorf("%w: %v", ErrRuntimeFailed, invokeErr)
	}
	return out, nil
}

// admit runs admission and audits the decision. A nil error means the
// interaction holds a slot that the caller must release.
func (p *Pipeline) admit(ctx, writeCtx context.Context, tc tenancy.TenantContext, interactionID string) (admission.Decision, error) {
	res := p.admission.TryAdmit(ctx, tc, interactionID)

	switch res.Decision {
	case admission.DecisionReject:
		p.auditDecision(writeCtx, tc, audit.ActionRejectedCapacity, rejectDetail(interactionID, res.Err))
		return res.Decision, res.Err

	case admission.DecisionQueue:
		p.auditDecision(writeCtx, tc, audit.ActionQueued, map[string]interface{}{
			"interaction_id": interactionID,
			"position":       res.Position,
		})
		waitCtx, cancel := context.WithTimeout(ctx, p.queueWait)
		err := p.admission.Await(waitCtx, tc, res.Ticket)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return res.Decision, ctx.Err()
			}
			capErr := &errkind.CapacityError{TenantID: tc.TenantID(), Reason: ReasonQueueWait}
			p.auditDecision(writeCtx, tc, audit.ActionRejectedCapacity, rejectDetail(interactionID, capErr))
			return admission.DecisionReject, capErr
		}
	}

	if _, err := p.audit.Append(writeCtx, tc, audit.Entry{
		Action: audit.ActionAdmitted,
		Detail: map[string]interface{}{"interaction_id": interactionID},
	}); err != nil {
		// Without the admission record the interaction must not run.
		_ = p.admission.Release(tc, interactionID)
		return admission.DecisionAdmit, err
	}
	return admission.DecisionAdmit, nil
}

func rejectDetail(interactionID string, cause error) map[string]interface{} {
	detail := map[string]interface{}{"interaction_id": interactionID}
	var capErr *errkind.CapacityError
	switch {
	case errors.As(cause, &capErr):
		detail["reason"] = capErr.Reason
	case errors.Is(cause, admission.ErrDuplicateInteraction):
		detail["reason"] = admission.ReasonDuplicateInteraction
	}
	return detail
}

// auditDecision records an intermediate or rejecting admission decision. The
// interaction does not run in either case, so a failed write is logged only.
func (p *Pipeline) auditDecision(ctx context.Context, tc tenancy.TenantContext, action string, detail map[string]interface{}) {
	if _, err := p.audit.Append(ctx, tc, audit.Entry{Action: action, Detail: detail}); err != nil {
		p.logger.Error(tc.TenantID(), tc.RequestID(), "Failed to audit admission decision", map[string]interface{}{
			"action": action,
			"error":  err.Error(),
		})
	}
}

// complete meters the interaction and appends its audit record. Either write
// failing with data-loss risk fails the interaction.
func (p *Pipeline) complete(ctx context.Context, tc tenancy.TenantContext, in metering.Interaction, out *Outcome) error {
	receipt, err := p.recorder.Record(ctx, tc, in)
	if err != nil {
		return err
	}
	out.Event = receipt.Event
	out.Duplicate = receipt.Duplicate
	out.Spooled = receipt.Spooled

	action := audit.ActionInteractionCompleted
	if in.Outcome == metering.OutcomeTimeout {
		action = audit.ActionInteractionTimeout
	}
	_, err = p.audit.Append(ctx, tc, audit.Entry{
		Action: action,
		Detail: map[string]interface{}{
			"interaction_id": in.InteractionID,
			"event_id":       receipt.Event.EventID,
			"outcome":        string(in.Outcome),
			"tokens_in":      in.TokensIn,
			"tokens_out":     in.TokensOut,
			"latency_ms":     in.LatencyMS,
			"duplicate":      receipt.Duplicate,
		},
	})
	return err
}

func (p *Pipeline) touchSession(ctx context.Context, tc tenancy.TenantContext, messages int) {
	if p.sessions == nil {
		return
	}
	if _, err := p.sessions.Touch(ctx, tc, messages); err != nil && !errors.Is(err, session.ErrNoSession) {
		p.logger.Warn(tc.TenantID(), tc.RequestID(), "Failed to update session", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Ingest records an interaction that an external runtime already executed.
// It meters and audits exactly like Interact but skips admission.
func (p *Pipeline) Ingest(ctx context.Context, assertion string, payload []byte, requestID string, in metering.Interaction) (Outcome, error) {
	tc, err := p.auth.Resolve(ctx, assertion, payload, requestID)
	if err != nil {
		return Outcome{}, err
	}
	if err := in.Validate(); err != nil {
		return Outcome{}, err
	}
	out := Outcome{RequestID: tc.RequestID(), TenantID: tc.TenantID(), InteractionID: in.InteractionID}
	writeCtx := context.WithoutCancel(ctx)
	if err := p.complete(writeCtx, tc, in, &out); err != nil {
		return out, err
	}
	if !out.Duplicate {
		p.touchSession(writeCtx, tc, in.MessageCount)
	}
	return out, nil
}

// AppendAudit records an action reported by an external collaborator, such
// as document generation. Reserved metering actions are refused.
func (p *Pipeline) AppendAudit(ctx context.Context, assertion string, payload []byte, requestID string, e audit.Entry) (audit.Record, error) {
	tc, err := p.auth.Resolve(ctx, assertion, payload, requestID)
	if err != nil {
		return audit.Record{}, err
	}
	if audit.Reserved(e.Action) {
		return audit.Record{}, fmt.Errorf("%w: %s", ErrReservedAction, e.Action)
	}
	return p.audit.Append(context.WithoutCancel(ctx), tc, e)
}
