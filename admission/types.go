// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package admission

import (
	"errors"
	"time"
)

// Decision is the outcome of an admission attempt.
type Decision string

const (
	DecisionAdmit  Decision = "ADMIT"
	DecisionQueue  Decision = "QUEUE"
	DecisionReject Decision = "REJECT"
)

// State is the per-tenant admission state.
type State string

const (
	StateOpen      State = "OPEN"
	StateThrottled State = "THROTTLED"
	StateRejecting State = "REJECTING"
)

// Result is returned by TryAdmit.
type Result struct {
	Decision Decision
	// Position is the 1-based queue position when Decision is QUEUE.
	Position int
	// Ticket identifies the admitted or queued interaction.
	Ticket *Ticket
	// Err is a *errkind.CapacityError or ErrDuplicateInteraction when Decision is REJECT.
	Err error
}

// Ticket tracks one interaction through the controller.
type Ticket struct {
	TenantID      string
	InteractionID string
	EnqueuedAt    time.Time

	admitted bool
	ready    chan struct{}
}

// RateLimitState is a point-in-time copy of a tenant's admission counters.
type RateLimitState struct {
	TenantID           string    `json:"tenant_id"`
	WindowStart        time.Time `json:"window_start"`
	RequestCount       int       `json:"request_count"`
	ConcurrentInFlight int       `json:"concurrent_in_flight"`
	QueueLength        int       `json:"queue_length"`
	State              State     `json:"state"`
}

var (
	// ErrUnknownInteraction is returned when releasing an interaction that holds no slot.
	ErrUnknownInteraction = errors.New("interaction holds no admission slot")

	// ErrTenantMismatch is returned when a ticket is used with another tenant's context.
	ErrTenantMismatch = errors.New("ticket belongs to another tenant")

	// ErrNotQueued is returned when awaiting a ticket that is not queued.
	ErrNotQueued = errors.New("ticket is not queued")

	// ErrDuplicateInteraction is returned when an interaction id is already
	// admitted or queued for the tenant.
	ErrDuplicateInteraction = errors.New("interaction is already admitted or queued")
)

// ReasonDuplicateInteraction labels duplicate rejections in metrics and audit detail.
const ReasonDuplicateInteraction = "duplicate_interaction"
