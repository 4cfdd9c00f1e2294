// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Outcome is how an interaction with the agent runtime ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout:
		return true
	}
	return false
}

var (
	ErrInvalidInteractionID = errors.New("interaction_id is required")
	ErrInvalidOutcome       = errors.New("outcome must be success, failure or timeout")
	ErrNegativeUsage        = errors.New("message, token and latency counts must not be negative")
	ErrEventNotFound        = errors.New("usage event not found")
)

// eventNamespace scopes the name-based event ids.
var eventNamespace = uuid.MustParse("6f1c2a9e-3b7d-4c55-9a0e-8d2f4b6e1c37")

// EventIDFor derives the idempotency key of an interaction. The same tenant
// and interaction always yield the same id.
func EventIDFor(tenantID, interactionID string) string {
	return uuid.NewSHA1(eventNamespace, []byte(tenantID+"/"+interactionID)).String()
}

// Interaction is the externally observed result of one agent-runtime call.
type Interaction struct {
	InteractionID string  `json:"interaction_id"`
	MessageCount  int     `json:"message_count"`
	TokensIn      int64   `json:"tokens_in"`
	TokensOut     int64   `json:"tokens_out"`
	LatencyMS     int64   `json:"latency_ms"`
	Outcome       Outcome `json:"outcome"`
	Model         string  `json:"model,omitempty"`
}

// Validate checks an interaction before it becomes an event.
func (i Interaction) Validate() error {
	if i.InteractionID == "" {
		return ErrInvalidInteractionID
	}
	if !i.Outcome.Valid() {
		return ErrInvalidOutcome
	}
	if i.MessageCount < 0 || i.TokensIn < 0 || i.TokensOut < 0 || i.LatencyMS < 0 {
		return ErrNegativeUsage
	}
	return nil
}

// UsageEvent is the immutable usage record of one completed interaction.
type UsageEvent struct {
	EventID       string    `json:"event_id"`
	TenantID      string    `json:"tenant_id"`
	InteractionID string    `json:"interaction_id"`
	MessageCount  int       `json:"message_count"`
	TokensIn      int64     `json:"tokens_in"`
	TokensOut     int64     `json:"tokens_out"`
	LatencyMS     int64     `json:"latency_ms"`
	Outcome       Outcome   `json:"outcome"`
	Model         string    `json:"model,omitempty"`
	CostUSD       float64   `json:"cost_usd"`
	CreatedAt     time.Time `json:"created_at"`
}

// Failed reports whether the interaction did not succeed.
func (e UsageEvent) Failed() bool {
	return e.Outcome != OutcomeSuccess
}
