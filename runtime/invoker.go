// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package runtime calls the external conversational-agent runtime. Each
// backing runtime is one Invoker adapter; New selects the adapter by kind.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eagle/metering/tenancy"
)

// Adapter kinds accepted by New.
const (
	KindHTTP    = "http"
	KindBedrock = "bedrock"
)

// Message is one conversational turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the payload handed to the runtime.
type Request struct {
	InteractionID string    `json:"interaction_id"`
	Messages      []Message `json:"messages"`
	Model         string    `json:"model,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
}

// Result is what the runtime reports back. Token counts are the runtime's
// own accounting.
type Result struct {
	Reply        string `json:"reply"`
	MessageCount int    `json:"message_count"`
	TokensIn     int64  `json:"tokens_in"`
	TokensOut    int64  `json:"tokens_out"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason,omitempty"`
}

// Invoker is the agent-runtime capability.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, tc tenancy.TenantContext, req Request) (Result, error)
}

// ErrEmptyRequest is returned for a request without messages.
var ErrEmptyRequest = errors.New("runtime request has no messages")

// Options configures New.
type Options struct {
	URL     string
	Region  string
	Model   string
	Timeout time.Duration
}

// New builds the adapter named by kind.
func New(ctx context.Context, kind string, opts Options) (Invoker, error) {
	switch kind {
	case KindHTTP, "":
		return NewHTTPInvoker(opts.URL, opts.Timeout)
	case KindBedrock:
		return NewBedrockInvoker(ctx, opts.Region, opts.Model)
	}
	return nil, fmt.Errorf("unknown agent runtime %q", kind)
}
